package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Conference/internal/app/registry"
	"github.com/dkeye/Conference/internal/app/screen"
	"github.com/dkeye/Conference/internal/domain"
)

// activate enters Active and bootstraps. Must be called with mu held.
func (s *Session) activate(ctx context.Context, existing []domain.Announcement) error {
	s.setState(StateActive)
	for _, a := range existing {
		s.registry.HandleAnnouncement(s.ctx, a)
	}
	return s.bootstrap(ctx)
}

// bootstrap runs capture, capability load, send transport, publish,
// recv transport and drain. Every step is idempotent so a failed run can
// be resumed. Must be called with mu held.
func (s *Session) bootstrap(ctx context.Context) error {
	if s.bootstrapped {
		return nil
	}
	if s.State() != StateActive {
		return ErrNotActive
	}

	if s.capture && !s.captured {
		tracks, err := s.capturer.UserMedia(ctx)
		if err != nil {
			s.report(fmt.Errorf("capture: %w", err))
		} else {
			s.tracks = tracks
			s.captured = true
		}
	}

	if err := s.caps.Load(ctx); err != nil {
		s.report(err)
		return err
	}

	send, err := s.transports.CreateSendTransport(ctx)
	if err != nil {
		err = fmt.Errorf("send transport: %w", err)
		s.report(err)
		return err
	}
	s.registry.SetSendTransport(send)

	var publishErr error
	for _, t := range s.tracks {
		tag := domain.TagForKind(t.Kind())
		if _, err := s.registry.Publish(ctx, t, tag); err != nil && !errors.Is(err, registry.ErrTagPublished) {
			s.report(err)
			publishErr = errors.Join(publishErr, err)
		}
	}

	recv, err := s.transports.CreateRecvTransport(ctx)
	if err != nil {
		err = fmt.Errorf("recv transport: %w", err)
		s.report(err)
		return errors.Join(publishErr, err)
	}
	s.registry.SetRecvTransport(recv)
	s.registry.DrainPending(s.ctx)

	if publishErr != nil {
		return publishErr
	}
	s.bootstrapped = true
	s.logger.Info().Int("tracks", len(s.tracks)).Msg("bootstrap complete")
	s.changed()
	return nil
}

// Mute pauses the local producer of tag. Nothing happens when the tag is
// not published.
func (s *Session) Mute(tag domain.MediaTag) error {
	if !tag.Valid() {
		return registry.ErrInvalidTag
	}
	if s.State() != StateActive {
		return ErrNotActive
	}
	s.registry.Pause(tag)
	return nil
}

func (s *Session) Unmute(tag domain.MediaTag) error {
	if !tag.Valid() {
		return registry.ErrInvalidTag
	}
	if s.State() != StateActive {
		return ErrNotActive
	}
	s.registry.Resume(tag)
	return nil
}

// StartScreenShare captures the display and publishes it. It fails with
// screen.ErrShareActive, without a round trip, when anyone already shares.
func (s *Session) StartScreenShare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateActive {
		return ErrNotActive
	}
	if s.capturer == nil {
		return errors.New("screen share: no capturer")
	}
	s.vmu.RLock()
	allowed, local := s.perms.ScreenShare, s.local
	s.vmu.RUnlock()
	if !allowed {
		return ErrScreenShareDisabled
	}
	if err := s.screen.BeginLocal(); err != nil {
		return err
	}

	track, err := s.capturer.DisplayMedia(ctx)
	if err != nil {
		s.screen.AbortLocal()
		err = fmt.Errorf("display capture: %w", err)
		s.report(err)
		return err
	}
	p, err := s.registry.Publish(ctx, track, domain.TagScreen)
	if err != nil {
		track.Stop()
		s.screen.AbortLocal()
		s.report(err)
		return err
	}
	if err := s.screen.CompleteLocal(ctx, local, p, track); err != nil {
		s.report(err)
		return err
	}
	return nil
}

// StopScreenShare ends the local share. No-op when not sharing.
func (s *Session) StopScreenShare(ctx context.Context) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	if s.screen.Status().State != screen.StateActiveLocal {
		return nil
	}
	s.screen.StopLocal(ctx)
	return nil
}
