package session

import (
	"encoding/json"

	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
)

// subscribe registers every pushed event handler. Must be called with mu held.
func (s *Session) subscribe() {
	on := func(event string, h core.EventHandler) {
		s.unsubs = append(s.unsubs, s.sig.On(event, h))
	}
	on(proto.EventJoinRequest, decode(s, s.onJoinRequest))
	on(proto.EventJoinApproved, decode(s, s.onJoinApproved))
	on(proto.EventJoinDenied, decode(s, s.onJoinDenied))
	on(proto.EventRoomClosed, decode(s, s.onRoomClosed))
	on(proto.EventDisconnected, func(json.RawMessage) { s.onDisconnected() })
	on(proto.EventNewProducer, decode(s, s.onNewProducer))
	on(proto.EventProducerClosed, decode(s, s.onProducerClosed))
	on(proto.EventParticipantLeft, decode(s, s.onParticipantLeft))
	on(proto.EventScreenShareStopped, decode(s, s.onScreenShareStopped))
	on(proto.EventPermissionsUpdated, decode(s, s.onPermissionsUpdated))
}

func decode[T any](s *Session, fn func(T)) core.EventHandler {
	return func(raw json.RawMessage) {
		var v T
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &v); err != nil {
				s.logger.Error().Err(err).Msg("bad event payload")
				return
			}
		}
		fn(v)
	}
}

func (s *Session) onJoinRequest(ev proto.JoinRequestEvent) {
	if ev.ParticipantID == "" {
		return
	}
	s.vmu.Lock()
	if s.role != domain.RoleOwner {
		s.vmu.Unlock()
		return
	}
	for _, r := range s.requests {
		if r.ParticipantID == ev.ParticipantID {
			s.vmu.Unlock()
			return
		}
	}
	req := domain.JoinRequest(ev)
	s.requests = append(s.requests, req)
	s.vmu.Unlock()

	s.logger.Info().Str("participant", string(req.ParticipantID)).Str("name", req.DisplayName).Msg("join request")
	if s.cb.OnJoinRequest != nil {
		s.cb.OnJoinRequest(req)
	}
	s.changed()
}

func (s *Session) onJoinApproved(ev proto.JoinApprovedEvent) {
	s.mu.Lock()
	if s.State() != StateAwaitingApproval {
		s.mu.Unlock()
		return
	}
	s.logger.Info().Int("existing", len(ev.ExistingProducers)).Msg("approved")
	err := s.activate(s.ctx, ev.ExistingProducers)
	exit := s.abortOnFatal(s.ctx, err)
	s.mu.Unlock()
	exit()
}

func (s *Session) onJoinDenied(proto.ReasonEvent) {
	s.mu.Lock()
	if s.State() != StateAwaitingApproval {
		s.mu.Unlock()
		return
	}
	exit := s.closeLocked(s.ctx, ReasonDenied, StateDenied)
	s.mu.Unlock()
	exit()
}

func (s *Session) onRoomClosed(ev proto.ReasonEvent) {
	s.logger.Info().Str("reason", ev.Reason).Msg("room closed")
	s.shutdown(s.ctx, ReasonRoomClosed, StateClosed)
}

func (s *Session) onDisconnected() {
	s.shutdown(s.ctx, ReasonConnLost, StateClosed)
}

func (s *Session) onNewProducer(a domain.Announcement) {
	if st := s.State(); st != StateActive && st != StateConnecting {
		return
	}
	s.registry.HandleAnnouncement(s.ctx, a)
}

func (s *Session) onProducerClosed(ev proto.ProducerClosedEvent) {
	s.registry.ProducerClosed(ev.ProducerID)
}

// onParticipantLeft drops the peer, returns stage focus to the local
// participant if needed and frees the screen slot if they held it.
func (s *Session) onParticipantLeft(ev proto.ParticipantLeftEvent) {
	pid := ev.ParticipantID
	s.registry.RemoveParticipant(pid)
	s.screen.ClearRemote(pid)

	s.vmu.Lock()
	if s.focus == pid {
		s.focus = s.local
	}
	for i, r := range s.requests {
		if r.ParticipantID == pid {
			s.requests = append(s.requests[:i], s.requests[i+1:]...)
			break
		}
	}
	s.vmu.Unlock()
	s.logger.Info().Str("participant", string(pid)).Msg("participant left")
	s.changed()
}

func (s *Session) onScreenShareStopped(ev proto.ScreenShareStoppedEvent) {
	s.screen.ClearRemote(ev.ParticipantID)
}

func (s *Session) onPermissionsUpdated(ev proto.PermissionsUpdatedEvent) {
	s.vmu.Lock()
	self := ev.ParticipantID == s.local
	if self {
		s.perms = ev.Permissions
	}
	s.vmu.Unlock()

	if !self {
		s.registry.SetPermissions(ev.ParticipantID, ev.Permissions)
		return
	}
	s.logger.Info().Bool("screen_share", ev.Permissions.ScreenShare).Bool("chat", ev.Permissions.Chat).Msg("permissions updated")
	if !ev.Permissions.ScreenShare {
		if err := s.StopScreenShare(s.ctx); err != nil {
			s.logger.Warn().Err(err).Msg("stop screen share on revoke")
		}
	}
	s.changed()
}
