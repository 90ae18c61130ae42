package session

import (
	"context"

	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
)

// Accept admits a pending participant. The request is dropped whatever the
// relay answers.
func (s *Session) Accept(ctx context.Context, pid domain.ParticipantID) error {
	return s.decide(ctx, pid, true)
}

// Deny rejects a pending participant.
func (s *Session) Deny(ctx context.Context, pid domain.ParticipantID) error {
	return s.decide(ctx, pid, false)
}

func (s *Session) decide(ctx context.Context, pid domain.ParticipantID, accept bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ownerCheck(); err != nil {
		return err
	}

	s.vmu.Lock()
	var (
		req   domain.JoinRequest
		found bool
	)
	for i, r := range s.requests {
		if r.ParticipantID == pid {
			req, found = r, true
			s.requests = append(s.requests[:i], s.requests[i+1:]...)
			break
		}
	}
	s.vmu.Unlock()
	if !found {
		return ErrUnknownRequest
	}
	defer s.changed()

	method := proto.MethodDenyJoin
	if accept {
		method = proto.MethodApproveJoin
	}
	var ack proto.Ack
	err := s.sig.Call(ctx, method, proto.DecideJoinRequest{TargetParticipantID: pid}, &ack)
	if err == nil {
		err = ack.Err(method)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("participant", string(pid)).Str("method", method).Msg("join decision")
		return err
	}
	s.logger.Info().Str("participant", string(pid)).Bool("accepted", accept).Msg("join decided")
	if accept {
		s.registry.UpsertParticipant(pid, req.DisplayName)
	}
	return nil
}

// SetPermissions edits another participant's flags.
func (s *Session) SetPermissions(ctx context.Context, pid domain.ParticipantID, perms domain.Permissions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ownerCheck(); err != nil {
		return err
	}
	if _, ok := s.registry.Participant(pid); !ok {
		return ErrUnknownParticipant
	}

	var ack proto.Ack
	err := s.sig.Call(ctx, proto.MethodSetPermissions, proto.SetPermissionsRequest{
		TargetParticipantID: pid,
		Permissions:         perms,
	}, &ack)
	if err == nil {
		err = ack.Err(proto.MethodSetPermissions)
	}
	if err != nil {
		return err
	}
	s.registry.SetPermissions(pid, perms)
	return nil
}

func (s *Session) ownerCheck() error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	s.vmu.RLock()
	defer s.vmu.RUnlock()
	if s.role != domain.RoleOwner {
		return ErrNotOwner
	}
	return nil
}

// Focus puts pid on stage. The local participant is always valid.
func (s *Session) Focus(pid domain.ParticipantID) error {
	s.vmu.RLock()
	local := s.local
	s.vmu.RUnlock()
	if pid != local {
		if _, ok := s.registry.Participant(pid); !ok {
			return ErrUnknownParticipant
		}
	}
	s.vmu.Lock()
	s.focus = pid
	s.vmu.Unlock()
	s.changed()
	return nil
}
