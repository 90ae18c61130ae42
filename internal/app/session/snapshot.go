package session

import (
	"slices"

	"github.com/dkeye/Conference/internal/app/registry"
	"github.com/dkeye/Conference/internal/app/screen"
	"github.com/dkeye/Conference/internal/domain"
)

// Snapshot is the read model handed to presentation code.
type Snapshot struct {
	ID           string                     `json:"id"`
	State        string                     `json:"state"`
	Room         domain.RoomID              `json:"room"`
	Local        domain.ParticipantID       `json:"local"`
	DisplayName  string                     `json:"displayName"`
	Role         domain.Role                `json:"role,omitempty"`
	Permissions  domain.Permissions         `json:"permissions"`
	Focus        domain.ParticipantID       `json:"focus,omitempty"`
	Published    map[domain.MediaTag]bool   `json:"published"`
	Participants []registry.ParticipantView `json:"participants"`
	JoinRequests []domain.JoinRequest       `json:"joinRequests"`
	Screen       ScreenView                 `json:"screen"`
	Ready        bool                       `json:"ready"`
}

type ScreenView struct {
	State       string               `json:"state"`
	Participant domain.ParticipantID `json:"participant,omitempty"`
}

// Snapshot never waits on a transition in progress.
func (s *Session) Snapshot() Snapshot {
	s.vmu.RLock()
	snap := Snapshot{
		ID:           s.id,
		State:        s.State().String(),
		Room:         s.room,
		Local:        s.local,
		DisplayName:  s.displayName,
		Role:         s.role,
		Permissions:  s.perms,
		Focus:        s.focus,
		JoinRequests: slices.Clone(s.requests),
	}
	s.vmu.RUnlock()

	snap.Published = s.registry.Published()
	snap.Participants = s.registry.Participants()
	snap.Ready = s.registry.Ready()
	st := s.screen.Status()
	snap.Screen = ScreenView{State: st.State.String(), Participant: st.Participant}
	return snap
}

// Sharing reports whether the local participant holds the screen slot.
func (sn Snapshot) Sharing() bool {
	return sn.Screen.State == screen.StateActiveLocal.String()
}
