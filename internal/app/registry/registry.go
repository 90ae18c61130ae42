// Package registry tracks what the session publishes and what it is
// subscribed to, including announcements that arrive before the recv
// transport exists.
package registry

import (
	"cmp"
	"errors"
	"slices"
	"sync"

	"github.com/dkeye/Conference/internal/app/screen"
	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSendTransport = errors.New("send transport not ready")
	ErrTagPublished    = errors.New("tag already published")
	ErrInvalidTag      = errors.New("invalid media tag")
)

// CapsSource provides the capabilities sent with consume requests.
type CapsSource interface {
	RecvCapabilities() proto.RtpCapabilities
}

// Participant is a remote peer and its single stream container.
type Participant struct {
	ID          domain.ParticipantID
	DisplayName string
	Permissions domain.Permissions
	Stream      map[domain.MediaTag]core.Consumer
}

// ParticipantView is a copy safe to hand to presentation code.
type ParticipantView struct {
	ID          domain.ParticipantID `json:"id"`
	DisplayName string               `json:"displayName"`
	Permissions domain.Permissions   `json:"permissions"`
	Tags        []domain.MediaTag    `json:"tags"`
}

type Option func(*Registry)

// WithSinks attaches a sink to every subscribed track.
func WithSinks(f core.SinkFactory) Option {
	return func(r *Registry) { r.sinks = f }
}

type Registry struct {
	sig   core.Caller
	caps  CapsSource
	slot  *screen.Coordinator
	sinks core.SinkFactory

	mu           sync.Mutex
	local        domain.ParticipantID
	send         core.SendTransport
	recv         core.RecvTransport
	ready        bool
	draining     bool
	gen          uint64
	producers    map[domain.MediaTag]core.Producer
	publishing   map[domain.MediaTag]struct{}
	known        map[string]struct{}
	consumers    map[string]core.Consumer
	pending      []domain.Announcement
	participants map[domain.ParticipantID]*Participant
	departed     map[domain.ParticipantID]struct{}

	onChange func()
}

func New(sig core.Caller, caps CapsSource, slot *screen.Coordinator, opts ...Option) *Registry {
	r := &Registry{
		sig:  sig,
		caps: caps,
		slot: slot,
	}
	r.clear()
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) clear() {
	r.send = nil
	r.recv = nil
	r.ready = false
	r.draining = false
	r.producers = make(map[domain.MediaTag]core.Producer)
	r.publishing = make(map[domain.MediaTag]struct{})
	r.known = make(map[string]struct{})
	r.consumers = make(map[string]core.Consumer)
	r.pending = nil
	r.participants = make(map[domain.ParticipantID]*Participant)
	r.departed = make(map[domain.ParticipantID]struct{})
}

// OnChange is called outside the lock whenever the visible state changes.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *Registry) changed() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetLocal records the local participant so its own announcements are skipped.
func (r *Registry) SetLocal(pid domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = pid
}

func (r *Registry) SetSendTransport(t core.SendTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.send = t
}

// upsert must be called with mu held.
func (r *Registry) upsert(pid domain.ParticipantID, name string) *Participant {
	p := r.participants[pid]
	if p == nil {
		p = &Participant{
			ID:          pid,
			Permissions: domain.DefaultPermissions(),
			Stream:      make(map[domain.MediaTag]core.Consumer),
		}
		r.participants[pid] = p
	}
	if name != "" {
		p.DisplayName = name
	}
	return p
}

// UpsertParticipant makes sure a participant entry exists.
func (r *Registry) UpsertParticipant(pid domain.ParticipantID, name string) {
	r.mu.Lock()
	if _, gone := r.departed[pid]; gone || pid == r.local {
		r.mu.Unlock()
		return
	}
	r.upsert(pid, name)
	r.mu.Unlock()
	r.changed()
}

func (r *Registry) SetPermissions(pid domain.ParticipantID, perms domain.Permissions) {
	r.mu.Lock()
	p := r.participants[pid]
	if p == nil {
		r.mu.Unlock()
		return
	}
	p.Permissions = perms
	r.mu.Unlock()
	r.changed()
}

// RemoveParticipant drops a departed peer and everything subscribed from it.
func (r *Registry) RemoveParticipant(pid domain.ParticipantID) bool {
	r.mu.Lock()
	p, ok := r.participants[pid]
	delete(r.participants, pid)
	r.departed[pid] = struct{}{}
	r.pending = slices.DeleteFunc(r.pending, func(a domain.Announcement) bool {
		return a.ParticipantID == pid
	})
	var closing []core.Consumer
	if p != nil {
		for _, c := range p.Stream {
			closing = append(closing, c)
		}
	}
	r.mu.Unlock()

	for _, c := range closing {
		c.Close()
	}
	if ok {
		log.Info().Str("module", "app.registry").Str("participant", string(pid)).Msg("participant removed")
		r.changed()
	}
	return ok
}

func (r *Registry) Participant(pid domain.ParticipantID) (ParticipantView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[pid]
	if !ok {
		return ParticipantView{}, false
	}
	return view(p), true
}

// Participants returns a snapshot ordered by id.
func (r *Registry) Participants() []ParticipantView {
	r.mu.Lock()
	out := make([]ParticipantView, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, view(p))
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b ParticipantView) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func view(p *Participant) ParticipantView {
	v := ParticipantView{ID: p.ID, DisplayName: p.DisplayName, Permissions: p.Permissions}
	for tag := range p.Stream {
		v.Tags = append(v.Tags, tag)
	}
	slices.Sort(v.Tags)
	return v
}

// Reset closes every producer and consumer and forgets all state. Used by
// session cleanup; safe to call more than once.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.gen++
	producers := make([]core.Producer, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	consumers := make([]core.Consumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		consumers = append(consumers, c)
	}
	local := r.local
	r.clear()
	r.local = local
	r.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	if len(producers)+len(consumers) > 0 {
		log.Info().Str("module", "app.registry").Int("producers", len(producers)).Int("consumers", len(consumers)).Msg("reset")
	}
}
