// Package screen keeps the single screen-share slot of a session.
package screen

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/rs/zerolog/log"
)

var ErrShareActive = errors.New("screen share already active")

type State int32

const (
	StateIdle State = iota
	StateRequesting
	StateActiveLocal
	StateActiveRemote
)

func (s State) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StateActiveLocal:
		return "active-local"
	case StateActiveRemote:
		return "active-remote"
	default:
		return "idle"
	}
}

// Status is a read-only copy for presentation.
type Status struct {
	State       State
	Participant domain.ParticipantID
}

type Coordinator struct {
	sig core.Caller

	mu       sync.Mutex
	state    State
	sharer   domain.ParticipantID
	producer core.Producer
	track    core.LocalTrack
	consumer core.Consumer
	gen      uint64

	onChange func()
}

func NewCoordinator(sig core.Caller) *Coordinator {
	return &Coordinator{sig: sig}
}

// OnChange is called outside the lock after every transition.
func (c *Coordinator) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Participant: c.sharer}
}

// Active reports whether anyone holds the slot.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActiveLocal || c.state == StateActiveRemote
}

// BeginLocal reserves the slot for a local share. No round trip is made
// when the slot is taken.
func (c *Coordinator) BeginLocal() error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrShareActive
	}
	c.state = StateRequesting
	c.mu.Unlock()
	c.changed()
	return nil
}

// AbortLocal releases a reservation that never produced.
func (c *Coordinator) AbortLocal() {
	c.mu.Lock()
	if c.state != StateRequesting {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.mu.Unlock()
	c.changed()
}

// CompleteLocal takes the slot with a published producer. The share ends by
// itself when the capture ends or the producer closes. When a remote share
// took the slot while the local one was being set up, the local share is
// withdrawn and ErrShareActive is returned.
func (c *Coordinator) CompleteLocal(ctx context.Context, local domain.ParticipantID, p core.Producer, track core.LocalTrack) error {
	c.mu.Lock()
	if c.state != StateRequesting {
		c.mu.Unlock()
		c.withdraw(ctx, p, track)
		log.Warn().Str("module", "app.screen").Str("producer_id", p.ID()).Msg("slot taken during local share setup")
		return ErrShareActive
	}
	c.gen++
	gen := c.gen
	c.state = StateActiveLocal
	c.sharer = local
	c.producer = p
	c.track = track
	c.mu.Unlock()

	end := func() { c.endLocal(context.Background(), gen) }
	track.OnEnded(end)
	p.OnClose(end)
	log.Info().Str("module", "app.screen").Str("producer_id", p.ID()).Msg("local share started")
	c.changed()
	return nil
}

// StopLocal ends the local share and tells the relay.
func (c *Coordinator) StopLocal(ctx context.Context) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.endLocal(ctx, gen)
}

func (c *Coordinator) endLocal(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.state != StateActiveLocal || c.gen != gen {
		c.mu.Unlock()
		return
	}
	p, track := c.producer, c.track
	c.reset()
	c.mu.Unlock()

	c.withdraw(ctx, p, track)
	log.Info().Str("module", "app.screen").Str("producer_id", p.ID()).Msg("local share stopped")
	c.changed()
}

// withdraw stops the capture, closes the producer and tells the relay.
func (c *Coordinator) withdraw(ctx context.Context, p core.Producer, track core.LocalTrack) {
	track.Stop()
	p.Close()
	if err := c.sig.Call(ctx, proto.MethodStopScreenShare, nil, nil); err != nil {
		log.Warn().Err(err).Str("module", "app.screen").Msg("stop-screen-share")
	}
}

// AttachRemote records a remote share. The slot clears itself when the
// consumer closes. The latest share wins: an active local share is
// withdrawn first, and a local share still being set up is refused when it
// completes.
func (c *Coordinator) AttachRemote(pid domain.ParticipantID, consumer core.Consumer) {
	c.mu.Lock()
	var (
		p     core.Producer
		track core.LocalTrack
	)
	if c.state == StateActiveLocal {
		p, track = c.producer, c.track
	}
	c.gen++
	gen := c.gen
	c.state = StateActiveRemote
	c.sharer = pid
	c.producer = nil
	c.track = nil
	c.consumer = consumer
	c.mu.Unlock()

	if p != nil {
		log.Info().Str("module", "app.screen").Str("producer_id", p.ID()).Str("participant", string(pid)).Msg("local share replaced by remote share")
		c.withdraw(context.Background(), p, track)
	}
	consumer.OnClose(func() { c.clearRemote(gen) })
	log.Info().Str("module", "app.screen").Str("participant", string(pid)).Msg("remote share started")
	c.changed()
}

// ClearRemote is used on departure or a screen-share-stopped push.
func (c *Coordinator) ClearRemote(pid domain.ParticipantID) {
	c.mu.Lock()
	if c.state != StateActiveRemote || c.sharer != pid {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.mu.Unlock()
	c.clearRemote(gen)
}

// RemoteConsumer is the consumer of the active remote share, if any.
func (c *Coordinator) RemoteConsumer() core.Consumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActiveRemote {
		return nil
	}
	return c.consumer
}

func (c *Coordinator) clearRemote(gen uint64) {
	c.mu.Lock()
	if c.state != StateActiveRemote || c.gen != gen {
		c.mu.Unlock()
		return
	}
	pid, consumer := c.sharer, c.consumer
	c.reset()
	c.mu.Unlock()

	consumer.Close()
	log.Info().Str("module", "app.screen").Str("participant", string(pid)).Msg("remote share ended")
	c.changed()
}

// Reset drops the slot without notifying the relay and stops a local
// display capture. Cleanup closes the underlying producer and consumer
// itself.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	track := c.track
	c.gen++
	c.reset()
	c.mu.Unlock()

	if track != nil {
		track.Stop()
	}
	c.changed()
}

func (c *Coordinator) reset() {
	c.state = StateIdle
	c.sharer = ""
	c.producer = nil
	c.track = nil
	c.consumer = nil
}

func (c *Coordinator) changed() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
