package registry

import (
	"context"
	"fmt"
	"slices"

	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/rs/zerolog/log"
)

// HandleAnnouncement subscribes to a remote producer, or queues it while the
// recv transport is not ready. A producer id is taken at most once.
func (r *Registry) HandleAnnouncement(ctx context.Context, a domain.Announcement) {
	logger := log.With().Str("module", "app.registry").Str("producer_id", a.ProducerID).Str("participant", string(a.ParticipantID)).Logger()
	if a.ProducerID == "" || !a.MediaTag.Valid() {
		logger.Warn().Str("tag", string(a.MediaTag)).Msg("malformed announcement dropped")
		return
	}

	r.mu.Lock()
	if a.ParticipantID == r.local {
		r.mu.Unlock()
		return
	}
	if _, gone := r.departed[a.ParticipantID]; gone {
		r.mu.Unlock()
		return
	}
	if _, seen := r.known[a.ProducerID]; seen {
		r.mu.Unlock()
		logger.Debug().Msg("duplicate announcement")
		return
	}
	r.known[a.ProducerID] = struct{}{}
	r.upsert(a.ParticipantID, a.DisplayName)
	if !r.ready {
		r.pending = append(r.pending, a)
		r.mu.Unlock()
		logger.Debug().Msg("queued until recv transport is ready")
		r.changed()
		return
	}
	recv, gen := r.recv, r.gen
	r.mu.Unlock()

	r.changed()
	r.subscribe(ctx, recv, gen, a)
}

// SetRecvTransport records the recv transport. Announcements keep queueing
// until DrainPending completes.
func (r *Registry) SetRecvTransport(t core.RecvTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recv = t
}

// DrainPending replays queued announcements in arrival order and flips the
// registry to ready. Only the first call after SetRecvTransport does work.
func (r *Registry) DrainPending(ctx context.Context) {
	r.mu.Lock()
	if r.ready || r.draining || r.recv == nil {
		r.mu.Unlock()
		return
	}
	r.draining = true
	recv, gen := r.recv, r.gen
	r.mu.Unlock()

	for {
		r.mu.Lock()
		if r.gen != gen {
			r.mu.Unlock()
			return
		}
		if len(r.pending) == 0 {
			r.ready = true
			r.draining = false
			r.mu.Unlock()
			log.Info().Str("module", "app.registry").Msg("recv ready")
			return
		}
		a := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()

		r.subscribe(ctx, recv, gen, a)
	}
}

// Ready reports whether the queue has been drained.
func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Pending returns a copy of the queue.
func (r *Registry) Pending() []domain.Announcement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.pending)
}

func (r *Registry) subscribe(ctx context.Context, recv core.RecvTransport, gen uint64, a domain.Announcement) {
	logger := log.With().Str("module", "app.registry").Str("producer_id", a.ProducerID).Str("participant", string(a.ParticipantID)).Str("tag", string(a.MediaTag)).Logger()

	consumer, err := r.consume(ctx, recv, a)
	if err != nil {
		logger.Error().Err(err).Msg("subscribe failed")
		return
	}

	r.mu.Lock()
	_, gone := r.departed[a.ParticipantID]
	if r.gen != gen || gone {
		r.mu.Unlock()
		consumer.Close()
		return
	}
	r.consumers[a.ProducerID] = consumer
	var replaced core.Consumer
	if a.MediaTag != domain.TagScreen {
		p := r.upsert(a.ParticipantID, a.DisplayName)
		replaced = p.Stream[a.MediaTag]
		p.Stream[a.MediaTag] = consumer
	}
	r.mu.Unlock()

	if r.sinks != nil {
		if sink := r.sinks(a.ParticipantID, a.MediaTag, consumer.Kind()); sink != nil {
			consumer.Attach(sink)
		}
	}
	consumer.OnClose(func() { r.consumerClosed(a, consumer) })
	consumer.Resume()

	if a.MediaTag == domain.TagScreen && r.slot != nil {
		r.slot.AttachRemote(a.ParticipantID, consumer)
	}
	if replaced != nil {
		replaced.Close()
	}
	logger.Info().Str("consumer_id", consumer.ID()).Msg("subscribed")
	r.changed()
}

func (r *Registry) consume(ctx context.Context, recv core.RecvTransport, a domain.Announcement) (core.Consumer, error) {
	var resp proto.ConsumeResponse
	err := r.sig.Call(ctx, proto.MethodConsume, proto.ConsumeRequest{
		ProducerID:      a.ProducerID,
		RtpCapabilities: r.caps.RecvCapabilities(),
	}, &resp)
	if err == nil {
		err = resp.Err(proto.MethodConsume)
	}
	if err != nil {
		return nil, err
	}
	if resp.ProducerID == "" {
		resp.ProducerID = a.ProducerID
	}
	if resp.Kind == "" {
		resp.Kind = a.MediaTag.Kind()
	}
	c, err := recv.Consume(ctx, core.ConsumeOptions{
		ID:            resp.ID,
		ProducerID:    resp.ProducerID,
		Kind:          resp.Kind,
		RtpParameters: resp.RtpParameters,
	})
	if err != nil {
		return nil, fmt.Errorf("consume on transport: %w", err)
	}
	return c, nil
}

func (r *Registry) consumerClosed(a domain.Announcement, c core.Consumer) {
	r.mu.Lock()
	if r.consumers[a.ProducerID] == c {
		delete(r.consumers, a.ProducerID)
	}
	if p := r.participants[a.ParticipantID]; p != nil && p.Stream[a.MediaTag] == c {
		delete(p.Stream, a.MediaTag)
	}
	r.mu.Unlock()
	r.changed()
}

// ProducerClosed handles the relay telling us a remote producer is gone.
func (r *Registry) ProducerClosed(producerID string) {
	r.mu.Lock()
	c := r.consumers[producerID]
	r.pending = slices.DeleteFunc(r.pending, func(a domain.Announcement) bool {
		return a.ProducerID == producerID
	})
	r.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Subscribed reports whether a consumer exists for producerID.
func (r *Registry) Subscribed(producerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.consumers[producerID]
	return ok
}
