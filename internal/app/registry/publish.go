package registry

import (
	"context"
	"fmt"

	"github.com/dkeye/Conference/internal/app/screen"
	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/rs/zerolog/log"
)

// Publish produces track under tag. A tag that is already published returns
// the existing producer together with ErrTagPublished.
func (r *Registry) Publish(ctx context.Context, track core.LocalTrack, tag domain.MediaTag) (core.Producer, error) {
	if !tag.Valid() {
		return nil, ErrInvalidTag
	}
	if tag == domain.TagScreen && r.slot != nil && r.slot.Active() {
		return nil, screen.ErrShareActive
	}

	r.mu.Lock()
	if p, ok := r.producers[tag]; ok {
		r.mu.Unlock()
		return p, ErrTagPublished
	}
	if _, ok := r.publishing[tag]; ok {
		r.mu.Unlock()
		return nil, ErrTagPublished
	}
	send, gen := r.send, r.gen
	if send == nil {
		r.mu.Unlock()
		return nil, ErrNoSendTransport
	}
	r.publishing[tag] = struct{}{}
	r.mu.Unlock()

	p, err := send.Produce(ctx, track, tag)

	r.mu.Lock()
	delete(r.publishing, tag)
	if err == nil && r.gen != gen {
		r.mu.Unlock()
		p.Close()
		return nil, fmt.Errorf("publish %s: session reset", tag)
	}
	if err != nil {
		r.mu.Unlock()
		log.Error().Err(err).Str("module", "app.registry").Str("tag", string(tag)).Msg("publish failed")
		return nil, fmt.Errorf("publish %s: %w", tag, err)
	}
	r.producers[tag] = p
	r.mu.Unlock()

	p.OnClose(func() {
		r.mu.Lock()
		if r.producers[tag] == p {
			delete(r.producers, tag)
		}
		r.mu.Unlock()
		r.changed()
	})
	log.Info().Str("module", "app.registry").Str("tag", string(tag)).Str("producer_id", p.ID()).Msg("published")
	r.changed()
	return p, nil
}

// Pause stops sending on tag without renegotiation. No-op when absent.
func (r *Registry) Pause(tag domain.MediaTag) bool {
	p := r.Producer(tag)
	if p == nil {
		return false
	}
	p.Pause()
	r.changed()
	return true
}

func (r *Registry) Resume(tag domain.MediaTag) bool {
	p := r.Producer(tag)
	if p == nil {
		return false
	}
	p.Resume()
	r.changed()
	return true
}

// CloseProducer closes the local producer of tag, if any.
func (r *Registry) CloseProducer(tag domain.MediaTag) {
	if p := r.Producer(tag); p != nil {
		p.Close()
	}
}

func (r *Registry) Producer(tag domain.MediaTag) core.Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[tag]
}

// Published lists local tags with their paused flag.
func (r *Registry) Published() map[domain.MediaTag]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.MediaTag]bool, len(r.producers))
	for tag, p := range r.producers {
		out[tag] = p.Paused()
	}
	return out
}
