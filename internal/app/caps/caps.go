// Package caps loads the router's RTP capabilities into the local device.
package caps

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/rs/zerolog/log"
)

var ErrCapabilities = errors.New("router capabilities unavailable")

type Negotiator struct {
	sig    core.Caller
	device core.Device

	mu sync.Mutex
}

func New(sig core.Caller, device core.Device) *Negotiator {
	return &Negotiator{sig: sig, device: device}
}

// Load fetches and loads the capabilities. A loaded device is left alone.
func (n *Negotiator) Load(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.device.Loaded() {
		return nil
	}

	var caps *proto.RtpCapabilities
	if err := n.sig.Call(ctx, proto.MethodRouterCaps, nil, &caps); err != nil {
		return fmt.Errorf("%w: %w", ErrCapabilities, err)
	}
	if caps == nil || len(caps.Codecs) == 0 {
		return fmt.Errorf("%w: empty payload", ErrCapabilities)
	}
	if err := n.device.Load(*caps); err != nil {
		return fmt.Errorf("%w: load device: %w", ErrCapabilities, err)
	}
	log.Info().Str("module", "app.caps").Int("codecs", len(caps.Codecs)).Msg("device loaded")
	return nil
}

// RecvCapabilities is sent with every consume request.
func (n *Negotiator) RecvCapabilities() proto.RtpCapabilities {
	return n.device.RtpCapabilities()
}

func (n *Negotiator) Loaded() bool {
	return n.device.Loaded()
}
