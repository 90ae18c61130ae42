package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrTransportClosed = errors.New("rtc: transport closed")

// transport is one ICE + DTLS leg towards the relay. The handshake runs on
// the first produce or consume.
type transport struct {
	id        string
	api       *webrtc.API
	remote    proto.TransportParams
	onConnect core.ConnectFunc
	logger    zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	once   sync.Once
	err    error
	closed atomic.Bool
}

func newTransport(api *webrtc.API, iceServers []webrtc.ICEServer, params proto.TransportParams, onConnect core.ConnectFunc) (*transport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	t := &transport{
		id:        params.ID,
		api:       api,
		remote:    params,
		onConnect: onConnect,
		logger:    log.With().Str("module", "adapters.rtc").Str("transport_id", params.ID).Logger(),
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
	}
	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.logger.Info().Str("dtls_state", s.String()).Msg("DTLS state")
	})
	return t, nil
}

func (t *transport) ID() string   { return t.id }
func (t *transport) Closed() bool { return t.closed.Load() }

// connect runs the handshake once. A failure sticks: the transport is not
// retried.
func (t *transport) connect(ctx context.Context) error {
	if t.Closed() {
		return ErrTransportClosed
	}
	t.once.Do(func() {
		t.err = t.handshake(ctx)
		if t.err != nil {
			t.logger.Error().Err(t.err).Msg("handshake failed")
		}
	})
	return t.err
}

func (t *transport) handshake(ctx context.Context) error {
	gathered := make(chan struct{})
	var gatherOnce sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			gatherOnce.Do(func() { close(gathered) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	local, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}
	if t.onConnect != nil {
		err = t.onConnect(ctx, proto.DtlsParameters{Role: "client", Fingerprints: fromFingerprints(local.Fingerprints)})
		if err != nil {
			return err
		}
	}

	candidates, err := toCandidates(t.remote.IceCandidates)
	if err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}
	if err := t.ice.SetRemoteCandidates(candidates); err != nil {
		return fmt.Errorf("set remote candidates: %w", err)
	}
	role := webrtc.ICERoleControlling
	err = t.ice.Start(t.gatherer, webrtc.ICEParameters{
		UsernameFragment: t.remote.IceParameters.UsernameFragment,
		Password:         t.remote.IceParameters.Password,
		ICELite:          t.remote.IceParameters.IceLite,
	}, &role)
	if err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	err = t.dtls.Start(webrtc.DTLSParameters{
		Role:         webrtc.DTLSRoleServer,
		Fingerprints: toFingerprints(t.remote.DtlsParameters.Fingerprints),
	})
	if err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}
	t.logger.Info().Msg("connected")
	return nil
}

func (t *transport) close() bool {
	if !t.closed.CompareAndSwap(false, true) {
		return false
	}
	if err := t.dtls.Stop(); err != nil {
		t.logger.Error().Err(err).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Error().Err(err).Msg("ice stop")
	}
	if err := t.gatherer.Close(); err != nil {
		t.logger.Error().Err(err).Msg("gatherer close")
	}
	t.logger.Info().Msg("closed")
	return true
}

// SendTransport implements core.SendTransport.
type SendTransport struct {
	*transport
	onProduce core.ProduceFunc

	mu        sync.Mutex
	producers []*Producer
}

// Produce binds track to a new RTPSender and announces it to the relay.
func (t *SendTransport) Produce(ctx context.Context, track core.LocalTrack, tag domain.MediaTag) (core.Producer, error) {
	src, ok := track.(TrackSource)
	if !ok {
		return nil, fmt.Errorf("rtc: track %s has no pion source", track.ID())
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	sender, err := t.api.NewRTPSender(src.TrackLocal(), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	params := sender.GetParameters()
	if err := sender.Send(params); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtp send: %w", err)
	}

	var prefer string
	if m, ok := track.(interface{ MimeType() string }); ok {
		prefer = m.MimeType()
	}
	id, err := t.onProduce(ctx, track.Kind(), sendParameters(params, prefer), tag)
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}

	p := newProducer(id, tag, track.Kind(), sender, src.TrackLocal())
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	go p.readRTCP()
	return p, nil
}

func (t *SendTransport) Close() {
	if !t.close() {
		return
	}
	t.mu.Lock()
	producers := t.producers
	t.producers = nil
	t.mu.Unlock()
	for _, p := range producers {
		p.Close()
	}
}

// RecvTransport implements core.RecvTransport.
type RecvTransport struct {
	*transport

	mu        sync.Mutex
	consumers []*Consumer
}

func (t *RecvTransport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	typ, ok := codecType(string(opts.Kind))
	if !ok {
		return nil, ErrUnsupportedKind
	}
	params, err := receiveParameters(opts.RtpParameters)
	if err != nil {
		return nil, err
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.api.NewRTPReceiver(typ, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	if err := receiver.Receive(params); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("rtp receive: %w", err)
	}

	c := newConsumer(opts, receiver)
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *RecvTransport) Close() {
	if !t.close() {
		return
	}
	t.mu.Lock()
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()
	for _, c := range consumers {
		c.Close()
	}
}
