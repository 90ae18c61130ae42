// Package coretest has in-memory fakes of the media interfaces in core.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/google/uuid"
	"github.com/pion/rtp"
)

var ErrClosed = errors.New("coretest: closed")

// observers runs registered callbacks once.
type observers struct {
	mu    sync.Mutex
	fired bool
	fns   []func()
}

func (o *observers) add(fn func()) {
	o.mu.Lock()
	if !o.fired {
		o.fns = append(o.fns, fn)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	fn()
}

func (o *observers) fire() bool {
	o.mu.Lock()
	if o.fired {
		o.mu.Unlock()
		return false
	}
	o.fired = true
	fns := o.fns
	o.fns = nil
	o.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return true
}

type Track struct {
	id      string
	kind    domain.MediaKind
	stopped atomic.Bool
	ended   observers
}

func NewTrack(kind domain.MediaKind) *Track {
	return &Track{id: uuid.NewString(), kind: kind}
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() domain.MediaKind { return t.kind }
func (t *Track) Stop()                  { t.stopped.Store(true) }
func (t *Track) Stopped() bool          { return t.stopped.Load() }
func (t *Track) OnEnded(fn func())      { t.ended.add(fn) }

// End simulates the source ending on its own.
func (t *Track) End() {
	t.stopped.Store(true)
	t.ended.fire()
}

// Capturer hands out fresh tracks. Set Err or DisplayErr to simulate a denial.
type Capturer struct {
	Err        error
	DisplayErr error

	mu      sync.Mutex
	tracks  []*Track
	display []*Track
}

func (c *Capturer) UserMedia(context.Context) ([]core.LocalTrack, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	mic, cam := NewTrack(domain.KindAudio), NewTrack(domain.KindVideo)
	c.mu.Lock()
	c.tracks = append(c.tracks, mic, cam)
	c.mu.Unlock()
	return []core.LocalTrack{mic, cam}, nil
}

func (c *Capturer) DisplayMedia(context.Context) (core.LocalTrack, error) {
	if c.DisplayErr != nil {
		return nil, c.DisplayErr
	}
	t := NewTrack(domain.KindVideo)
	c.mu.Lock()
	c.display = append(c.display, t)
	c.mu.Unlock()
	return t, nil
}

// Tracks returns every track handed out by UserMedia.
func (c *Capturer) Tracks() []*Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Track(nil), c.tracks...)
}

func (c *Capturer) Display() []*Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Track(nil), c.display...)
}

// Device counts transports it builds.
type Device struct {
	LoadErr error

	mu    sync.Mutex
	caps  *proto.RtpCapabilities
	loads int
	sends []*SendTransport
	recvs []*RecvTransport
}

func (d *Device) Load(caps proto.RtpCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loads++
	if d.LoadErr != nil {
		return d.LoadErr
	}
	d.caps = &caps
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps != nil
}

func (d *Device) Loads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loads
}

func (d *Device) RtpCapabilities() proto.RtpCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.caps == nil {
		return proto.RtpCapabilities{}
	}
	return *d.caps
}

func (d *Device) CreateSendTransport(params proto.TransportParams, h core.SendHandlers) (core.SendTransport, error) {
	t := &SendTransport{id: params.ID, handlers: h}
	d.mu.Lock()
	d.sends = append(d.sends, t)
	d.mu.Unlock()
	return t, nil
}

func (d *Device) CreateRecvTransport(params proto.TransportParams, h core.RecvHandlers) (core.RecvTransport, error) {
	t := &RecvTransport{id: params.ID, handlers: h}
	d.mu.Lock()
	d.recvs = append(d.recvs, t)
	d.mu.Unlock()
	return t, nil
}

func (d *Device) SendTransports() []*SendTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*SendTransport(nil), d.sends...)
}

func (d *Device) RecvTransports() []*RecvTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*RecvTransport(nil), d.recvs...)
}

// connector runs the connect handler on first use, like a real transport
// does on its first produce or consume.
type connector struct {
	once   sync.Once
	err    error
	closed atomic.Bool
}

func (c *connector) connect(ctx context.Context, fn core.ConnectFunc) error {
	c.once.Do(func() {
		if fn != nil {
			c.err = fn(ctx, proto.DtlsParameters{Role: "client"})
		}
	})
	return c.err
}

type SendTransport struct {
	connector
	id       string
	handlers core.SendHandlers

	mu        sync.Mutex
	producers []*Producer
}

func (t *SendTransport) ID() string   { return t.id }
func (t *SendTransport) Closed() bool { return t.closed.Load() }
func (t *SendTransport) Close()       { t.closed.Store(true) }

func (t *SendTransport) Produce(ctx context.Context, track core.LocalTrack, tag domain.MediaTag) (core.Producer, error) {
	if t.Closed() {
		return nil, ErrClosed
	}
	if err := t.connect(ctx, t.handlers.OnConnect); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	id, err := t.handlers.OnProduce(ctx, track.Kind(), proto.RtpParameters{}, tag)
	if err != nil {
		return nil, err
	}
	p := &Producer{id: id, kind: track.Kind(), tag: tag}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *SendTransport) Producers() []*Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Producer(nil), t.producers...)
}

type RecvTransport struct {
	connector
	id       string
	handlers core.RecvHandlers

	mu        sync.Mutex
	consumers []*Consumer
}

func (t *RecvTransport) ID() string   { return t.id }
func (t *RecvTransport) Closed() bool { return t.closed.Load() }
func (t *RecvTransport) Close()       { t.closed.Store(true) }

func (t *RecvTransport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	if t.Closed() {
		return nil, ErrClosed
	}
	if err := t.connect(ctx, t.handlers.OnConnect); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	c := &Consumer{id: opts.ID, producerID: opts.ProducerID, kind: opts.Kind}
	c.paused.Store(true)
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *RecvTransport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Consumer(nil), t.consumers...)
}

type Producer struct {
	id     string
	kind   domain.MediaKind
	tag    domain.MediaTag
	paused atomic.Bool
	closed observers
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }
func (p *Producer) Tag() domain.MediaTag   { return p.tag }
func (p *Producer) Pause()                 { p.paused.Store(true) }
func (p *Producer) Resume()                { p.paused.Store(false) }
func (p *Producer) Paused() bool           { return p.paused.Load() }
func (p *Producer) Close()                 { p.closed.fire() }
func (p *Producer) OnClose(fn func())      { p.closed.add(fn) }

func (p *Producer) Closed() bool {
	p.closed.mu.Lock()
	defer p.closed.mu.Unlock()
	return p.closed.fired
}

type Consumer struct {
	id         string
	producerID string
	kind       domain.MediaKind
	paused     atomic.Bool
	closed     observers

	mu    sync.Mutex
	sinks []core.MediaSink
}

func (c *Consumer) ID() string             { return c.id }
func (c *Consumer) ProducerID() string     { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind { return c.kind }
func (c *Consumer) Resume()                { c.paused.Store(false) }
func (c *Consumer) Paused() bool           { return c.paused.Load() }
func (c *Consumer) OnClose(fn func())      { c.closed.add(fn) }

func (c *Consumer) Attach(sink core.MediaSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, sink)
}

// Deliver writes pkt to every attached sink.
func (c *Consumer) Deliver(pkt *rtp.Packet) {
	c.mu.Lock()
	sinks := append([]core.MediaSink(nil), c.sinks...)
	c.mu.Unlock()
	for _, s := range sinks {
		_ = s.WriteRTP(pkt)
	}
}

func (c *Consumer) Close() {
	if !c.closed.fire() {
		return
	}
	c.mu.Lock()
	sinks := c.sinks
	c.sinks = nil
	c.mu.Unlock()
	for _, s := range sinks {
		_ = s.Close()
	}
}

func (c *Consumer) Closed() bool {
	c.closed.mu.Lock()
	defer c.closed.mu.Unlock()
	return c.closed.fired
}

// Sink collects packets in memory.
type Sink struct {
	mu      sync.Mutex
	packets []*rtp.Packet
	closed  bool
}

func (s *Sink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.packets = append(s.packets, pkt)
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Sink) Packets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
