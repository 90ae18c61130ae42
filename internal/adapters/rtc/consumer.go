package rtc

import (
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// sinkOut is one attached sink and its delivery state.
type sinkOut struct {
	sink  core.MediaSink
	state atomic.Int32
}

// Consumer implements core.Consumer. Resume starts a pump that copies
// received RTP into the attached sinks.
type Consumer struct {
	id         string
	producerID string
	kind       domain.MediaKind
	receiver   *webrtc.RTPReceiver
	logger     zerolog.Logger

	started atomic.Bool
	closed  atomic.Bool

	mu      sync.RWMutex
	nextID  int
	sinks   map[int]*sinkOut
	onClose []func()
}

func newConsumer(opts core.ConsumeOptions, receiver *webrtc.RTPReceiver) *Consumer {
	return &Consumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		receiver:   receiver,
		sinks:      make(map[int]*sinkOut),
		logger:     log.With().Str("module", "adapters.rtc").Str("consumer_id", opts.ID).Str("producer_id", opts.ProducerID).Logger(),
	}
}

func (c *Consumer) ID() string             { return c.id }
func (c *Consumer) ProducerID() string     { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind { return c.kind }
func (c *Consumer) Paused() bool           { return !c.started.Load() }

func (c *Consumer) Attach(sink core.MediaSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		_ = sink.Close()
		return
	}
	c.nextID++
	c.sinks[c.nextID] = &sinkOut{sink: sink}
}

func (c *Consumer) Resume() {
	if c.closed.Load() || !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.loop()
}

func (c *Consumer) OnClose(fn func()) {
	c.mu.Lock()
	if !c.closed.Load() {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

func (c *Consumer) Close() {
	c.mu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	observers := c.onClose
	c.onClose = nil
	sinks := c.sinks
	c.sinks = make(map[int]*sinkOut)
	c.mu.Unlock()

	if err := c.receiver.Stop(); err != nil {
		c.logger.Error().Err(err).Msg("receiver stop")
	}
	for _, out := range sinks {
		if err := out.sink.Close(); err != nil {
			c.logger.Error().Err(err).Msg("sink close")
		}
	}
	c.logger.Info().Msg("consumer closed")
	for _, fn := range observers {
		fn()
	}
}

// loop reads RTP from the receiver until it stops, then closes the consumer.
func (c *Consumer) loop() {
	track := c.receiver.Track()
	if track == nil {
		c.logger.Error().Msg("receiver has no track")
		c.Close()
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Error().Err(err).Msg("read RTP error, closing")
			}
			c.Close()
			return
		}
		c.forward(pkt)
	}
}

func (c *Consumer) forward(pkt *rtp.Packet) {
	c.mu.RLock()
	snapshot := make(map[int]*sinkOut, len(c.sinks))
	maps.Copy(snapshot, c.sinks)
	c.mu.RUnlock()

	var dirty []int
	for id, out := range snapshot {
		if trackState(out.state.Load()) != trackStateOk {
			continue
		}
		if err := out.sink.WriteRTP(pkt); err != nil {
			c.logger.Error().Err(err).Msg("sink write error, detaching")
			out.state.Store(int32(trackStateClosed))
			dirty = append(dirty, id)
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		c.detach(dirty)
	}
}

func (c *Consumer) detach(ids []int) {
	c.mu.Lock()
	var closing []core.MediaSink
	for _, id := range ids {
		if out, ok := c.sinks[id]; ok {
			closing = append(closing, out.sink)
			delete(c.sinks, id)
		}
	}
	c.mu.Unlock()
	for _, s := range closing {
		_ = s.Close()
	}
}
