package rtc

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/Conference/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TrackSource is a local track that pion can send.
type TrackSource interface {
	TrackLocal() webrtc.TrackLocal
}

type trackState int32

const (
	trackStateOk trackState = iota
	trackStateMuted
	trackStateClosed
)

// Producer implements core.Producer. Pausing swaps the sender's track out,
// so nothing is renegotiated.
type Producer struct {
	id     string
	tag    domain.MediaTag
	kind   domain.MediaKind
	sender *webrtc.RTPSender
	src    webrtc.TrackLocal
	logger zerolog.Logger

	state atomic.Int32

	mu       sync.Mutex
	onClose  []func()
	closeErr error
}

func newProducer(id string, tag domain.MediaTag, kind domain.MediaKind, sender *webrtc.RTPSender, src webrtc.TrackLocal) *Producer {
	return &Producer{
		id:     id,
		tag:    tag,
		kind:   kind,
		sender: sender,
		src:    src,
		logger: log.With().Str("module", "adapters.rtc").Str("producer_id", id).Str("tag", string(tag)).Logger(),
	}
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }
func (p *Producer) Tag() domain.MediaTag   { return p.tag }

func (p *Producer) getState() trackState { return trackState(p.state.Load()) }

func (p *Producer) Paused() bool { return p.getState() == trackStateMuted }

func (p *Producer) Pause() {
	if !p.state.CompareAndSwap(int32(trackStateOk), int32(trackStateMuted)) {
		return
	}
	if err := p.sender.ReplaceTrack(nil); err != nil {
		p.logger.Error().Err(err).Msg("pause")
	}
}

func (p *Producer) Resume() {
	if !p.state.CompareAndSwap(int32(trackStateMuted), int32(trackStateOk)) {
		return
	}
	if err := p.sender.ReplaceTrack(p.src); err != nil {
		p.logger.Error().Err(err).Msg("resume")
	}
}

func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	if p.getState() != trackStateClosed {
		p.onClose = append(p.onClose, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}

func (p *Producer) Close() {
	p.mu.Lock()
	if p.getState() == trackStateClosed {
		p.mu.Unlock()
		return
	}
	p.state.Store(int32(trackStateClosed))
	observers := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	if err := p.sender.Stop(); err != nil {
		p.logger.Error().Err(err).Msg("sender stop")
	}
	p.logger.Info().Msg("producer closed")
	for _, fn := range observers {
		fn()
	}
}

// readRTCP drains RTCP so the interceptors keep running.
func (p *Producer) readRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := p.sender.Read(buf); err != nil {
			return
		}
	}
}
