// Package rtc implements the core media interfaces on pion's ORTC API:
// one ICE/DTLS transport per direction, RTPSender per producer and
// RTPReceiver per consumer.
package rtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotLoaded       = errors.New("rtc: device not loaded")
	ErrNoCommonCodec   = errors.New("rtc: no supported codec in router capabilities")
	ErrUnsupportedKind = errors.New("rtc: unsupported media kind")
)

var supportedMime = map[string]bool{
	strings.ToLower(webrtc.MimeTypeOpus): true,
	strings.ToLower(webrtc.MimeTypeVP8):  true,
	strings.ToLower(webrtc.MimeTypeVP9):  true,
	strings.ToLower(webrtc.MimeTypeH264): true,
}

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

type DeviceOption func(*Device)

// WithPLIInterval sets how often keyframes are requested on received video.
// Zero disables it.
func WithPLIInterval(d time.Duration) DeviceOption {
	return func(dev *Device) { dev.pliInterval = d }
}

// Device implements core.Device.
type Device struct {
	iceServers  []webrtc.ICEServer
	pliInterval time.Duration

	mu   sync.RWMutex
	api  *webrtc.API
	caps *proto.RtpCapabilities
}

func NewDevice(iceServers []webrtc.ICEServer, opts ...DeviceOption) *Device {
	d := &Device{iceServers: iceServers, pliInterval: 2 * time.Second}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Load registers every router codec pion can handle, with the router's
// payload types, and builds the API the transports are made from.
func (d *Device) Load(router proto.RtpCapabilities) error {
	m := &webrtc.MediaEngine{}
	var local proto.RtpCapabilities

	for _, c := range router.Codecs {
		typ, ok := codecType(c.Kind)
		if !ok || !supportedMime[strings.ToLower(c.MimeType)] {
			continue
		}
		err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     c.MimeType,
				ClockRate:    c.ClockRate,
				Channels:     c.Channels,
				SDPFmtpLine:  fmtpLine(c.Parameters),
				RTCPFeedback: toFeedback(c.RtcpFeedback),
			},
			PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
		}, typ)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.rtc").Str("mime", c.MimeType).Msg("codec skipped")
			continue
		}
		local.Codecs = append(local.Codecs, c)
	}
	if len(local.Codecs) == 0 {
		return ErrNoCommonCodec
	}

	for _, h := range router.HeaderExtensions {
		typ, ok := codecType(h.Kind)
		if !ok {
			continue
		}
		if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: h.URI}, typ); err != nil {
			continue
		}
		local.HeaderExtensions = append(local.HeaderExtensions, h)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return fmt.Errorf("register interceptors: %w", err)
	}
	if d.pliInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(d.pliInterval))
		if err != nil {
			return fmt.Errorf("pli interceptor: %w", err)
		}
		ir.Add(pli)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir))

	d.mu.Lock()
	d.api = api
	d.caps = &local
	d.mu.Unlock()
	log.Info().Str("module", "adapters.rtc").Int("codecs", len(local.Codecs)).Msg("device loaded")
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.api != nil
}

func (d *Device) RtpCapabilities() proto.RtpCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.caps == nil {
		return proto.RtpCapabilities{}
	}
	return *d.caps
}

func (d *Device) loadedAPI() (*webrtc.API, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.api == nil {
		return nil, ErrNotLoaded
	}
	return d.api, nil
}

func (d *Device) CreateSendTransport(params proto.TransportParams, h core.SendHandlers) (core.SendTransport, error) {
	api, err := d.loadedAPI()
	if err != nil {
		return nil, err
	}
	base, err := newTransport(api, d.iceServers, params, h.OnConnect)
	if err != nil {
		return nil, err
	}
	return &SendTransport{transport: base, onProduce: h.OnProduce}, nil
}

func (d *Device) CreateRecvTransport(params proto.TransportParams, h core.RecvHandlers) (core.RecvTransport, error) {
	api, err := d.loadedAPI()
	if err != nil {
		return nil, err
	}
	base, err := newTransport(api, d.iceServers, params, h.OnConnect)
	if err != nil {
		return nil, err
	}
	return &RecvTransport{transport: base}, nil
}
