// Package capture acquires camera, microphone and display tracks with
// pion/mediadevices, encoded VP8 and Opus.
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers display adapter
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Video        bool `mapstructure:"video"`
	Audio        bool `mapstructure:"audio"`
	Width        int  `mapstructure:"width"`
	Height       int  `mapstructure:"height"`
	FrameRate    int  `mapstructure:"frame_rate"`
	VideoBitRate int  `mapstructure:"video_bitrate"`
	AudioBitRate int  `mapstructure:"audio_bitrate"`
}

// Capturer implements core.Capturer.
type Capturer struct {
	cfg      Config
	selector *mediadevices.CodecSelector
}

func New(cfg Config) (*Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	if cfg.VideoBitRate > 0 {
		vpxParams.BitRate = cfg.VideoBitRate
	}
	vpxParams.KeyFrameInterval = 60
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 100 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	if cfg.AudioBitRate > 0 {
		opusParams.BitRate = cfg.AudioBitRate
	}
	opusParams.Latency = opus.Latency20ms

	return &Capturer{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (c *Capturer) UserMedia(ctx context.Context) ([]core.LocalTrack, error) {
	if !c.cfg.Video && !c.cfg.Audio {
		return nil, nil
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if c.cfg.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			if c.cfg.Width > 0 {
				mc.Width = prop.Int(c.cfg.Width)
			}
			if c.cfg.Height > 0 {
				mc.Height = prop.Int(c.cfg.Height)
			}
			if c.cfg.FrameRate > 0 {
				mc.FrameRate = prop.Float(c.cfg.FrameRate)
			}
		}
	}
	if c.cfg.Audio {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(48000)
			mc.ChannelCount = prop.Int(1)
			mc.Latency = prop.Duration(20 * time.Millisecond)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	var out []core.LocalTrack
	for _, t := range stream.GetTracks() {
		out = append(out, wrap(t))
	}
	log.Info().Str("module", "adapters.capture").Int("tracks", len(out)).Msg("user media acquired")
	return out, nil
}

func (c *Capturer) DisplayMedia(ctx context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if c.cfg.FrameRate > 0 {
				mc.FrameRate = prop.Float(c.cfg.FrameRate)
			}
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get display media: %w", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("get display media: no video track")
	}
	log.Info().Str("module", "adapters.capture").Str("track_id", tracks[0].ID()).Msg("display media acquired")
	return wrap(tracks[0]), nil
}

// Track adapts a mediadevices track to core.LocalTrack and rtc.TrackSource.
type Track struct {
	src mediadevices.Track

	mu      sync.Mutex
	stopped bool
	ended   []func()
	fired   bool
}

func wrap(src mediadevices.Track) *Track {
	t := &Track{src: src}
	src.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.capture").Str("track_id", src.ID()).Msg("track ended")
		}
		t.end()
	})
	return t
}

func (t *Track) ID() string { return t.src.ID() }

func (t *Track) Kind() domain.MediaKind {
	if t.src.Kind() == webrtc.RTPCodecTypeAudio {
		return domain.KindAudio
	}
	return domain.KindVideo
}

func (t *Track) TrackLocal() webrtc.TrackLocal { return t.src }

// MimeType is the codec the selector encodes this kind with.
func (t *Track) MimeType() string {
	if t.Kind() == domain.KindAudio {
		return webrtc.MimeTypeOpus
	}
	return webrtc.MimeTypeVP8
}

func (t *Track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	if err := t.src.Close(); err != nil {
		log.Debug().Err(err).Str("module", "adapters.capture").Str("track_id", t.src.ID()).Msg("close")
	}
}

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	if !t.fired {
		t.ended = append(t.ended, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn()
}

func (t *Track) end() {
	t.mu.Lock()
	if t.fired || t.stopped {
		t.fired = true
		t.mu.Unlock()
		return
	}
	t.fired = true
	fns := t.ended
	t.ended = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
