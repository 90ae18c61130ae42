// Package record persists subscribed tracks to disk: video as IVF, audio as Ogg/Opus.
package record

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

type writer interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Sink is a core.MediaSink backed by a media container file.
type Sink struct {
	path string

	mu     sync.Mutex
	w      writer
	count  int
	closed bool
}

func (s *Sink) Path() string { return s.path }

func (s *Sink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	s.count++
	return s.w.WriteRTP(pkt)
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	log.Info().Str("module", "adapters.record").Str("path", s.path).Int("packets", s.count).Msg("recording closed")
	return s.w.Close()
}

// Open creates the file for one track under dir.
func Open(dir string, participant domain.ParticipantID, tag domain.MediaTag, kind domain.MediaKind) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("record dir: %w", err)
	}
	ext := ".ivf"
	if kind == domain.KindAudio {
		ext = ".ogg"
	}
	name := fmt.Sprintf("%s-%s-%d%s", sanitize(string(participant)), tag, time.Now().UnixMilli(), ext)
	path := filepath.Join(dir, name)

	var (
		w   writer
		err error
	)
	if kind == domain.KindAudio {
		w, err = oggwriter.New(path, 48000, 2)
	} else {
		w, err = ivfwriter.New(path)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Sink{path: path, w: w}, nil
}

// Factory returns a core.SinkFactory writing into dir. Tracks whose file
// cannot be created get a sink that drops packets.
func Factory(dir string) core.SinkFactory {
	return func(participant domain.ParticipantID, tag domain.MediaTag, kind domain.MediaKind) core.MediaSink {
		s, err := Open(dir, participant, tag, kind)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.record").Str("participant", string(participant)).Str("tag", string(tag)).Msg("recording disabled")
			return discard{}
		}
		log.Info().Str("module", "adapters.record").Str("path", s.path).Msg("recording started")
		return s
	}
}

type discard struct{}

func (discard) WriteRTP(*rtp.Packet) error { return nil }
func (discard) Close() error               { return nil }

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
