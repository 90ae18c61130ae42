package core

import (
	"context"

	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/pion/rtp"
)

// Device is the local media endpoint loaded from router capabilities.
type Device interface {
	// Load builds the local description from the router's capabilities.
	Load(caps proto.RtpCapabilities) error
	Loaded() bool
	// RtpCapabilities is what the device can receive; sent with every consume.
	RtpCapabilities() proto.RtpCapabilities
	CreateSendTransport(params proto.TransportParams, h SendHandlers) (SendTransport, error)
	CreateRecvTransport(params proto.TransportParams, h RecvHandlers) (RecvTransport, error)
}

// LocalTrack is a captured source.
type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
	// Stop ends capture. Safe to call more than once.
	Stop()
	// OnEnded fires when the source ends on its own (device unplugged, external stop).
	OnEnded(func())
}

// Capturer acquires local capture devices.
type Capturer interface {
	UserMedia(ctx context.Context) ([]LocalTrack, error)
	DisplayMedia(ctx context.Context) (LocalTrack, error)
}

// MediaSink receives packets of a subscribed track.
type MediaSink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// SinkFactory builds a sink for a newly subscribed track. Returning nil skips it.
type SinkFactory func(participant domain.ParticipantID, tag domain.MediaTag, kind domain.MediaKind) MediaSink
