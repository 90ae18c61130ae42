package core

import (
	"context"

	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
)

// ConnectFunc forwards the local DTLS parameters to the relay.
// A non-nil error marks the transport's handshake failed.
type ConnectFunc func(ctx context.Context, dtls proto.DtlsParameters) error

// ProduceFunc forwards a new local track to the relay and returns the server id.
type ProduceFunc func(ctx context.Context, kind domain.MediaKind, params proto.RtpParameters, tag domain.MediaTag) (string, error)

type SendHandlers struct {
	OnConnect ConnectFunc
	OnProduce ProduceFunc
}

type RecvHandlers struct {
	OnConnect ConnectFunc
}

type SendTransport interface {
	ID() string
	Produce(ctx context.Context, track LocalTrack, tag domain.MediaTag) (Producer, error)
	Close()
	Closed() bool
}

// ConsumeOptions is what the relay answered to a consume call.
type ConsumeOptions struct {
	ID            string
	ProducerID    string
	Kind          domain.MediaKind
	RtpParameters proto.RtpParameters
}

type RecvTransport interface {
	ID() string
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close()
	Closed() bool
}

// Producer is a local track bound to the send transport.
type Producer interface {
	ID() string
	Kind() domain.MediaKind
	Tag() domain.MediaTag
	Pause()
	Resume()
	Paused() bool
	Close()
	// OnClose registers an observer fired once when the producer closes.
	OnClose(func())
}

// Consumer is a remote track bound to the recv transport.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	Resume()
	Paused() bool
	Attach(sink MediaSink)
	Close()
	// OnClose registers an observer fired once when the consumer or its
	// source producer closes.
	OnClose(func())
}
