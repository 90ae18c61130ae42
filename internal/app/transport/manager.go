// Package transport owns the session's single send and single recv transport.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/rs/zerolog/log"
)

type Manager struct {
	sig    core.Caller
	device core.Device

	mu   sync.Mutex
	send core.SendTransport
	recv core.RecvTransport
}

func NewManager(sig core.Caller, device core.Device) *Manager {
	return &Manager{sig: sig, device: device}
}

// CreateSendTransport returns the existing send transport or builds one.
func (m *Manager) CreateSendTransport(ctx context.Context) (core.SendTransport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.send != nil {
		return m.send, nil
	}

	params, err := m.request(ctx, false)
	if err != nil {
		return nil, err
	}
	t, err := m.device.CreateSendTransport(params, core.SendHandlers{
		OnConnect: m.connect(params.ID),
		OnProduce: m.produce(params.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("build send transport: %w", err)
	}
	m.send = t
	log.Info().Str("module", "app.transport").Str("transport_id", params.ID).Msg("send transport ready")
	return t, nil
}

// CreateRecvTransport returns the existing recv transport or builds one.
func (m *Manager) CreateRecvTransport(ctx context.Context) (core.RecvTransport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recv != nil {
		return m.recv, nil
	}

	params, err := m.request(ctx, true)
	if err != nil {
		return nil, err
	}
	t, err := m.device.CreateRecvTransport(params, core.RecvHandlers{
		OnConnect: m.connect(params.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("build recv transport: %w", err)
	}
	m.recv = t
	log.Info().Str("module", "app.transport").Str("transport_id", params.ID).Msg("recv transport ready")
	return t, nil
}

func (m *Manager) Send() core.SendTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.send
}

func (m *Manager) Recv() core.RecvTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recv
}

// Close closes both transports and forgets them.
func (m *Manager) Close() {
	m.mu.Lock()
	send, recv := m.send, m.recv
	m.send, m.recv = nil, nil
	m.mu.Unlock()

	if send != nil {
		send.Close()
	}
	if recv != nil {
		recv.Close()
	}
}

func (m *Manager) request(ctx context.Context, consuming bool) (proto.TransportParams, error) {
	var params proto.TransportParams
	err := m.sig.Call(ctx, proto.MethodCreateTransport, proto.CreateTransportRequest{Consuming: consuming}, &params)
	if err != nil {
		return params, err
	}
	if params.ID == "" {
		return params, fmt.Errorf("%s: missing transport id", proto.MethodCreateTransport)
	}
	return params, nil
}

func (m *Manager) connect(transportID string) core.ConnectFunc {
	return func(ctx context.Context, dtls proto.DtlsParameters) error {
		var ack proto.Ack
		err := m.sig.Call(ctx, proto.MethodConnectTransport, proto.ConnectTransportRequest{
			TransportID:    transportID,
			DtlsParameters: dtls,
		}, &ack)
		if err == nil {
			err = ack.Err(proto.MethodConnectTransport)
		}
		if err != nil {
			log.Error().Err(err).Str("module", "app.transport").Str("transport_id", transportID).Msg("connect failed")
		}
		return err
	}
}

func (m *Manager) produce(transportID string) core.ProduceFunc {
	return func(ctx context.Context, kind domain.MediaKind, params proto.RtpParameters, tag domain.MediaTag) (string, error) {
		var resp proto.ProduceResponse
		err := m.sig.Call(ctx, proto.MethodProduce, proto.ProduceRequest{
			TransportID:   transportID,
			Kind:          kind,
			RtpParameters: params,
			MediaTag:      tag,
		}, &resp)
		if err == nil {
			err = resp.Err(proto.MethodProduce)
		}
		if err != nil {
			log.Error().Err(err).Str("module", "app.transport").Str("transport_id", transportID).Str("tag", string(tag)).Msg("produce failed")
			return "", err
		}
		return resp.ID, nil
	}
}
