package transport

import (
	"context"
	"testing"

	"github.com/dkeye/Conference/internal/adapters/signal/signaltest"
	"github.com/dkeye/Conference/internal/core/coretest"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joined(t *testing.T) (*signaltest.Hub, *signaltest.Conn) {
	t.Helper()
	hub := signaltest.NewHub()
	conn := hub.Dial()
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { _ = conn.Disconnect() })
	var resp proto.JoinRoomResponse
	require.NoError(t, conn.Call(context.Background(), proto.MethodJoinRoom, proto.JoinRoomRequest{RoomID: "r", DisplayName: "a"}, &resp))
	return hub, conn
}

func TestCreateIsIdempotent(t *testing.T) {
	hub, conn := joined(t)
	dev := &coretest.Device{}
	m := NewManager(conn, dev)
	ctx := context.Background()

	s1, err := m.CreateSendTransport(ctx)
	require.NoError(t, err)
	s2, err := m.CreateSendTransport(ctx)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	r1, err := m.CreateRecvTransport(ctx)
	require.NoError(t, err)
	r2, err := m.CreateRecvTransport(ctx)
	require.NoError(t, err)
	assert.Same(t, r1, r2)

	assert.Equal(t, 2, hub.Calls(proto.MethodCreateTransport))
	assert.Len(t, dev.SendTransports(), 1)
	assert.Len(t, dev.RecvTransports(), 1)
}

func TestProduceForwardsTag(t *testing.T) {
	hub, conn := joined(t)
	m := NewManager(conn, &coretest.Device{})

	send, err := m.CreateSendTransport(context.Background())
	require.NoError(t, err)
	p, err := send.Produce(context.Background(), coretest.NewTrack(domain.KindAudio), domain.TagMic)
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID())
	assert.Equal(t, []string{p.ID()}, hub.ProducersOf(conn.ParticipantID()))
	assert.Equal(t, 1, hub.Calls(proto.MethodConnectTransport))
}

func TestConnectErrorFailsTransport(t *testing.T) {
	hub, conn := joined(t)
	m := NewManager(conn, &coretest.Device{})
	hub.FailNext(proto.MethodConnectTransport, "dtls mismatch")

	send, err := m.CreateSendTransport(context.Background())
	require.NoError(t, err)
	_, err = send.Produce(context.Background(), coretest.NewTrack(domain.KindVideo), domain.TagCam)

	var remote *proto.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "dtls mismatch", remote.Message)
	assert.Equal(t, 0, hub.Calls(proto.MethodProduce))
}

func TestProduceErrorSurfaces(t *testing.T) {
	hub, conn := joined(t)
	m := NewManager(conn, &coretest.Device{})
	hub.FailNext(proto.MethodProduce, "quota")

	send, err := m.CreateSendTransport(context.Background())
	require.NoError(t, err)
	_, err = send.Produce(context.Background(), coretest.NewTrack(domain.KindVideo), domain.TagCam)
	assert.ErrorContains(t, err, "quota")
}

func TestClose(t *testing.T) {
	_, conn := joined(t)
	m := NewManager(conn, &coretest.Device{})
	ctx := context.Background()

	send, err := m.CreateSendTransport(ctx)
	require.NoError(t, err)
	recv, err := m.CreateRecvTransport(ctx)
	require.NoError(t, err)

	m.Close()
	m.Close()
	assert.True(t, send.Closed())
	assert.True(t, recv.Closed())
	assert.Nil(t, m.Send())
	assert.Nil(t, m.Recv())
}
