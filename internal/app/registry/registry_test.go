package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/Conference/internal/app/screen"
	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/core/coretest"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relay answers consume and produce, and records consumed producer ids in order.
type relay struct {
	mu       sync.Mutex
	consumed []string
	caps     []proto.RtpCapabilities
	fail     map[string]bool
	seq      int
}

func (f *relay) Call(_ context.Context, method string, params, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body any
	switch method {
	case proto.MethodConsume:
		req := params.(proto.ConsumeRequest)
		f.consumed = append(f.consumed, req.ProducerID)
		f.caps = append(f.caps, req.RtpCapabilities)
		if f.fail[req.ProducerID] {
			body = proto.Ack{Error: "gone"}
			break
		}
		f.seq++
		body = proto.ConsumeResponse{ID: fmt.Sprintf("c%d", f.seq), ProducerID: req.ProducerID}
	case proto.MethodProduce:
		f.seq++
		body = proto.ProduceResponse{ID: fmt.Sprintf("prod%d", f.seq)}
	default:
		body = proto.Ack{}
	}
	if result == nil {
		return nil
	}
	b, _ := json.Marshal(body)
	return json.Unmarshal(b, result)
}

func (f *relay) Consumed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.consumed...)
}

func (f *relay) Caps() []proto.RtpCapabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proto.RtpCapabilities(nil), f.caps...)
}

// deviceCaps hands the loaded device capabilities to the registry.
type deviceCaps struct{ *coretest.Device }

func (d deviceCaps) RecvCapabilities() proto.RtpCapabilities { return d.RtpCapabilities() }

type fixture struct {
	relay *relay
	slot  *screen.Coordinator
	reg   *Registry
	dev   *coretest.Device
}

func newFixture(opts ...Option) *fixture {
	rl := &relay{fail: map[string]bool{}}
	slot := screen.NewCoordinator(rl)
	dev := &coretest.Device{}
	_ = dev.Load(proto.RtpCapabilities{Codecs: []proto.RtpCodecCapability{{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2}}})
	return &fixture{relay: rl, slot: slot, dev: dev, reg: New(rl, deviceCaps{dev}, slot, opts...)}
}

func (f *fixture) sendTransport(t *testing.T) {
	t.Helper()
	st, err := f.dev.CreateSendTransport(proto.TransportParams{ID: "send"}, core.SendHandlers{
		OnProduce: func(ctx context.Context, kind domain.MediaKind, params proto.RtpParameters, tag domain.MediaTag) (string, error) {
			var resp proto.ProduceResponse
			err := f.relay.Call(ctx, proto.MethodProduce, proto.ProduceRequest{Kind: kind, MediaTag: tag}, &resp)
			return resp.ID, err
		},
	})
	require.NoError(t, err)
	f.reg.SetSendTransport(st)
}

func (f *fixture) ready(t *testing.T) *coretest.RecvTransport {
	t.Helper()
	rt, err := f.dev.CreateRecvTransport(proto.TransportParams{ID: "recv"}, core.RecvHandlers{})
	require.NoError(t, err)
	f.reg.SetRecvTransport(rt)
	f.reg.DrainPending(context.Background())
	return rt.(*coretest.RecvTransport)
}

func ann(producer, pid string, tag domain.MediaTag) domain.Announcement {
	return domain.Announcement{ProducerID: producer, ParticipantID: domain.ParticipantID(pid), MediaTag: tag, DisplayName: "peer " + pid}
}

func TestAnnouncementsQueueUntilReady(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.reg.HandleAnnouncement(ctx, ann("a", "p1", domain.TagMic))
	f.reg.HandleAnnouncement(ctx, ann("b", "p2", domain.TagCam))
	f.reg.HandleAnnouncement(ctx, ann("c", "p1", domain.TagCam))

	assert.Empty(t, f.relay.Consumed())
	assert.Len(t, f.reg.Pending(), 3)
	assert.False(t, f.reg.Ready())

	rt := f.ready(t)
	assert.Equal(t, []string{"a", "b", "c"}, f.relay.Consumed())
	assert.Empty(t, f.reg.Pending())
	assert.True(t, f.reg.Ready())
	assert.Len(t, rt.Consumers(), 3)
	for _, c := range f.relay.Caps() {
		assert.Equal(t, f.dev.RtpCapabilities(), c, "consume carries the device capabilities")
	}

	f.reg.DrainPending(ctx)
	assert.Len(t, f.relay.Consumed(), 3, "second drain must not replay")

	f.reg.HandleAnnouncement(ctx, ann("d", "p2", domain.TagMic))
	assert.Equal(t, []string{"a", "b", "c", "d"}, f.relay.Consumed())
}

func TestSubscribeAtMostOnce(t *testing.T) {
	t.Run("queued then live", func(t *testing.T) {
		f := newFixture()
		ctx := context.Background()
		f.reg.HandleAnnouncement(ctx, ann("a", "p1", domain.TagMic))
		f.reg.HandleAnnouncement(ctx, ann("a", "p1", domain.TagMic))
		f.ready(t)
		f.reg.HandleAnnouncement(ctx, ann("a", "p1", domain.TagMic))
		assert.Equal(t, []string{"a"}, f.relay.Consumed())
	})

	t.Run("concurrent", func(t *testing.T) {
		f := newFixture()
		f.ready(t)
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.reg.HandleAnnouncement(context.Background(), ann("x", "p1", domain.TagCam))
			}()
		}
		wg.Wait()
		assert.Equal(t, []string{"x"}, f.relay.Consumed())
	})

	t.Run("failed subscribe is not retried", func(t *testing.T) {
		f := newFixture()
		f.relay.fail["bad"] = true
		f.ready(t)
		f.reg.HandleAnnouncement(context.Background(), ann("bad", "p1", domain.TagCam))
		f.reg.HandleAnnouncement(context.Background(), ann("bad", "p1", domain.TagCam))
		assert.Equal(t, []string{"bad"}, f.relay.Consumed())
		assert.False(t, f.reg.Subscribed("bad"))
	})
}

func TestOwnAnnouncementsSkipped(t *testing.T) {
	f := newFixture()
	f.reg.SetLocal("me")
	f.ready(t)
	f.reg.HandleAnnouncement(context.Background(), ann("mine", "me", domain.TagMic))
	assert.Empty(t, f.relay.Consumed())
	assert.Empty(t, f.reg.Participants())
}

func TestStreamContainer(t *testing.T) {
	sink := &coretest.Sink{}
	f := newFixture(WithSinks(func(domain.ParticipantID, domain.MediaTag, domain.MediaKind) core.MediaSink { return sink }))
	rt := f.ready(t)
	ctx := context.Background()

	f.reg.HandleAnnouncement(ctx, ann("a", "p1", domain.TagMic))
	f.reg.HandleAnnouncement(ctx, ann("b", "p1", domain.TagCam))

	views := f.reg.Participants()
	require.Len(t, views, 1)
	assert.Equal(t, "peer p1", views[0].DisplayName)
	assert.Equal(t, []domain.MediaTag{domain.TagCam, domain.TagMic}, views[0].Tags)

	for _, c := range rt.Consumers() {
		assert.False(t, c.Paused(), "consumer resumed after subscribe")
	}

	rt.Consumers()[0].Close()
	v, ok := f.reg.Participant("p1")
	require.True(t, ok)
	assert.Equal(t, []domain.MediaTag{domain.TagCam}, v.Tags)
	assert.True(t, sink.Closed())
}

func TestProducerClosed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.reg.HandleAnnouncement(ctx, ann("queued", "p2", domain.TagMic))
	f.reg.ProducerClosed("queued")
	assert.Empty(t, f.reg.Pending())

	rt := f.ready(t)
	f.reg.HandleAnnouncement(ctx, ann("a", "p1", domain.TagMic))
	require.True(t, f.reg.Subscribed("a"))

	f.reg.ProducerClosed("a")
	assert.False(t, f.reg.Subscribed("a"))
	assert.True(t, rt.Consumers()[0].Closed())
	assert.NotContains(t, f.relay.Consumed(), "queued")
}

func TestRemoteScreenGoesToCoordinator(t *testing.T) {
	f := newFixture()
	rt := f.ready(t)

	f.reg.HandleAnnouncement(context.Background(), ann("s", "p1", domain.TagScreen))
	st := f.slot.Status()
	assert.Equal(t, screen.StateActiveRemote, st.State)
	assert.Equal(t, domain.ParticipantID("p1"), st.Participant)

	rt.Consumers()[0].Close()
	assert.Equal(t, screen.StateIdle, f.slot.Status().State)
}

func TestRemoveParticipant(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.reg.HandleAnnouncement(ctx, ann("q", "p1", domain.TagCam))
	rt := f.ready(t)
	f.reg.HandleAnnouncement(ctx, ann("a", "p1", domain.TagMic))
	f.reg.HandleAnnouncement(ctx, ann("b", "p2", domain.TagMic))

	assert.True(t, f.reg.RemoveParticipant("p1"))
	assert.False(t, f.reg.RemoveParticipant("p1"))

	_, ok := f.reg.Participant("p1")
	assert.False(t, ok)
	for _, c := range rt.Consumers() {
		if c.ProducerID() == "b" {
			assert.False(t, c.Closed())
			continue
		}
		assert.True(t, c.Closed(), c.ProducerID())
	}

	f.reg.HandleAnnouncement(ctx, ann("late", "p1", domain.TagScreen))
	assert.NotContains(t, f.relay.Consumed(), "late")
	_, ok = f.reg.Participant("p1")
	assert.False(t, ok)
}

func TestPublish(t *testing.T) {
	t.Run("no send transport", func(t *testing.T) {
		f := newFixture()
		_, err := f.reg.Publish(context.Background(), coretest.NewTrack(domain.KindAudio), domain.TagMic)
		assert.ErrorIs(t, err, ErrNoSendTransport)
	})

	t.Run("one per tag", func(t *testing.T) {
		f := newFixture()
		f.sendTransport(t)
		ctx := context.Background()

		p1, err := f.reg.Publish(ctx, coretest.NewTrack(domain.KindAudio), domain.TagMic)
		require.NoError(t, err)
		p2, err := f.reg.Publish(ctx, coretest.NewTrack(domain.KindAudio), domain.TagMic)
		assert.ErrorIs(t, err, ErrTagPublished)
		assert.Same(t, p1, p2)
	})

	t.Run("screen refused while active", func(t *testing.T) {
		f := newFixture()
		f.sendTransport(t)
		f.ready(t)
		f.reg.HandleAnnouncement(context.Background(), ann("s", "p1", domain.TagScreen))

		_, err := f.reg.Publish(context.Background(), coretest.NewTrack(domain.KindVideo), domain.TagScreen)
		assert.ErrorIs(t, err, screen.ErrShareActive)
	})

	t.Run("pause and resume", func(t *testing.T) {
		f := newFixture()
		f.sendTransport(t)
		p, err := f.reg.Publish(context.Background(), coretest.NewTrack(domain.KindVideo), domain.TagCam)
		require.NoError(t, err)

		assert.True(t, f.reg.Pause(domain.TagCam))
		assert.True(t, p.Paused())
		assert.Equal(t, map[domain.MediaTag]bool{domain.TagCam: true}, f.reg.Published())
		assert.True(t, f.reg.Resume(domain.TagCam))
		assert.False(t, p.Paused())
		assert.False(t, f.reg.Pause(domain.TagMic))
	})

	t.Run("closed producer forgotten", func(t *testing.T) {
		f := newFixture()
		f.sendTransport(t)
		_, err := f.reg.Publish(context.Background(), coretest.NewTrack(domain.KindVideo), domain.TagCam)
		require.NoError(t, err)
		f.reg.CloseProducer(domain.TagCam)
		assert.Nil(t, f.reg.Producer(domain.TagCam))
	})
}

func TestReset(t *testing.T) {
	f := newFixture()
	f.sendTransport(t)
	ctx := context.Background()
	f.reg.HandleAnnouncement(ctx, ann("q", "p9", domain.TagMic))
	p, err := f.reg.Publish(ctx, coretest.NewTrack(domain.KindAudio), domain.TagMic)
	require.NoError(t, err)
	rt := f.ready(t)

	f.reg.Reset()
	f.reg.Reset()

	assert.True(t, p.(*coretest.Producer).Closed())
	assert.True(t, rt.Consumers()[0].Closed())
	assert.Empty(t, f.reg.Participants())
	assert.Empty(t, f.reg.Pending())
	assert.False(t, f.reg.Ready())
	assert.Nil(t, f.reg.Producer(domain.TagMic))
}
