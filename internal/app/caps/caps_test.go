package caps

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dkeye/Conference/internal/core/coretest"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callerFunc func(ctx context.Context, method string, params, result any) error

func (f callerFunc) Call(ctx context.Context, method string, params, result any) error {
	return f(ctx, method, params, result)
}

func reply(body string, calls *int) callerFunc {
	return func(_ context.Context, method string, _, result any) error {
		*calls++
		if method != proto.MethodRouterCaps {
			return errors.New("unexpected " + method)
		}
		return json.Unmarshal([]byte(body), result)
	}
}

func TestLoad(t *testing.T) {
	t.Run("loads once", func(t *testing.T) {
		var calls int
		dev := &coretest.Device{}
		n := New(reply(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000}]}`, &calls), dev)

		require.NoError(t, n.Load(context.Background()))
		require.NoError(t, n.Load(context.Background()))

		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, dev.Loads())
		assert.True(t, n.Loaded())
		assert.Len(t, n.RecvCapabilities().Codecs, 1)
	})

	t.Run("empty payload", func(t *testing.T) {
		var calls int
		n := New(reply(`null`, &calls), &coretest.Device{})
		err := n.Load(context.Background())
		assert.ErrorIs(t, err, ErrCapabilities)
		assert.False(t, n.Loaded())
	})

	t.Run("no codecs", func(t *testing.T) {
		var calls int
		n := New(reply(`{"codecs":[]}`, &calls), &coretest.Device{})
		assert.ErrorIs(t, n.Load(context.Background()), ErrCapabilities)
	})

	t.Run("device rejects", func(t *testing.T) {
		var calls int
		dev := &coretest.Device{LoadErr: errors.New("no codec")}
		n := New(reply(`{"codecs":[{"kind":"video","mimeType":"video/VP8","clockRate":90000}]}`, &calls), dev)
		assert.ErrorIs(t, n.Load(context.Background()), ErrCapabilities)
	})

	t.Run("call fails", func(t *testing.T) {
		boom := errors.New("boom")
		n := New(callerFunc(func(context.Context, string, any, any) error { return boom }), &coretest.Device{})
		err := n.Load(context.Background())
		assert.ErrorIs(t, err, ErrCapabilities)
		assert.ErrorIs(t, err, boom)
	})
}
