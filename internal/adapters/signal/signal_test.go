package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Conference/internal/proto"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wait = time.Second
	tick = 5 * time.Millisecond
)

type pushRequest struct {
	Event string `json:"event"`
	Count int    `json:"count"`
}

// relay is a minimal JSON-RPC websocket server.
type relay struct {
	srv   *httptest.Server
	conns chan *jsonrpc2.Conn
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	r := &relay{conns: make(chan *jsonrpc2.Conn, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		conn := jsonrpc2.NewConn(context.Background(), wsjsonrpc2.NewObjectStream(ws), jsonrpc2.HandlerWithError(r.handle))
		r.conns <- conn
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *relay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *relay) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case "echo":
		return req.Params, nil
	case proto.MethodProduce:
		return proto.ProduceResponse{Ack: proto.Ack{Error: "transport gone"}}, nil
	case "broken":
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "bad params"}
	case "push":
		var p pushRequest
		if err := json.Unmarshal(*req.Params, &p); err != nil {
			return nil, err
		}
		for i := range p.Count {
			if err := conn.Notify(ctx, p.Event, map[string]int{"seq": i}); err != nil {
				return nil, err
			}
		}
		return proto.Empty{}, nil
	case "slow":
		time.Sleep(200 * time.Millisecond)
		return proto.Empty{}, nil
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: req.Method}
}

func connect(t *testing.T, r *relay, opts ...Option) (*Channel, *jsonrpc2.Conn) {
	t.Helper()
	c := NewChannel(r.url(), opts...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })
	select {
	case conn := <-r.conns:
		return c, conn
	case <-time.After(wait):
		t.Fatal("relay never saw the connection")
		return nil, nil
	}
}

func TestCall(t *testing.T) {
	r := newRelay(t)
	c, _ := connect(t, r)
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		var out proto.JoinRoomRequest
		require.NoError(t, c.Call(ctx, "echo", proto.JoinRoomRequest{RoomID: "r1", DisplayName: "alice"}, &out))
		assert.Equal(t, proto.JoinRoomRequest{RoomID: "r1", DisplayName: "alice"}, out)
	})

	t.Run("nil params become an empty object", func(t *testing.T) {
		var out map[string]any
		require.NoError(t, c.Call(ctx, "echo", nil, &out))
		assert.Empty(t, out)
		assert.NotNil(t, out)
	})

	t.Run("error body is left to the caller", func(t *testing.T) {
		var resp proto.ProduceResponse
		require.NoError(t, c.Call(ctx, proto.MethodProduce, proto.ProduceRequest{}, &resp))
		err := resp.Err(proto.MethodProduce)
		var remote *proto.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "transport gone", remote.Message)
	})

	t.Run("protocol errors are wrapped", func(t *testing.T) {
		err := c.Call(ctx, "broken", nil, nil)
		var rpcErr *jsonrpc2.Error
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)
		assert.True(t, strings.HasPrefix(err.Error(), "broken: "))
	})
}

func TestCallTimeout(t *testing.T) {
	r := newRelay(t)
	c, _ := connect(t, r, WithCallTimeout(20*time.Millisecond))
	err := c.Call(context.Background(), "slow", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotificationsInOrder(t *testing.T) {
	r := newRelay(t)
	c, _ := connect(t, r)

	var (
		mu   sync.Mutex
		seqs []int
	)
	c.On(proto.EventNewProducer, func(payload json.RawMessage) {
		var p struct{ Seq int }
		if json.Unmarshal(payload, &p) == nil {
			mu.Lock()
			seqs = append(seqs, p.Seq)
			mu.Unlock()
		}
	})

	const n = 50
	require.NoError(t, c.Call(context.Background(), "push", pushRequest{Event: proto.EventNewProducer, Count: n}, nil))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == n
	}, wait, tick)

	mu.Lock()
	defer mu.Unlock()
	for i, s := range seqs {
		assert.Equal(t, i, s)
	}
}

func TestServerRequestsRejected(t *testing.T) {
	r := newRelay(t)
	_, server := connect(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	err := server.Call(ctx, "whoami", nil, nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)
}

func TestConnectionLost(t *testing.T) {
	r := newRelay(t)
	c, server := connect(t, r)

	lost := make(chan struct{})
	c.On(proto.EventDisconnected, func(json.RawMessage) { close(lost) })

	require.NoError(t, server.Close())
	select {
	case <-lost:
	case <-time.After(wait):
		t.Fatal("disconnect not reported")
	}
	assert.ErrorIs(t, c.Call(context.Background(), "echo", nil, nil), ErrNotConnected)
}

func TestDisconnect(t *testing.T) {
	r := newRelay(t)
	c, _ := connect(t, r)

	var fired bool
	var mu sync.Mutex
	c.On(proto.EventDisconnected, func(json.RawMessage) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.ErrorIs(t, c.Call(context.Background(), "echo", nil, nil), ErrNotConnected)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrNotConnected)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired, "local disconnect is not a lost connection")
}

func TestConnectTwice(t *testing.T) {
	r := newRelay(t)
	c, _ := connect(t, r)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestCallBeforeConnect(t *testing.T) {
	c := NewChannel("ws://127.0.0.1:1")
	defer c.Disconnect()
	assert.ErrorIs(t, c.Call(context.Background(), "echo", nil, nil), ErrNotConnected)
	assert.Error(t, c.Connect(context.Background()))
}

func TestDispatcher(t *testing.T) {
	t.Run("handlers run in registration order", func(t *testing.T) {
		d := NewDispatcher()
		defer d.Close()
		var (
			mu  sync.Mutex
			got []string
		)
		rec := func(tag string) func(json.RawMessage) {
			return func(p json.RawMessage) {
				mu.Lock()
				got = append(got, tag+string(p))
				mu.Unlock()
			}
		}
		d.On("e", rec("a"))
		d.On("e", rec("b"))
		d.Enqueue("e", json.RawMessage("1"))
		d.Enqueue("e", json.RawMessage("2"))
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 4
		}, wait, tick)
		assert.Equal(t, []string{"a1", "b1", "a2", "b2"}, got)
	})

	t.Run("unsubscribe", func(t *testing.T) {
		d := NewDispatcher()
		defer d.Close()
		calls := make(chan string, 4)
		off := d.On("e", func(json.RawMessage) { calls <- "first" })
		d.On("e", func(json.RawMessage) { calls <- "second" })
		off()
		off()
		d.Enqueue("e", nil)
		assert.Equal(t, "second", <-calls)
		select {
		case c := <-calls:
			t.Fatalf("unexpected delivery %q", c)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("enqueue does not wait for a busy handler", func(t *testing.T) {
		d := NewDispatcher()
		release := make(chan struct{})
		seen := make(chan int, 100)
		d.On("e", func(p json.RawMessage) {
			<-release
			seen <- len(p)
		})
		done := make(chan struct{})
		go func() {
			for range 100 {
				d.Enqueue("e", json.RawMessage("x"))
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(wait):
			t.Fatal("enqueue blocked")
		}
		close(release)
		require.Eventually(t, func() bool { return len(seen) == 100 }, wait, tick)
		d.Close()
	})

	t.Run("closed dispatcher drops events", func(t *testing.T) {
		d := NewDispatcher()
		calls := make(chan struct{}, 1)
		d.On("e", func(json.RawMessage) { calls <- struct{}{} })
		d.Close()
		d.Close()
		d.Enqueue("e", nil)
		select {
		case <-calls:
			t.Fatal("delivered after close")
		case <-time.After(50 * time.Millisecond):
		}
	})
}
