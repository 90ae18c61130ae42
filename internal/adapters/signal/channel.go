// Package signal is the client side of the signaling link: JSON-RPC 2.0
// over a websocket, with pushed notifications fanned out in order.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Conference/internal/proto"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"
	wsjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
)

var (
	ErrNotConnected     = errors.New("signal: not connected")
	ErrAlreadyConnected = errors.New("signal: already connected")
)

type Option func(*Channel)

// WithCallTimeout bounds every Call whose context has no deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Channel) { c.callTimeout = d }
}

func WithHeader(h http.Header) Option {
	return func(c *Channel) { c.header = h }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// Channel implements core.SignalChannel.
type Channel struct {
	*Dispatcher

	url         string
	header      http.Header
	dialer      *websocket.Dialer
	callTimeout time.Duration

	mu        sync.RWMutex
	conn      *jsonrpc2.Conn
	closing   bool
	connected bool
}

func NewChannel(url string, opts ...Option) *Channel {
	c := &Channel{
		Dispatcher:  NewDispatcher(),
		url:         url,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		callTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrNotConnected
	}
	if c.connected {
		return ErrAlreadyConnected
	}

	ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn := jsonrpc2.NewConn(
		context.Background(),
		wsjsonrpc2.NewObjectStream(ws),
		jsonrpc2.HandlerWithError(c.handle),
	)
	c.conn = conn
	c.connected = true
	log.Info().Str("module", "adapters.signal").Str("url", c.url).Msg("connected")

	go c.watch(conn)
	return nil
}

// watch reports a drop the local side did not ask for.
func (c *Channel) watch(conn *jsonrpc2.Conn) {
	<-conn.DisconnectNotify()

	c.mu.Lock()
	expected := c.closing
	c.connected = false
	c.mu.Unlock()

	if expected {
		return
	}
	log.Warn().Str("module", "adapters.signal").Str("url", c.url).Msg("connection lost")
	c.Enqueue(proto.EventDisconnected, nil)
}

func (c *Channel) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if !req.Notif {
		log.Warn().Str("module", "adapters.signal").Str("method", req.Method).Msg("unexpected request from server")
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "client accepts notifications only"}
	}
	var payload json.RawMessage
	if req.Params != nil {
		payload = append(payload, *req.Params...)
	}
	c.Enqueue(req.Method, payload)
	return nil, nil
}

// Call sends a request and decodes the response into result. A nil params
// is sent as an empty object.
func (c *Channel) Call(ctx context.Context, method string, params, result any) error {
	c.mu.RLock()
	conn, ok := c.conn, c.connected
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", method, ErrNotConnected)
	}
	if params == nil {
		params = proto.Empty{}
	}
	if _, has := ctx.Deadline(); !has && c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	if err := conn.Call(ctx, method, params, result); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// Disconnect closes the socket and stops event delivery. Idempotent.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	c.Dispatcher.Close()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("close")
		return err
	}
	log.Info().Str("module", "adapters.signal").Str("url", c.url).Msg("disconnected")
	return nil
}
