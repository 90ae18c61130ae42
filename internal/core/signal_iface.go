package core

import (
	"context"
	"encoding/json"
)

// Caller issues a request/response round trip to the relay.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// EventHandler receives the raw payload of a pushed event.
type EventHandler func(payload json.RawMessage)

// SignalChannel abstracts the persistent connection to the relay.
// Owned by the session; the session must Disconnect() it.
type SignalChannel interface {
	Caller
	Connect(ctx context.Context) error
	Disconnect() error
	// On registers h for event and returns a func that removes it.
	// Handlers run one at a time in arrival order.
	On(event string, h EventHandler) (unsubscribe func())
}
