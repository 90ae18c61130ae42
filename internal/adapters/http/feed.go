package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Conference/internal/app/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

// Feed fans session snapshots out to websocket watchers. The latest
// snapshot is sent to every new watcher first.
type Feed struct {
	mu       sync.Mutex
	watchers map[*watcher]struct{}
	last     []byte
	upgrader websocket.Upgrader
}

func NewFeed() *Feed {
	return &Feed{
		watchers: make(map[*watcher]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type watcher struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (w *watcher) TrySend(data []byte) error {
	select {
	case w.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (w *watcher) Close() {
	w.once.Do(func() {
		close(w.send)
		_ = w.conn.Close()
	})
}

// Publish is meant to be plugged into session.Callbacks.OnChange.
func (f *Feed) Publish(sn session.Snapshot) {
	data, err := json.Marshal(sn)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("snapshot encode")
		return
	}
	f.mu.Lock()
	f.last = data
	var slow []*watcher
	for w := range f.watchers {
		if err := w.TrySend(data); err != nil {
			slow = append(slow, w)
		}
	}
	for _, w := range slow {
		delete(f.watchers, w)
	}
	f.mu.Unlock()

	for _, w := range slow {
		log.Warn().Str("module", "adapters.http").Str("remote", w.conn.RemoteAddr().String()).Msg("watcher too slow, dropped")
		w.Close()
	}
}

// Watchers reports how many websocket clients are attached.
func (f *Feed) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

func (f *Feed) handle(ctx context.Context, c *gin.Context) {
	ws, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	w := &watcher{conn: ws, send: make(chan []byte, 16)}

	f.mu.Lock()
	if f.last != nil {
		w.send <- f.last
	}
	f.watchers[w] = struct{}{}
	f.mu.Unlock()

	log.Info().Str("module", "adapters.http").Str("ct", c.GetString("client_token")).Msg("watcher attached")

	ctx, cancel := context.WithCancel(ctx)
	go f.writePump(ctx, w)
	go f.readPump(cancel, w)
}

func (f *Feed) writePump(ctx context.Context, w *watcher) {
	defer f.detach(w)
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-w.send:
			if !ok {
				return
			}
			if err := w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "adapters.http").Msg("watcher write")
				return
			}
		}
	}
}

// readPump only drains control frames and notices the peer going away.
func (f *Feed) readPump(cancel context.CancelFunc, w *watcher) {
	defer cancel()
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) detach(w *watcher) {
	f.mu.Lock()
	delete(f.watchers, w)
	f.mu.Unlock()
	w.Close()
}

// Close drops every watcher.
func (f *Feed) Close() {
	f.mu.Lock()
	ws := make([]*watcher, 0, len(f.watchers))
	for w := range f.watchers {
		ws = append(ws, w)
	}
	clear(f.watchers)
	f.mu.Unlock()
	for _, w := range ws {
		w.Close()
	}
}
