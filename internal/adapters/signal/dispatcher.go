package signal

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/dkeye/Conference/internal/core"
	"github.com/rs/zerolog/log"
)

type event struct {
	name    string
	payload json.RawMessage
}

// Dispatcher fans pushed events out to subscribers on a single goroutine,
// in arrival order. Enqueue never blocks, so the reader that feeds it can
// keep serving responses while a handler waits on a round trip.
type Dispatcher struct {
	hmu      sync.RWMutex
	handlers map[string]map[uint64]core.EventHandler
	nextID   uint64

	mu     sync.Mutex
	queue  []event
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]map[uint64]core.EventHandler),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go d.loop()
	return d
}

// On implements core.SignalChannel.
func (d *Dispatcher) On(name string, h core.EventHandler) func() {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	d.nextID++
	id := d.nextID
	if d.handlers[name] == nil {
		d.handlers[name] = make(map[uint64]core.EventHandler)
	}
	d.handlers[name][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			d.hmu.Lock()
			defer d.hmu.Unlock()
			delete(d.handlers[name], id)
			if len(d.handlers[name]) == 0 {
				delete(d.handlers, name)
			}
		})
	}
}

// Enqueue appends an event. Dropped after Close.
func (d *Dispatcher) Enqueue(name string, payload json.RawMessage) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, event{name: name, payload: payload})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. Queued events that were not yet delivered are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.queue = nil
	close(d.done)
}

func (d *Dispatcher) loop() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			ev, ok := d.pop()
			if !ok {
				break
			}
			d.deliver(ev)
		}
	}
}

func (d *Dispatcher) pop() (event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || len(d.queue) == 0 {
		return event{}, false
	}
	ev := d.queue[0]
	d.queue[0] = event{}
	d.queue = d.queue[1:]
	return ev, true
}

func (d *Dispatcher) deliver(ev event) {
	d.hmu.RLock()
	snapshot := make([]core.EventHandler, 0, len(d.handlers[ev.name]))
	ids := make([]uint64, 0, len(d.handlers[ev.name]))
	for id := range d.handlers[ev.name] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		snapshot = append(snapshot, d.handlers[ev.name][id])
	}
	d.hmu.RUnlock()

	if len(snapshot) == 0 {
		log.Debug().Str("module", "adapters.signal").Str("event", ev.name).Msg("no handler")
		return
	}
	for _, h := range snapshot {
		h(ev.payload)
	}
}
