// Package signaltest provides an in-memory relay that speaks the signaling
// protocol, for driving sessions end to end without a network.
package signaltest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Conference/internal/adapters/signal"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
)

var ErrUnknownMethod = errors.New("signaltest: unknown method")

// DefaultCaps is a minimal router capability set with one codec per kind.
func DefaultCaps() proto.RtpCapabilities {
	return proto.RtpCapabilities{Codecs: []proto.RtpCodecCapability{
		{Kind: "audio", MimeType: "audio/opus", PreferredPayloadType: 111, ClockRate: 48000, Channels: 2},
		{Kind: "video", MimeType: "video/VP8", PreferredPayloadType: 96, ClockRate: 90000},
	}}
}

type producer struct {
	id    string
	owner domain.ParticipantID
	kind  domain.MediaKind
	tag   domain.MediaTag
}

type peer struct {
	conn     *Conn
	id       domain.ParticipantID
	room     domain.RoomID
	name     string
	admitted bool
	perms    domain.Permissions
}

// Hub is the relay. The first participant of a room becomes its owner and
// everyone after waits for approval unless RequireApproval is false.
type Hub struct {
	RequireApproval bool
	Caps            proto.RtpCapabilities

	mu        sync.Mutex
	seq       int
	peers     map[domain.ParticipantID]*peer
	owners    map[domain.RoomID]domain.ParticipantID
	producers map[string]*producer
	calls     map[string]int
	failures  map[string]string
}

func NewHub() *Hub {
	return &Hub{
		RequireApproval: true,
		Caps:            DefaultCaps(),
		peers:           make(map[domain.ParticipantID]*peer),
		owners:          make(map[domain.RoomID]domain.ParticipantID),
		producers:       make(map[string]*producer),
		calls:           make(map[string]int),
		failures:        make(map[string]string),
	}
}

// Conn is one client's link to the hub. It implements core.SignalChannel.
type Conn struct {
	*signal.Dispatcher

	hub *Hub

	mu           sync.Mutex
	id           domain.ParticipantID
	connected    bool
	disconnected bool
}

func (h *Hub) Dial() *Conn {
	return &Conn{Dispatcher: signal.NewDispatcher(), hub: h}
}

func (c *Conn) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return signal.ErrAlreadyConnected
	}
	c.connected = true
	return nil
}

func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return nil
	}
	c.disconnected = true
	c.connected = false
	id := c.id
	c.mu.Unlock()

	c.Dispatcher.Close()
	if id != "" {
		c.hub.leave(id)
	}
	return nil
}

// Disconnected reports whether Disconnect ran.
func (c *Conn) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// ParticipantID is the id the hub assigned on join.
func (c *Conn) ParticipantID() domain.ParticipantID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Conn) Call(_ context.Context, method string, params, result any) error {
	c.mu.Lock()
	ok := c.connected
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", method, signal.ErrNotConnected)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	res, err := c.hub.serve(c, method, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if result == nil {
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, result)
}

// FailNext makes the next call of method answer with an {error} body.
func (h *Hub) FailNext(method, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[method] = message
}

// Calls counts requests per method.
func (h *Hub) Calls(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[method]
}

// ProducersOf lists the live producer ids of a participant.
func (h *Hub) ProducersOf(pid domain.ParticipantID) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for _, p := range h.producers {
		if p.owner == pid {
			ids = append(ids, p.id)
		}
	}
	return ids
}

// Push delivers a raw event to one participant.
func (h *Hub) Push(pid domain.ParticipantID, event string, payload any) {
	h.mu.Lock()
	p := h.peers[pid]
	h.mu.Unlock()
	if p != nil {
		p.conn.push(event, payload)
	}
}

// CloseRoom drops everyone in the room with room-closed.
func (h *Hub) CloseRoom(room domain.RoomID) {
	h.mu.Lock()
	var targets []*Conn
	for id, p := range h.peers {
		if p.room != room {
			continue
		}
		targets = append(targets, p.conn)
		delete(h.peers, id)
	}
	for id, p := range h.producers {
		if h.peers[p.owner] == nil {
			delete(h.producers, id)
		}
	}
	delete(h.owners, room)
	h.mu.Unlock()

	for _, c := range targets {
		c.push(proto.EventRoomClosed, proto.ReasonEvent{Reason: "closed by owner"})
	}
}

func (c *Conn) push(event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.Enqueue(event, b)
}

type delivery struct {
	to      *Conn
	event   string
	payload any
}

func (h *Hub) serve(c *Conn, method string, raw json.RawMessage) (any, error) {
	h.mu.Lock()
	h.calls[method]++
	if msg, ok := h.failures[method]; ok {
		delete(h.failures, method)
		h.mu.Unlock()
		return proto.Ack{Error: msg}, nil
	}

	var (
		out []delivery
		res any
		err error
	)
	switch method {
	case proto.MethodJoinRoom:
		res, out, err = h.join(c, raw)
	case proto.MethodRouterCaps:
		res = h.Caps
	case proto.MethodCreateTransport:
		h.seq++
		res = proto.TransportParams{
			ID:             fmt.Sprintf("t%d", h.seq),
			IceParameters:  proto.IceParameters{UsernameFragment: "u", Password: "p", IceLite: true},
			DtlsParameters: proto.DtlsParameters{Role: "auto"},
		}
	case proto.MethodConnectTransport:
		res = proto.Ack{}
	case proto.MethodProduce:
		res, out, err = h.produce(c, raw)
	case proto.MethodConsume:
		res, err = h.consume(raw)
	case proto.MethodApproveJoin, proto.MethodDenyJoin:
		res, out, err = h.decide(c, method, raw)
	case proto.MethodStopScreenShare:
		res, out = h.stopScreen(c)
	case proto.MethodSetPermissions:
		res, out, err = h.setPermissions(c, raw)
	case proto.MethodLeaveRoom:
		res = proto.Ack{}
	default:
		err = ErrUnknownMethod
	}
	h.mu.Unlock()

	if method == proto.MethodLeaveRoom {
		h.leave(c.ParticipantID())
	}
	for _, d := range out {
		d.to.push(d.event, d.payload)
	}
	return res, err
}

func (h *Hub) join(c *Conn, raw json.RawMessage) (any, []delivery, error) {
	var req proto.JoinRoomRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil, err
	}
	h.seq++
	p := &peer{
		conn:  c,
		id:    domain.ParticipantID(fmt.Sprintf("p%d", h.seq)),
		room:  req.RoomID,
		name:  req.DisplayName,
		perms: domain.DefaultPermissions(),
	}
	c.mu.Lock()
	c.id = p.id
	c.mu.Unlock()
	h.peers[p.id] = p

	owner, hasOwner := h.owners[req.RoomID]
	if !hasOwner {
		h.owners[req.RoomID] = p.id
		p.admitted = true
		return proto.JoinRoomResponse{ParticipantID: p.id, IsOwner: true, ExistingProducers: h.snapshot(req.RoomID, p.id)}, nil, nil
	}
	if !h.RequireApproval {
		p.admitted = true
		return proto.JoinRoomResponse{ParticipantID: p.id, ExistingProducers: h.snapshot(req.RoomID, p.id)}, nil, nil
	}
	out := []delivery{{
		to:      h.peers[owner].conn,
		event:   proto.EventJoinRequest,
		payload: proto.JoinRequestEvent{ParticipantID: p.id, DisplayName: p.name},
	}}
	return proto.JoinRoomResponse{ParticipantID: p.id, ApprovalRequired: true}, out, nil
}

func (h *Hub) snapshot(room domain.RoomID, except domain.ParticipantID) []domain.Announcement {
	list := []domain.Announcement{}
	for _, pr := range h.producers {
		owner := h.peers[pr.owner]
		if owner == nil || owner.room != room || pr.owner == except {
			continue
		}
		list = append(list, domain.Announcement{
			ProducerID:    pr.id,
			ParticipantID: pr.owner,
			MediaTag:      pr.tag,
			DisplayName:   owner.name,
		})
	}
	return list
}

func (h *Hub) roomMates(p *peer) []*peer {
	var mates []*peer
	for _, o := range h.peers {
		if o.id != p.id && o.room == p.room && o.admitted {
			mates = append(mates, o)
		}
	}
	return mates
}

func (h *Hub) produce(c *Conn, raw json.RawMessage) (any, []delivery, error) {
	var req proto.ProduceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil, err
	}
	p := h.peers[c.id]
	if p == nil || !p.admitted {
		return proto.Ack{Error: "not admitted"}, nil, nil
	}
	h.seq++
	pr := &producer{id: fmt.Sprintf("prod%d", h.seq), owner: p.id, kind: req.Kind, tag: req.MediaTag}
	h.producers[pr.id] = pr

	var out []delivery
	for _, m := range h.roomMates(p) {
		out = append(out, delivery{to: m.conn, event: proto.EventNewProducer, payload: domain.Announcement{
			ProducerID:    pr.id,
			ParticipantID: p.id,
			MediaTag:      pr.tag,
			DisplayName:   p.name,
		}})
	}
	return proto.ProduceResponse{ID: pr.id}, out, nil
}

func (h *Hub) consume(raw json.RawMessage) (any, error) {
	var req proto.ConsumeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	pr := h.producers[req.ProducerID]
	if pr == nil {
		return proto.Ack{Error: "unknown producer"}, nil
	}
	h.seq++
	return proto.ConsumeResponse{
		ID:         fmt.Sprintf("cons%d", h.seq),
		ProducerID: pr.id,
		Kind:       pr.kind,
	}, nil
}

func (h *Hub) decide(c *Conn, method string, raw json.RawMessage) (any, []delivery, error) {
	var req proto.DecideJoinRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil, err
	}
	target := h.peers[req.TargetParticipantID]
	if target == nil || h.owners[target.room] != c.id {
		return proto.Ack{Error: "not allowed"}, nil, nil
	}
	if method == proto.MethodDenyJoin {
		delete(h.peers, target.id)
		return proto.Ack{}, []delivery{{to: target.conn, event: proto.EventJoinDenied, payload: proto.ReasonEvent{Reason: "denied by owner"}}}, nil
	}
	target.admitted = true
	return proto.Ack{}, []delivery{{
		to:      target.conn,
		event:   proto.EventJoinApproved,
		payload: proto.JoinApprovedEvent{ExistingProducers: h.snapshot(target.room, target.id)},
	}}, nil
}

func (h *Hub) stopScreen(c *Conn) (any, []delivery) {
	p := h.peers[c.id]
	if p == nil {
		return proto.Ack{}, nil
	}
	var out []delivery
	for id, pr := range h.producers {
		if pr.owner != p.id || pr.tag != domain.TagScreen {
			continue
		}
		delete(h.producers, id)
		for _, m := range h.roomMates(p) {
			out = append(out,
				delivery{to: m.conn, event: proto.EventProducerClosed, payload: proto.ProducerClosedEvent{ProducerID: id}},
				delivery{to: m.conn, event: proto.EventScreenShareStopped, payload: proto.ScreenShareStoppedEvent{ParticipantID: p.id}},
			)
		}
	}
	return proto.Ack{}, out
}

func (h *Hub) setPermissions(c *Conn, raw json.RawMessage) (any, []delivery, error) {
	var req proto.SetPermissionsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil, err
	}
	target := h.peers[req.TargetParticipantID]
	if target == nil || h.owners[target.room] != c.id {
		return proto.Ack{Error: "not allowed"}, nil, nil
	}
	target.perms = req.Permissions
	ev := proto.PermissionsUpdatedEvent{ParticipantID: target.id, Permissions: req.Permissions}
	out := []delivery{{to: target.conn, event: proto.EventPermissionsUpdated, payload: ev}}
	for _, m := range h.roomMates(target) {
		if m.id != c.id {
			out = append(out, delivery{to: m.conn, event: proto.EventPermissionsUpdated, payload: ev})
		}
	}
	return proto.Ack{}, out, nil
}

func (h *Hub) leave(pid domain.ParticipantID) {
	h.mu.Lock()
	p := h.peers[pid]
	if p == nil {
		h.mu.Unlock()
		return
	}
	mates := h.roomMates(p)
	delete(h.peers, pid)
	var closed []string
	for id, pr := range h.producers {
		if pr.owner == pid {
			delete(h.producers, id)
			closed = append(closed, id)
		}
	}
	if h.owners[p.room] == pid {
		delete(h.owners, p.room)
	}
	h.mu.Unlock()

	if !p.admitted {
		return
	}
	for _, m := range mates {
		for _, id := range closed {
			m.conn.push(proto.EventProducerClosed, proto.ProducerClosedEvent{ProducerID: id})
		}
		m.conn.push(proto.EventParticipantLeft, proto.ParticipantLeftEvent{ParticipantID: pid})
	}
}
