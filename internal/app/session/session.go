// Package session drives one conference session: join, owner approval,
// transport bootstrap, media and teardown.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Conference/internal/app/caps"
	"github.com/dkeye/Conference/internal/app/registry"
	"github.com/dkeye/Conference/internal/app/screen"
	"github.com/dkeye/Conference/internal/app/transport"
	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotOwner            = errors.New("only the owner can do this")
	ErrNotActive           = errors.New("session is not active")
	ErrAlreadyStarted      = errors.New("session already started")
	ErrUnknownRequest      = errors.New("no such join request")
	ErrUnknownParticipant  = errors.New("no such participant")
	ErrScreenShareDisabled = errors.New("screen share not permitted")
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingApproval
	StateActive
	StateDenied
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingApproval:
		return "awaiting-approval"
	case StateActive:
		return "active"
	case StateDenied:
		return "denied"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Terminal reports whether the session is over.
func (s State) Terminal() bool { return s == StateDenied || s == StateClosed }

// Exit reasons passed to OnExit.
const (
	ReasonLeft        = "left"
	ReasonDenied      = "denied"
	ReasonRoomClosed  = "room closed"
	ReasonConnLost    = "connection lost"
	ReasonJoinFailed  = "join failed"
	ReasonCapsFailure = "media capabilities unavailable"
)

// Callbacks are all optional. They run on the goroutine that caused them,
// sometimes with the session locked: they must not block and must not call
// Session methods other than Snapshot.
type Callbacks struct {
	OnState       func(State)
	OnChange      func(Snapshot)
	OnJoinRequest func(domain.JoinRequest)
	OnError       func(error)
	OnExit        func(reason string)
}

type Deps struct {
	Signal   core.SignalChannel
	Device   core.Device
	Capturer core.Capturer
}

type Option func(*Session)

func WithCallbacks(cb Callbacks) Option {
	return func(s *Session) { s.cb = cb }
}

// WithCapture toggles camera/microphone capture during bootstrap.
func WithCapture(enabled bool) Option {
	return func(s *Session) { s.capture = enabled }
}

// WithSinks attaches a sink to every subscribed remote track.
func WithSinks(f core.SinkFactory) Option {
	return func(s *Session) { s.sinks = f }
}

// WithLeaveTimeout bounds the best-effort leave-room call during cleanup.
func WithLeaveTimeout(d time.Duration) Option {
	return func(s *Session) { s.leaveTimeout = d }
}

type Session struct {
	id           string
	sig          core.SignalChannel
	capturer     core.Capturer
	capture      bool
	sinks        core.SinkFactory
	leaveTimeout time.Duration
	cb           Callbacks
	logger       zerolog.Logger

	caps       *caps.Negotiator
	transports *transport.Manager
	registry   *registry.Registry
	screen     *screen.Coordinator

	// mu serializes transitions and may be held across round trips.
	mu           sync.Mutex
	state        atomic.Int32
	ctx          context.Context
	cancel       context.CancelFunc
	tracks       []core.LocalTrack
	captured     bool
	bootstrapped bool
	unsubs       []func()

	// vmu guards the read model.
	vmu         sync.RWMutex
	room        domain.RoomID
	local       domain.ParticipantID
	displayName string
	role        domain.Role
	perms       domain.Permissions
	requests    []domain.JoinRequest
	focus       domain.ParticipantID
	exitReason  string

	done chan struct{}
}

func New(deps Deps, opts ...Option) *Session {
	s := &Session{
		id:           uuid.NewString(),
		sig:          deps.Signal,
		capturer:     deps.Capturer,
		capture:      deps.Capturer != nil,
		leaveTimeout: 2 * time.Second,
		perms:        domain.DefaultPermissions(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.capturer == nil {
		s.capture = false
	}
	s.logger = log.With().Str("module", "app.session").Str("sid", s.id).Logger()

	s.screen = screen.NewCoordinator(deps.Signal)
	s.caps = caps.New(deps.Signal, deps.Device)
	s.transports = transport.NewManager(deps.Signal, deps.Device)
	var ropts []registry.Option
	if s.sinks != nil {
		ropts = append(ropts, registry.WithSinks(s.sinks))
	}
	s.registry = registry.New(deps.Signal, s.caps, s.screen, ropts...)
	s.registry.OnChange(s.changed)
	s.screen.OnChange(s.changed)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once cleanup has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitReason is set once Done is closed.
func (s *Session) ExitReason() string {
	s.vmu.RLock()
	defer s.vmu.RUnlock()
	return s.exitReason
}

// Start joins roomID. Owners and guests admitted without approval go
// straight to Active and bootstrap before Start returns.
func (s *Session) Start(ctx context.Context, roomID, displayName string) error {
	room, err := domain.NewRoomID(roomID)
	if err != nil {
		return err
	}
	name, err := domain.NormalizeDisplayName(displayName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.State() != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.vmu.Lock()
	s.room = room
	s.displayName = name
	s.vmu.Unlock()
	s.setState(StateConnecting)
	s.subscribe()

	if err := s.sig.Connect(ctx); err != nil {
		s.logger.Error().Err(err).Msg("connect")
		exit := s.closeLocked(ctx, ReasonJoinFailed, StateClosed)
		s.mu.Unlock()
		exit()
		return err
	}

	var resp proto.JoinRoomResponse
	err = s.sig.Call(ctx, proto.MethodJoinRoom, proto.JoinRoomRequest{RoomID: room, DisplayName: name}, &resp)
	if err == nil {
		err = resp.Err(proto.MethodJoinRoom)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("join")
		exit := s.closeLocked(ctx, ReasonJoinFailed, StateClosed)
		s.mu.Unlock()
		exit()
		return err
	}

	role := domain.RoleGuest
	if resp.IsOwner {
		role = domain.RoleOwner
	}
	s.vmu.Lock()
	s.local = resp.ParticipantID
	s.focus = resp.ParticipantID
	s.role = role
	s.vmu.Unlock()
	s.registry.SetLocal(resp.ParticipantID)
	s.logger.Info().Str("room", string(room)).Str("participant", string(resp.ParticipantID)).Str("role", string(role)).Bool("approval_required", resp.ApprovalRequired).Msg("joined")

	if !resp.IsOwner && resp.ApprovalRequired {
		s.setState(StateAwaitingApproval)
		s.mu.Unlock()
		return nil
	}
	err = s.activate(ctx, resp.ExistingProducers)
	exit := s.abortOnFatal(ctx, err)
	s.mu.Unlock()
	exit()
	return err
}

// Bootstrap resumes a partially failed bootstrap. A completed one returns
// immediately.
func (s *Session) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	err := s.bootstrap(ctx)
	exit := s.abortOnFatal(ctx, err)
	s.mu.Unlock()
	exit()
	return err
}

// Leave tears the session down from any state.
func (s *Session) Leave(ctx context.Context) {
	s.shutdown(ctx, ReasonLeft, StateClosed)
}

func (s *Session) shutdown(ctx context.Context, reason string, final State) {
	s.mu.Lock()
	exit := s.closeLocked(ctx, reason, final)
	s.mu.Unlock()
	exit()
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	s.logger.Info().Str("from", prev.String()).Str("to", st.String()).Msg("state")
	if s.cb.OnState != nil {
		s.cb.OnState(st)
	}
	s.changed()
}

func (s *Session) report(err error) {
	s.logger.Error().Err(err).Msg("session error")
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

func (s *Session) changed() {
	if s.cb.OnChange != nil {
		s.cb.OnChange(s.Snapshot())
	}
}

// abortOnFatal closes the session when err means it cannot continue.
// Must be called with mu held; the returned func runs after unlock.
func (s *Session) abortOnFatal(ctx context.Context, err error) func() {
	if !errors.Is(err, caps.ErrCapabilities) {
		return func() {}
	}
	return s.closeLocked(ctx, ReasonCapsFailure, StateClosed)
}

// closeLocked is the single cleanup routine. It is idempotent and returns
// the exit notification, which the caller fires after releasing mu.
func (s *Session) closeLocked(ctx context.Context, reason string, final State) func() {
	prev := s.State()
	if prev.Terminal() {
		return func() {}
	}
	s.logger.Info().Str("reason", reason).Str("final", final.String()).Msg("cleanup")

	for _, t := range s.tracks {
		t.Stop()
	}
	s.tracks = nil
	s.screen.Reset()
	s.registry.Reset()
	s.transports.Close()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	s.vmu.RLock()
	joined := s.local != ""
	s.vmu.RUnlock()
	if joined && reason == ReasonLeft && (prev == StateActive || prev == StateAwaitingApproval) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.leaveTimeout)
		if err := s.sig.Call(lctx, proto.MethodLeaveRoom, nil, nil); err != nil {
			s.logger.Warn().Err(err).Msg("leave-room")
		}
		cancel()
	}
	if err := s.sig.Disconnect(); err != nil {
		s.logger.Warn().Err(err).Msg("disconnect")
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.captured = false
	s.bootstrapped = false

	s.vmu.Lock()
	s.requests = nil
	s.focus = s.local
	s.exitReason = reason
	s.vmu.Unlock()
	s.setState(final)

	return func() {
		close(s.done)
		if s.cb.OnExit != nil {
			s.cb.OnExit(reason)
		}
	}
}
