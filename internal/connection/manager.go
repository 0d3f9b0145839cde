package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/chat-realtime/internal/diagnostics"
	"github.com/rickgao/chat-realtime/internal/router"
)

// Timer is a cancellable scheduled task.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. time.AfterFunc is the default.
type Scheduler func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTransportFactory replaces the gorilla/websocket transport.
func WithTransportFactory(f TransportFactory) ManagerOption {
	return func(m *Manager) {
		m.newTransport = f
	}
}

// WithScheduler replaces time.AfterFunc for reconnect timers.
func WithScheduler(s Scheduler) ManagerOption {
	return func(m *Manager) {
		m.schedule = s
	}
}

// WithDiagnostics publishes lifecycle diagnostics to stream.
func WithDiagnostics(stream *diagnostics.Stream) ManagerOption {
	return func(m *Manager) {
		m.diag = stream
	}
}

// WithClock replaces time.Now for outbound envelope timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns one logical realtime session: a single transport at a time,
// automatic reconnection on abnormal closure, and delivery of inbound frames
// to the Message Router.
type Manager struct {
	cfg    ManagerConfig
	router *router.Router
	logger *slog.Logger
	diag   *diagnostics.Stream

	newTransport TransportFactory
	schedule     Scheduler
	now          func() time.Time

	mu        sync.Mutex
	state     State
	token     string // Session token; the epoch guard for scheduled reconnects
	hasToken  bool
	attempt   int
	gen       uint64 // Bumped per dial and on teardown; events from older transports are ignored
	transport Transport
	transID   uuid.UUID
	timer     Timer
	timerSeq  uint64
	waiter    chan error // Pending Connect call, resolved on open or first close

	opens      atomic.Int64
	reconnects atomic.Int64
	dropped    atomic.Int64
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, rtr *router.Router, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if rtr == nil {
		rtr = router.NewRouter(logger)
	}

	m := &Manager{
		cfg:      cfg,
		router:   rtr,
		logger:   logger,
		schedule: afterFunc,
		now:      time.Now,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.newTransport == nil {
		m.newTransport = NewWebSocketFactory(cfg.Transport, logger)
	}
	return m
}

// Router returns the Message Router inbound frames are delivered to.
func (m *Manager) Router() *router.Router {
	return m.router
}

// Connect starts a session for token and waits until the transport opens.
//
// Connect is a no-op success while Open and returns ErrAlreadyConnecting
// while Connecting; neither case creates a transport. If the transport
// closes before opening, Connect returns ErrClosedBeforeOpen and the close
// is still handled by the reconnect policy. ctx bounds only the wait.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	switch m.state {
	case StateOpen:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		m.mu.Unlock()
		return ErrAlreadyConnecting
	}

	m.cancelTimerLocked()
	m.token = token
	m.hasToken = true
	m.attempt = 0
	done := make(chan error, 1)
	m.waiter = done
	gen, id := m.beginDialLocked()
	m.mu.Unlock()

	if err := m.dial(gen, id, token); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		m.mu.Lock()
		if m.waiter == done {
			m.waiter = nil
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Disconnect tears the session down and suppresses any further automatic
// reconnection. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	prev := m.state
	m.cancelTimerLocked()
	m.token = ""
	m.hasToken = false
	m.attempt = m.cfg.Policy.MaxAttempts
	m.gen++
	t, id := m.transport, m.transID
	m.transport = nil
	m.transID = uuid.Nil
	waiter := m.waiter
	m.waiter = nil
	m.setStateLocked(StateClosed, id)
	m.mu.Unlock()

	if waiter != nil {
		waiter <- ErrClosed
	}

	if t != nil {
		if err := t.Close(CloseNormal, "client disconnect"); err != nil {
			m.logger.Debug("close transport", "transport_id", id, "error", err)
		}
	}

	if prev == StateOpen || prev == StateConnecting {
		m.logger.Info("realtime disconnected")
		m.router.EmitConnectionStatus(false)
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the manager is Open.
func (m *Manager) IsConnected() bool {
	return m.State() == StateOpen
}

// Attempt returns the reconnect attempt counter.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	state, attempt, pending := m.state, m.attempt, m.timer != nil
	m.mu.Unlock()

	return ManagerStats{
		State:            state,
		Attempt:          attempt,
		ReconnectPending: pending,
		Opens:            m.opens.Load(),
		Reconnects:       m.reconnects.Load(),
		SendsDropped:     m.dropped.Load(),
	}
}

// beginDialLocked moves to Connecting and invalidates events from any
// earlier transport.
func (m *Manager) beginDialLocked() (uint64, uuid.UUID) {
	m.gen++
	m.transID = uuid.New()
	m.setStateLocked(StateConnecting, m.transID)
	return m.gen, m.transID
}

// dial constructs the transport for generation gen. The factory runs
// outside the lock; if the generation was superseded meanwhile the new
// transport is closed without being started. The transport is stored
// before Start so an open callback can already send through it.
func (m *Manager) dial(gen uint64, id uuid.UUID, token string) error {
	endpoint, err := m.endpoint(token)
	var t Transport
	if err == nil {
		t, err = m.newTransport(DialRequest{
			ID:     id,
			URL:    endpoint,
			Events: m.eventsFor(gen, id),
		})
	}

	m.mu.Lock()
	if err != nil {
		if m.gen == gen {
			m.gen++
			m.token = ""
			m.hasToken = false
			m.waiter = nil
			m.transID = uuid.Nil
			m.setStateLocked(StateClosed, id)
		}
		m.mu.Unlock()
		m.logger.Error("failed to construct transport", "transport_id", id, "error", err)
		m.diag.Publish(diagnostics.Event{
			Kind:        diagnostics.KindTransportError,
			TransportID: id,
			State:       StateClosed.String(),
			Err:         err,
		})
		return err
	}

	if m.gen != gen {
		m.mu.Unlock()
		t.Close(CloseNormal, "superseded")
		return nil
	}
	m.transport = t
	m.mu.Unlock()

	t.Start()
	return nil
}

// endpoint appends the session token to the base URL.
func (m *Manager) endpoint(token string) (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// eventsFor binds transport callbacks to one dial generation.
func (m *Manager) eventsFor(gen uint64, id uuid.UUID) TransportEvents {
	return TransportEvents{
		OnOpen:    func() { m.handleOpen(gen, id) },
		OnMessage: func(data []byte) { m.handleMessage(gen, data) },
		OnError:   func(err error) { m.handleError(gen, id, err) },
		OnClose:   func(code int, reason string) { m.handleClose(gen, id, code, reason) },
	}
}

func (m *Manager) handleOpen(gen uint64, id uuid.UUID) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		m.logger.Debug("ignoring open from stale transport", "transport_id", id)
		return
	}
	m.attempt = 0
	m.setStateLocked(StateOpen, id)
	waiter := m.waiter
	m.waiter = nil
	m.mu.Unlock()

	m.opens.Add(1)
	m.logger.Info("realtime connected", "transport_id", id)

	if waiter != nil {
		waiter <- nil
	}
	m.router.EmitConnectionStatus(true)
}

func (m *Manager) handleMessage(gen uint64, data []byte) {
	m.mu.Lock()
	current := gen == m.gen && m.state == StateOpen
	m.mu.Unlock()

	if !current {
		return
	}
	// Errors are logged and counted by the router; the connection stays up.
	_ = m.router.Dispatch(data)
}

func (m *Manager) handleError(gen uint64, id uuid.UUID, err error) {
	m.mu.Lock()
	current := gen == m.gen
	state := m.state
	m.mu.Unlock()

	if !current {
		return
	}
	m.logger.Warn("transport error", "transport_id", id, "error", err)
	m.diag.Publish(diagnostics.Event{
		Kind:        diagnostics.KindTransportError,
		TransportID: id,
		State:       state.String(),
		Err:         err,
	})
}

func (m *Manager) handleClose(gen uint64, id uuid.UUID, code int, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.logger.Debug("ignoring close from stale transport", "transport_id", id, "code", code)
		return
	}

	// No further events from this transport are accepted.
	m.gen++
	m.transport = nil
	m.transID = uuid.Nil
	m.setStateLocked(StateClosed, id)
	waiter := m.waiter
	m.waiter = nil

	var (
		scheduled bool
		exhausted bool
		delay     time.Duration
	)
	switch {
	case code == CloseNormal || !m.hasToken:
	case m.cfg.Policy.ShouldRetry(m.attempt):
		m.attempt++
		delay = m.cfg.Policy.Delay(m.attempt)
		m.scheduleLocked(delay, m.token)
		scheduled = true
	default:
		exhausted = true
	}
	attempt := m.attempt
	m.mu.Unlock()

	m.diag.Publish(diagnostics.Event{
		Kind:        diagnostics.KindTransportClose,
		TransportID: id,
		State:       StateClosed.String(),
		Attempt:     attempt,
		Code:        code,
		Reason:      reason,
	})

	if waiter != nil {
		waiter <- fmt.Errorf("%w: code %d %s", ErrClosedBeforeOpen, code, reason)
	}
	m.router.EmitConnectionStatus(false)

	switch {
	case scheduled:
		m.logger.Warn("realtime connection lost, reconnecting",
			"transport_id", id,
			"code", code,
			"reason", reason,
			"attempt", attempt,
			"delay", delay,
		)
		m.diag.Publish(diagnostics.Event{
			Kind:        diagnostics.KindReconnectScheduled,
			TransportID: id,
			State:       StateClosed.String(),
			Attempt:     attempt,
			Delay:       delay,
		})
	case exhausted:
		m.logger.Error("reconnect attempts exhausted",
			"transport_id", id,
			"code", code,
			"attempts", attempt,
		)
		m.diag.Publish(diagnostics.Event{
			Kind:        diagnostics.KindReconnectExhausted,
			TransportID: id,
			State:       StateClosed.String(),
			Attempt:     attempt,
		})
	default:
		m.logger.Info("realtime connection closed", "transport_id", id, "code", code)
	}
}

// scheduleLocked arms the reconnect timer. The closure captures token so a
// timer that outlives its session cannot revive it.
func (m *Manager) scheduleLocked(delay time.Duration, token string) {
	m.cancelTimerLocked()
	seq := m.timerSeq
	m.timer = m.schedule(delay, func() {
		m.fireReconnect(seq, token)
	})
}

// cancelTimerLocked stops the pending reconnect timer, and invalidates it
// in case it already fired and is waiting on the lock.
func (m *Manager) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Manager) fireReconnect(seq uint64, token string) {
	m.mu.Lock()
	if seq != m.timerSeq || m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	m.timer = nil

	if !m.hasToken || m.token != token {
		m.mu.Unlock()
		m.logger.Debug("scheduled reconnect aborted, session changed")
		m.diag.Publish(diagnostics.Event{
			Kind:  diagnostics.KindReconnectAborted,
			State: StateClosed.String(),
		})
		return
	}

	gen, id := m.beginDialLocked()
	attempt := m.attempt
	m.mu.Unlock()

	m.reconnects.Add(1)
	m.logger.Info("attempting reconnection", "transport_id", id, "attempt", attempt)

	// Construction failures are logged in dial and end the session.
	_ = m.dial(gen, id, token)
}

// setStateLocked records a state transition.
func (m *Manager) setStateLocked(s State, id uuid.UUID) {
	if m.state == s {
		return
	}
	prev := m.state
	m.state = s

	m.logger.Debug("state change", "from", prev, "to", s)
	m.diag.Publish(diagnostics.Event{
		Kind:        diagnostics.KindStateChange,
		TransportID: id,
		State:       s.String(),
		Reason:      prev.String(),
		Attempt:     m.attempt,
	})
}
