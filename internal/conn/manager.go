// Package conn manages the push-channel lifecycle: connect, authenticate,
// detect disconnects, reconnect under exponential backoff and disable after
// repeated failure. All outbound application events are gated by the guard;
// rejected events are dropped, never queued.
package conn

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/kvlar/examsync/internal/clock"
	"github.com/kvlar/examsync/internal/errs"
	"github.com/kvlar/examsync/internal/guard"
	"github.com/kvlar/examsync/internal/model"
	"github.com/kvlar/examsync/internal/protocol"
)

const (
	// BackoffBase is the first reconnect delay.
	BackoffBase = time.Second
	// BackoffCap bounds the reconnect delay.
	BackoffCap = 30 * time.Second
	// MaxAttempts is how many consecutive failures are tolerated before the
	// channel disables itself.
	MaxAttempts = 5

	dialTimeout = 10 * time.Second
)

// BackoffDelay returns the reconnect delay for a zero-based attempt number:
// min(base * 2^attempt, cap).
func BackoffDelay(attempt int) time.Duration {
	d := BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= BackoffCap {
			return BackoffCap
		}
	}
	return d
}

// Credentials identify the user on the push channel.
type Credentials struct {
	UserID string
	Token  string
}

// RefreshFunc obtains fresh credentials after an authentication failure.
type RefreshFunc func(ctx context.Context) (Credentials, error)

// Manager owns the ConnectionState and the socket behind it.
type Manager struct {
	url       string
	transport Transport
	guard     *guard.Guard
	clock     clock.Clock
	log       *zap.Logger
	refresh   RefreshFunc

	mu        sync.Mutex
	state     model.ConnectionState
	creds     Credentials
	sock      Socket
	gen       int // invalidates read loops of torn-down sockets
	attempts  int
	sessionID uuid.UUID

	handlers   map[string][]func(protocol.Envelope)
	waiters    map[string][]chan protocol.Envelope
	stateSubs  []func(model.ConnectionState)
	notifyQ    []model.ConnectionState
	notifyWake chan struct{}
	notifyDone bool
}

// Options configures a Manager. Zero-value fields get defaults.
type Options struct {
	URL         string
	Transport   Transport
	Guard       *guard.Guard
	Clock       clock.Clock
	Logger      *zap.Logger
	Credentials Credentials
	Refresh     RefreshFunc
}

// New constructs a Manager in the Disconnected state.
func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Transport == nil {
		opts.Transport = NewWebsocketTransport()
	}
	if opts.Guard == nil {
		opts.Guard = guard.New(opts.Clock, 0)
	}
	m := &Manager{
		url:       opts.URL,
		transport: opts.Transport,
		guard:     opts.Guard,
		clock:     opts.Clock,
		log:       opts.Logger,
		refresh:   opts.Refresh,
		creds:     opts.Credentials,
		state:     model.StateDisconnected,
		handlers:   make(map[string][]func(protocol.Envelope)),
		waiters:    make(map[string][]chan protocol.Envelope),
		notifyWake: make(chan struct{}, 1),
	}
	go m.notifyLoop()
	return m
}

// notifyLoop delivers every state change to listeners in transition order.
// The queue is unbounded so a slow listener delays delivery but never loses
// a transition.
func (m *Manager) notifyLoop() {
	for range m.notifyWake {
		for {
			m.mu.Lock()
			if len(m.notifyQ) == 0 {
				m.mu.Unlock()
				break
			}
			st := m.notifyQ[0]
			m.notifyQ = m.notifyQ[1:]
			subs := append(([]func(model.ConnectionState))(nil), m.stateSubs...)
			m.mu.Unlock()
			for _, fn := range subs {
				fn(st)
			}
		}
	}
}

// State returns the current connection state.
func (m *Manager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers a listener for state transitions.
func (m *Manager) OnStateChange(fn func(model.ConnectionState)) {
	m.mu.Lock()
	m.stateSubs = append(m.stateSubs, fn)
	m.mu.Unlock()
}

// OnMessage registers a handler for a message type (server pushes and
// responses both flow through it).
func (m *Manager) OnMessage(msgType string, fn func(protocol.Envelope)) {
	m.mu.Lock()
	m.handlers[msgType] = append(m.handlers[msgType], fn)
	m.mu.Unlock()
}

// setState must be called with mu held; it notifies listeners outside the lock.
func (m *Manager) setState(st model.ConnectionState) {
	if m.state == st {
		return
	}
	m.state = st
	m.log.Info("connection state", zap.Stringer("state", st))
	if m.notifyDone {
		return
	}
	m.notifyQ = append(m.notifyQ, st)
	select {
	case m.notifyWake <- struct{}{}:
	default:
	}
}

// Connect establishes the push channel. It is a no-op when already connected
// or connecting, and refuses when the channel is disabled.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case model.StateDisabled:
		m.mu.Unlock()
		return errs.ErrDisabled
	case model.StateConnected, model.StateConnecting:
		m.mu.Unlock()
		return nil
	}
	m.setState(model.StateConnecting)
	creds := m.creds
	m.mu.Unlock()

	// An expired token always fails the handshake; inspect before dialing.
	if TokenExpired(creds.Token, m.clock.Now()) && m.refresh != nil {
		fresh, err := m.refresh(ctx)
		if err == nil {
			m.mu.Lock()
			m.creds = fresh
			creds = fresh
			m.mu.Unlock()
		} else {
			m.log.Warn("credential refresh failed", zap.Error(err))
		}
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	sock, err := m.transport.Dial(dctx, m.url, creds.Token)
	cancel()
	if err != nil {
		return m.connectFailed(ctx, err)
	}

	m.mu.Lock()
	m.sock = sock
	m.gen++
	gen := m.gen
	m.attempts = 0
	m.sessionID, _ = uuid.NewV4()
	m.setState(model.StateConnected)
	m.mu.Unlock()

	m.log.Info("push channel connected", zap.String("session", m.sessionID.String()))
	go m.readLoop(gen, sock)
	return nil
}

// connectFailed classifies a dial error: auth errors go through credential
// refresh and one immediate retry, everything else enters backoff.
func (m *Manager) connectFailed(ctx context.Context, err error) error {
	if errs.IsAuth(err) && m.refresh != nil {
		m.log.Warn("handshake unauthorized, refreshing credentials", zap.Error(err))
		fresh, rerr := m.refresh(ctx)
		if rerr == nil {
			m.mu.Lock()
			m.creds = fresh
			m.setState(model.StateDisconnected)
			m.mu.Unlock()
			return m.Connect(ctx)
		}
		m.log.Warn("credential refresh failed", zap.Error(rerr))
	}
	m.log.Warn("push channel connect failed", zap.Error(err))
	m.mu.Lock()
	m.scheduleReconnect()
	m.mu.Unlock()
	return err
}

// scheduleReconnect must be called with mu held.
func (m *Manager) scheduleReconnect() {
	m.attempts++
	if m.attempts > MaxAttempts {
		m.setState(model.StateDisabled)
		m.log.Warn("push channel disabled after repeated failures",
			zap.Int("attempts", m.attempts-1))
		return
	}
	delay := BackoffDelay(m.attempts - 1)
	m.setState(model.StateBackoff)
	m.log.Info("scheduling reconnect",
		zap.Int("attempt", m.attempts), zap.Duration("delay", delay))
	timer := m.clock.After(delay)
	go func() {
		<-timer
		m.mu.Lock()
		if m.state != model.StateBackoff {
			m.mu.Unlock()
			return
		}
		m.state = model.StateDisconnected
		m.mu.Unlock()
		_ = m.Connect(context.Background())
	}()
}

// readLoop pumps inbound messages until the socket dies or is superseded.
func (m *Manager) readLoop(gen int, sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			m.onReadError(gen, err)
			return
		}
		env, perr := protocol.Parse(data)
		if perr != nil {
			m.log.Debug("dropping malformed message", zap.Error(perr))
			continue
		}
		if !protocol.Known(env.Type) {
			m.log.Debug("ignoring unknown message type", zap.String("type", env.Type))
			continue
		}
		m.dispatch(env)
	}
}

func (m *Manager) onReadError(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != model.StateConnected {
		// Torn down deliberately (user disconnect or credential rebuild).
		m.mu.Unlock()
		return
	}
	m.sock = nil
	m.log.Warn("push channel lost", zap.Error(err))
	if errs.IsAuth(err) && m.refresh != nil {
		m.setState(model.StateDisconnected)
		m.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		_ = m.Connect(ctx)
		return
	}
	m.scheduleReconnect()
	m.mu.Unlock()
}

func (m *Manager) dispatch(env protocol.Envelope) {
	m.mu.Lock()
	waiters := m.waiters[env.Type]
	delete(m.waiters, env.Type)
	handlers := append(([]func(protocol.Envelope))(nil), m.handlers[env.Type]...)
	m.mu.Unlock()

	// Every waiter for the name gets the response; a superseded older call
	// receives the same data and treats it as an idempotent no-op.
	for _, ch := range waiters {
		select {
		case ch <- env:
		default:
		}
	}
	for _, fn := range handlers {
		fn(env)
	}
}

// Send emits an application-level event if the channel is connected and the
// admission limiter allows it. Rejected events are dropped silently: a later
// state change re-emits the latest data anyway.
func (m *Manager) Send(env protocol.Envelope) bool {
	return m.send(env) == nil
}

// send classifies the drop reason so Request can surface it.
func (m *Manager) send(env protocol.Envelope) error {
	m.mu.Lock()
	sock := m.sock
	connected := m.state == model.StateConnected
	m.mu.Unlock()
	if !connected || sock == nil {
		return errs.ErrDisconnected
	}
	if !m.guard.CanMakeRequest() {
		m.log.Debug("outbound event dropped by limiter", zap.String("type", env.Type))
		return errs.ErrRateLimited
	}
	data, err := env.Marshal()
	if err != nil {
		m.log.Warn("marshal outbound event", zap.Error(err))
		return err
	}
	if err := sock.WriteMessage(data); err != nil {
		m.log.Warn("write failed", zap.Error(err))
		return err
	}
	return nil
}

// Request sends env and waits for the response type paired with it by name,
// bounded by timeout. A second request of the same name while one is pending
// shares the next matching response.
func (m *Manager) Request(ctx context.Context, env protocol.Envelope, timeout time.Duration) (protocol.Envelope, error) {
	respType, ok := protocol.ResponseFor(env.Type)
	if !ok {
		return protocol.Envelope{}, errs.ErrNotFound
	}

	ch := make(chan protocol.Envelope, 1)
	m.mu.Lock()
	m.waiters[respType] = append(m.waiters[respType], ch)
	m.mu.Unlock()

	if err := m.send(env); err != nil {
		m.removeWaiter(respType, ch)
		return protocol.Envelope{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-m.clock.After(timeout):
		m.removeWaiter(respType, ch)
		return protocol.Envelope{}, errs.ErrTimeout
	case <-ctx.Done():
		m.removeWaiter(respType, ch)
		return protocol.Envelope{}, ctx.Err()
	}
}

func (m *Manager) removeWaiter(respType string, ch chan protocol.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.waiters[respType]
	for i, w := range ws {
		if w == ch {
			m.waiters[respType] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(m.waiters[respType]) == 0 {
		delete(m.waiters, respType)
	}
}

// SetCredentials forces a full teardown-and-rebuild with the new credentials,
// bypassing backoff.
func (m *Manager) SetCredentials(ctx context.Context, creds Credentials) error {
	m.mu.Lock()
	m.creds = creds
	m.attempts = 0
	m.gen++
	if m.sock != nil {
		_ = m.sock.Close()
		m.sock = nil
	}
	m.setState(model.StateDisconnected)
	m.mu.Unlock()
	return m.Connect(ctx)
}

// Disconnect tears the channel down on explicit user action; no backoff.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.sock != nil {
		_ = m.sock.Close()
		m.sock = nil
	}
	m.setState(model.StateDisconnected)
	m.mu.Unlock()
}

// Enable leaves the Disabled state on explicit user action, resetting the
// attempt counter, and reconnects from scratch.
func (m *Manager) Enable(ctx context.Context) error {
	m.mu.Lock()
	if m.state != model.StateDisabled {
		m.mu.Unlock()
		return nil
	}
	m.attempts = 0
	m.state = model.StateDisconnected
	m.mu.Unlock()
	return m.Connect(ctx)
}

// Connected reports whether the channel is usable right now.
func (m *Manager) Connected() bool {
	return m.State() == model.StateConnected
}

// Close releases the manager for good: tears down any socket and stops the
// notification loop. The manager must not be reused afterwards.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.notifyDone = true
	m.mu.Unlock()
	close(m.notifyWake)
}
