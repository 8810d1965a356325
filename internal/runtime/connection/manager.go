// Package connection owns broker sessions: it opens them, reopens them after
// unexpected loss and hands out channels on whichever session is current.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drblury/rmqflow/internal/runtime/broker"
	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
	"github.com/drblury/rmqflow/internal/runtime/logging"
)

const (
	DefaultOpenRetryBackoff = 3 * time.Second
	DefaultReconnectBackoff = time.Second

	channelRetryInterval = 50 * time.Millisecond
)

// Options tunes a Manager. Zero values select the defaults.
type Options struct {
	OpenRetryBackoff time.Duration
	ReconnectBackoff time.Duration
	Clock            clock.Clock
	Logger           logging.ServiceLogger
	OnStateChange    StateHook
}

// Manager drives one broker connection through
// DISCONNECTED -> CONNECTING -> OPEN, reconnecting after unexpected closes
// until Close moves it to the terminal CLOSED state. Retries never give up;
// the reconnect count is exposed for monitoring.
type Manager struct {
	dialer   broker.Dialer
	identity string
	opts     Options
	clock    clock.Clock
	logger   logging.ServiceLogger

	mu         sync.Mutex
	state      State
	session    broker.Session
	stopping   bool
	changed    chan struct{}
	reconnects int

	loopCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager returns a Manager in the DISCONNECTED state. identity is sent to
// the broker as the connection name.
func NewManager(dialer broker.Dialer, identity string, opts Options) (*Manager, error) {
	if dialer == nil {
		return nil, errspkg.ErrDialerRequired
	}
	if opts.OpenRetryBackoff <= 0 {
		opts.OpenRetryBackoff = DefaultOpenRetryBackoff
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = DefaultReconnectBackoff
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:   dialer,
		identity: identity,
		opts:     opts,
		clock:    clk,
		logger:   logging.OrNop(opts.Logger).With(logging.LogFields{"identity": identity}),
		changed:  make(chan struct{}),
		loopCtx:  ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Identity returns the connection name.
func (m *Manager) Identity() string { return m.identity }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reconnects counts sessions lost unexpectedly since the Manager was created.
func (m *Manager) Reconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

// Start launches the connection loop without waiting for it to connect.
func (m *Manager) Start() error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return errspkg.ErrClosed
	case StateDisconnected:
		hook := m.setStateLocked(StateConnecting)
		m.mu.Unlock()
		hook()
		m.logger.Info("Connecting to broker", nil)
		go m.run()
	default:
		m.mu.Unlock()
	}
	return nil
}

// Open starts the connection loop and blocks until a session is open, ctx is
// done or the Manager is closed. Dial failures are retried in the background
// and only surface through ctx expiring. Calling Open again waits for the
// current session.
func (m *Manager) Open(ctx context.Context) (broker.Session, error) {
	if err := m.Start(); err != nil {
		return nil, err
	}
	return m.CurrentSession(ctx)
}

// CurrentSession blocks until a session is open and returns it. The result
// must not be cached: it is invalid once the session is replaced.
func (m *Manager) CurrentSession(ctx context.Context) (broker.Session, error) {
	for {
		m.mu.Lock()
		state, session, changed := m.state, m.session, m.changed
		m.mu.Unlock()

		switch {
		case state == StateClosed:
			return nil, errspkg.ErrClosed
		case state == StateDisconnected:
			return nil, errspkg.ErrNotStarted
		case state == StateOpen && session != nil && !session.IsClosed():
			return session, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// NewChannel opens a channel on the current session, retrying across
// reconnects until it succeeds or ctx is done. onClose, when set, runs once
// the channel closes.
func (m *Manager) NewChannel(ctx context.Context, onClose func(error)) (broker.Channel, error) {
	for {
		session, err := m.CurrentSession(ctx)
		if err != nil {
			return nil, err
		}
		ch, err := session.Channel()
		if err == nil {
			if onClose != nil {
				ch.NotifyClose(onClose)
			}
			m.logger.Debug("Channel opened", nil)
			return ch, nil
		}
		if !errspkg.IsTransportError(err) {
			return nil, err
		}
		m.logger.Debug("Channel open failed, waiting for a fresh session", logging.LogFields{"error": err.Error()})
		if err := m.sleep(ctx, channelRetryInterval); err != nil {
			return nil, err
		}
	}
}

// Close stops reconnecting, closes the session and waits until the loop has
// exited or ctx is done. Close is idempotent.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.state == StateClosed:
		m.mu.Unlock()
		return nil
	case m.state == StateDisconnected:
		hook := m.setStateLocked(StateClosed)
		m.stopping = true
		m.mu.Unlock()
		m.cancel()
		close(m.done)
		hook()
		return nil
	case !m.stopping:
		m.stopping = true
		m.logger.Info("Closing connection", nil)
	}
	m.mu.Unlock()
	m.cancel()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the Manager reaches CLOSED.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) run() {
	for {
		session, err := m.dialer.Dial(m.loopCtx, m.identity)
		if err != nil {
			if m.isStopping() {
				m.finish()
				return
			}
			m.logger.Error("Connection open failed, retrying", err, logging.LogFields{"retry_in": m.opts.OpenRetryBackoff.String()})
			if m.sleep(m.loopCtx, m.opts.OpenRetryBackoff) != nil {
				m.finish()
				return
			}
			continue
		}

		lost := make(chan error, 1)
		session.NotifyClose(func(err error) {
			select {
			case lost <- err:
			default:
			}
		})
		if !m.setOpen(session) {
			_ = session.Close()
			m.finish()
			return
		}
		m.logger.Info("Connection opened", nil)

		select {
		case err := <-lost:
			if m.isStopping() {
				m.logger.Info("Connection closed by user", nil)
				m.finish()
				return
			}
			m.logger.Error("Connection closed unexpectedly, reopening", err, logging.LogFields{"retry_in": m.opts.ReconnectBackoff.String()})
			m.setLost()
			if m.sleep(m.loopCtx, m.opts.ReconnectBackoff) != nil {
				m.finish()
				return
			}
		case <-m.loopCtx.Done():
			if err := session.Close(); err != nil {
				m.logger.Error("Connection close failed", err, nil)
			}
			m.logger.Info("Connection closed by user", nil)
			m.finish()
			return
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	t := m.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) isStopping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}

func (m *Manager) setOpen(session broker.Session) bool {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return false
	}
	m.session = session
	hook := m.setStateLocked(StateOpen)
	m.mu.Unlock()
	hook()
	return true
}

func (m *Manager) setLost() {
	m.mu.Lock()
	m.session = nil
	m.reconnects++
	hook := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	hook()
}

func (m *Manager) finish() {
	m.mu.Lock()
	m.session = nil
	hook := m.setStateLocked(StateClosed)
	m.mu.Unlock()
	close(m.done)
	hook()
}

// setStateLocked records the transition, wakes every waiter and returns the
// observer callback to run once the lock is released.
func (m *Manager) setStateLocked(to State) func() {
	from := m.state
	m.state = to
	close(m.changed)
	m.changed = make(chan struct{})
	hook := m.opts.OnStateChange
	if hook == nil || from == to {
		return func() {}
	}
	identity := m.identity
	return func() { hook(identity, from, to) }
}
