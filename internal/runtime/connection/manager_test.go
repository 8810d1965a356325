package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rmqflow/internal/runtime/broker"
	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
)

type transitionLog struct {
	mu  sync.Mutex
	got []State
}

func (l *transitionLog) hook(_ string, _, to State) {
	l.mu.Lock()
	l.got = append(l.got, to)
	l.mu.Unlock()
}

func (l *transitionLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.got...)
}

func newTestManager(t *testing.T, b *broker.MemoryBroker, log *transitionLog) *Manager {
	t.Helper()
	opts := Options{OpenRetryBackoff: 20 * time.Millisecond, ReconnectBackoff: 10 * time.Millisecond}
	if log != nil {
		opts.OnStateChange = log.hook
	}
	m, err := NewManager(b, "rmqtest", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewManagerRequiresDialer(t *testing.T) {
	_, err := NewManager(nil, "x", Options{})
	assert.ErrorIs(t, err, errspkg.ErrDialerRequired)
}

func TestManagerOpenAndClose(t *testing.T) {
	b := broker.NewMemoryBroker()
	log := &transitionLog{}
	m := newTestManager(t, b, log)

	assert.Equal(t, StateDisconnected, m.State())
	_, err := m.CurrentSession(withTimeout(t))
	assert.ErrorIs(t, err, errspkg.ErrNotStarted)

	s, err := m.Open(withTimeout(t))
	require.NoError(t, err)
	assert.False(t, s.IsClosed())
	assert.Equal(t, StateOpen, m.State())

	require.NoError(t, m.Close(withTimeout(t)))
	assert.Equal(t, StateClosed, m.State())
	assert.True(t, s.IsClosed())
	assert.Equal(t, []State{StateConnecting, StateOpen, StateClosed}, log.states())

	_, err = m.Open(withTimeout(t))
	assert.ErrorIs(t, err, errspkg.ErrClosed)
	_, err = m.CurrentSession(withTimeout(t))
	assert.ErrorIs(t, err, errspkg.ErrClosed)
	assert.NoError(t, m.Close(withTimeout(t)))
}

func TestManagerRetriesFailedOpens(t *testing.T) {
	b := broker.NewMemoryBroker()
	b.FailDials(2, errors.New("refused"))
	m := newTestManager(t, b, nil)

	start := time.Now()
	_, err := m.Open(withTimeout(t))
	require.NoError(t, err)
	assert.Equal(t, 3, b.Dials())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestManagerOpenHonoursContext(t *testing.T) {
	b := broker.NewMemoryBroker()
	b.FailDials(1000, nil)
	m := newTestManager(t, b, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Open(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateConnecting, m.State())
}

func TestManagerReconnectsAfterUnexpectedClose(t *testing.T) {
	b := broker.NewMemoryBroker()
	log := &transitionLog{}
	m := newTestManager(t, b, log)

	first, err := m.Open(withTimeout(t))
	require.NoError(t, err)

	b.Disconnect()

	second, err := m.CurrentSession(withTimeout(t))
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.True(t, first.IsClosed())
	assert.Equal(t, 1, m.Reconnects())
	assert.Equal(t, 2, b.Dials())
	assert.Equal(t, []State{StateConnecting, StateOpen, StateConnecting, StateOpen}, log.states())
}

func TestManagerCloseWhileReconnecting(t *testing.T) {
	b := broker.NewMemoryBroker()
	m := newTestManager(t, b, nil)
	_, err := m.Open(withTimeout(t))
	require.NoError(t, err)

	b.FailDials(1000, nil)
	b.Disconnect()
	require.Eventually(t, func() bool { return m.State() == StateConnecting }, time.Second, time.Millisecond)

	require.NoError(t, m.Close(withTimeout(t)))
	assert.Equal(t, StateClosed, m.State())
	select {
	case <-m.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
}

func TestManagerCloseBeforeOpen(t *testing.T) {
	m := newTestManager(t, broker.NewMemoryBroker(), nil)
	require.NoError(t, m.Close(withTimeout(t)))
	assert.Equal(t, StateClosed, m.State())
}

func TestManagerNewChannel(t *testing.T) {
	b := broker.NewMemoryBroker()
	m := newTestManager(t, b, nil)
	_, err := m.Open(withTimeout(t))
	require.NoError(t, err)

	closed := make(chan error, 1)
	ch, err := m.NewChannel(withTimeout(t), func(err error) { closed <- err })
	require.NoError(t, err)
	assert.False(t, ch.IsClosed())

	b.Disconnect()
	assert.ErrorIs(t, <-closed, broker.ErrForcedDisconnect)

	fresh, err := m.NewChannel(withTimeout(t), nil)
	require.NoError(t, err)
	assert.NotSame(t, ch, fresh)
	assert.False(t, fresh.IsClosed())
}

func TestManagerNewChannelWaitsForSession(t *testing.T) {
	b := broker.NewMemoryBroker()
	b.FailDials(2, nil)
	m := newTestManager(t, b, nil)

	go func() { _, _ = m.Open(context.Background()) }()
	require.Eventually(t, func() bool { return m.State() == StateConnecting }, time.Second, time.Millisecond)

	ch, err := m.NewChannel(withTimeout(t), nil)
	require.NoError(t, err)
	assert.False(t, ch.IsClosed())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}
