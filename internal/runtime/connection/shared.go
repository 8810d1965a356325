package connection

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/drblury/rmqflow/internal/runtime/broker"
	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
)

// SharedChannel keeps one reusable channel on a Manager. Users call Get before
// each operation and Invalidate after a transport failure so the next Get
// opens a replacement.
//
// Only one caller opens a replacement at a time. Others wait for it on a
// context-aware semaphore, so a waiter gives up as soon as its own ctx is
// done. Invalidate and Close never wait for an open in progress.
type SharedChannel struct {
	mgr   *Manager
	setup func(broker.Channel) error
	open  *semaphore.Weighted

	mu     sync.Mutex
	ch     broker.Channel
	closed bool
}

// NewSharedChannel returns a SharedChannel. setup, when set, runs on every
// new channel before it is handed out, for example to declare topology.
func NewSharedChannel(mgr *Manager, setup func(broker.Channel) error) *SharedChannel {
	return &SharedChannel{mgr: mgr, setup: setup, open: semaphore.NewWeighted(1)}
}

// current returns the live channel, if any.
func (s *SharedChannel) current() (broker.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errspkg.ErrClosed
	}
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	return nil, nil
}

// Get returns the current channel, opening a new one when needed. After
// Close it fails with ErrClosed.
func (s *SharedChannel) Get(ctx context.Context) (broker.Channel, error) {
	if ch, err := s.current(); ch != nil || err != nil {
		return ch, err
	}
	if err := s.open.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.open.Release(1)

	// Another caller may have installed one while we waited.
	if ch, err := s.current(); ch != nil || err != nil {
		return ch, err
	}
	ch, err := s.mgr.NewChannel(ctx, nil)
	if err != nil {
		return nil, err
	}
	if s.setup != nil {
		if err := s.setup(ch); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = ch.Close()
		return nil, errspkg.ErrClosed
	}
	s.ch = ch
	return ch, nil
}

// Invalidate discards ch if it is still the current channel.
func (s *SharedChannel) Invalidate(ch broker.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch != nil && s.ch == ch {
		_ = s.ch.Close()
		s.ch = nil
	}
}

// Close closes the current channel, if any. A channel still being opened is
// closed as soon as the open completes.
func (s *SharedChannel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.ch == nil {
		return nil
	}
	err := s.ch.Close()
	s.ch = nil
	return err
}
