package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
	"github.com/drblury/rmqflow/internal/runtime/logging"
)

// Message is one value received on a subscribed channel.
type Message struct {
	Pattern string
	Channel string
	Body    []byte
}

// Handler processes messages of one subscription, one at a time.
type Handler func(ctx context.Context, msg Message)

type subscription interface {
	Messages() <-chan *redis.Message
	Close() error
}

type subscribeFunc func(ctx context.Context, pattern string) (subscription, error)

type pubSub struct{ ps *redis.PubSub }

func (p pubSub) Messages() <-chan *redis.Message { return p.ps.Channel() }
func (p pubSub) Close() error                    { return p.ps.Close() }

// Consumer runs pattern subscriptions, each on its own goroutine.
type Consumer struct {
	client    redis.UniversalClient
	subscribe subscribeFunc
	logger    logging.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   []subscription
	closed bool
}

// NewConsumer connects a Consumer.
func NewConsumer(ctx context.Context, opts Options, logger logging.ServiceLogger) (*Consumer, error) {
	client := NewUniversalClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("rmqflow: connect in-memory store %s: %w", opts, err)
	}
	c := newConsumer(func(ctx context.Context, pattern string) (subscription, error) {
		ps := client.PSubscribe(ctx, pattern)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		return pubSub{ps: ps}, nil
	}, logger)
	c.client = client
	return c, nil
}

func newConsumer(subscribe subscribeFunc, logger logging.ServiceLogger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		subscribe: subscribe,
		logger:    logging.OrNop(logger).With(logging.LogFields{"component": "inmem_consumer"}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe starts delivering messages on channels matching pattern (glob
// syntax, e.g. "telemetry.*") to handler.
func (c *Consumer) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errspkg.ErrClosed
	}
	sub, err := c.subscribe(ctx, pattern)
	if err != nil {
		c.logger.Error("Unable to subscribe to channel", err, logging.LogFields{"pattern": pattern})
		return err
	}
	c.subs = append(c.subs, sub)
	c.wg.Add(1)
	go c.run(sub, handler)
	c.logger.Info("Consuming on in-memory store", logging.LogFields{"pattern": pattern})
	return nil
}

func (c *Consumer) run(sub subscription, handler Handler) {
	defer c.wg.Done()
	messages := sub.Messages()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			handler(c.ctx, Message{Pattern: msg.Pattern, Channel: msg.Channel, Body: []byte(msg.Payload)})
		case <-c.ctx.Done():
			return
		}
	}
}

// Subscriptions returns the number of active subscriptions.
func (c *Consumer) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close stops all subscriptions and disconnects.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	c.cancel()
	var err error
	for _, s := range subs {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	c.wg.Wait()
	if c.client != nil {
		if cerr := c.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
