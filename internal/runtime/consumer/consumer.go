// Package consumer subscribes service code to broker queues. Each
// subscription declares one queue, binds it to an exchange under any number
// of binding keys and hands every message to a handler through a watermill
// router.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
	"github.com/drblury/rmqflow/internal/runtime/logging"
)

// DefaultIdentity is the connection name used by consumers.
const DefaultIdentity = "rmqconsumer"

var servicePrefix = regexp.MustCompile(`^[A-Z]{3}`)

// Subscription describes one consuming queue.
type Subscription struct {
	Exchange string
	// ExchangeKind defaults to topic.
	ExchangeKind string
	BindingKeys  []string
	Queue        string
	Durable      bool
	Arguments    map[string]any
}

// Delivery is a message handed to a Handler. RoutingKey is the key the
// message was published with, not the binding that matched it.
type Delivery struct {
	Queue      string
	Exchange   string
	RoutingKey string
	UUID       string
	Body       []byte
	Metadata   map[string]string
}

// Handler processes one delivery. Returned errors are logged and the
// message is dropped; deliveries are never redelivered.
type Handler func(ctx context.Context, d Delivery) error

// Options configures a Consumer.
type Options struct {
	URL       string
	Identity  string
	ServiceID string
	Heartbeat time.Duration
	Logger    logging.ServiceLogger
	// Registerer enables watermill router metrics when set.
	Registerer prometheus.Registerer
}

// Consumer owns a watermill router shared by all its subscriptions.
type Consumer struct {
	opts     Options
	logger   logging.ServiceLogger
	wmLogger watermill.LoggerAdapter
	router   *message.Router

	mu          sync.Mutex
	running     bool
	closed      bool
	runCtx      context.Context
	cancel      context.CancelFunc
	runErr      chan error
	subscribers []message.Subscriber
	queues      map[string]struct{}
}

// New builds a Consumer. No connection is made until the first Consume.
func New(opts Options) (*Consumer, error) {
	if opts.Identity == "" {
		opts.Identity = DefaultIdentity
	}
	logger := logging.OrNop(opts.Logger).With(logging.LogFields{"component": "consumer"})
	wmLogger := logging.NewWatermillAdapter(logger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, wmLogger)
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		opts:     opts,
		logger:   logger,
		wmLogger: wmLogger,
		router:   router,
		runErr:   make(chan error, 1),
		queues:   make(map[string]struct{}),
	}
	router.AddMiddleware(tracerMiddleware(), c.dropFailures, middleware.Recoverer)
	if opts.Registerer != nil {
		metrics.NewPrometheusMetricsBuilder(opts.Registerer, "rmqflow", "consumer").AddPrometheusRouterMetrics(router)
	}
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// QueueName applies the service prefix rule: names that do not start with a
// three-letter upper case service id get "<service>." prepended.
func QueueName(serviceID, queue string) string {
	if serviceID == "" || servicePrefix.MatchString(queue) {
		return queue
	}
	return serviceID + "." + queue
}

// Consume declares the subscription's queue, binds it under every binding
// key and delivers its messages to handler one at a time, in queue order.
// Several subscriptions may share one Consumer.
func (c *Consumer) Consume(ctx context.Context, sub Subscription, handler Handler) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if sub.Queue == "" {
		return errspkg.ErrQueueRequired
	}
	if len(sub.BindingKeys) == 0 {
		sub.BindingKeys = []string{sub.Queue}
	}
	queue := QueueName(c.opts.ServiceID, sub.Queue)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errspkg.ErrClosed
	}
	if _, exists := c.queues[queue]; exists {
		return fmt.Errorf("rmqflow: queue %q is already consumed", queue)
	}

	subscriber, err := SubscriberFactory(subscriberConfig(c.opts, sub, queue), c.wmLogger)
	if err != nil {
		return err
	}
	keys := append([]string(nil), sub.BindingKeys...)
	sort.Strings(keys)

	// One handler per queue: the subscriber binds every key up front and
	// consumes once, so deliveries arrive in queue order.
	if init, ok := subscriber.(message.SubscribeInitializer); ok {
		for _, key := range keys {
			if err := init.SubscribeInitialize(key); err != nil {
				_ = subscriber.Close()
				return fmt.Errorf("rmqflow: binding %q with %q: %w", queue, key, err)
			}
		}
	}
	c.subscribers = append(c.subscribers, subscriber)
	c.queues[queue] = struct{}{}
	c.router.AddNoPublisherHandler(queue, keys[0], subscriber, c.wrap(queue, handler))
	c.logger.Info("Consuming", logging.LogFields{"queue": queue, "exchange": sub.Exchange, "binding_keys": keys})

	if c.running {
		return c.router.RunHandlers(c.runCtx)
	}
	c.running = true
	go func() { c.runErr <- c.router.Run(c.runCtx) }()
	select {
	case <-c.router.Running():
		return nil
	case err := <-c.runErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queues lists the consumed queue names.
func (c *Consumer) Queues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.queues))
	for q := range c.queues {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Close stops every subscription.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subscribers := c.subscribers
	c.mu.Unlock()

	c.cancel()
	err := c.router.Close()
	for _, s := range subscribers {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (c *Consumer) wrap(queue string, handler Handler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		key := msg.Metadata.Get(RoutingKeyMetadata)
		if key == "" {
			key = message.SubscribeTopicFromCtx(msg.Context())
		}
		return handler(msg.Context(), Delivery{
			Queue:      queue,
			Exchange:   msg.Metadata.Get(ExchangeMetadata),
			RoutingKey: key,
			UUID:       msg.UUID,
			Body:       msg.Payload,
			Metadata:   msg.Metadata,
		})
	}
}

// dropFailures acknowledges every message; failed ones are logged instead of
// being redelivered.
func (c *Consumer) dropFailures(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err != nil {
			fields := logging.LogFields{
				"message_uuid": msg.UUID,
				"handler":      message.HandlerNameFromCtx(msg.Context()),
			}
			var recovered middleware.RecoveredPanicError
			if errors.As(err, &recovered) {
				fields["panic"] = fmt.Sprint(recovered.V)
			}
			c.logger.Error("Dropping message after handler failure", err, fields)
			return nil, nil
		}
		return out, nil
	}
}
