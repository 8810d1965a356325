// Package producer implements the fire-and-forget publishers: broker logging,
// telemetry and generic messages. Each owns a connection, a dispatch queue
// and one publish worker.
package producer

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drblury/rmqflow/internal/runtime/broker"
	"github.com/drblury/rmqflow/internal/runtime/connection"
	"github.com/drblury/rmqflow/internal/runtime/dispatch"
	"github.com/drblury/rmqflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
	"github.com/drblury/rmqflow/internal/runtime/logging"
	"github.com/drblury/rmqflow/internal/runtime/metrics"
)

// ContentType is set on every published body.
const ContentType = "application/json"

// DefaultCloseGrace is waited between draining and closing the connection.
const DefaultCloseGrace = 500 * time.Millisecond

// Options is shared by every producer.
type Options struct {
	Dialer     broker.Dialer
	Identity   string
	Connection connection.Options

	Builder      envelope.Builder
	Exchange     string
	ExchangeKind string
	// DeclareExchange declares Exchange on every new channel.
	DeclareExchange bool
	// QueueSize bounds the dispatch queue; 0 is unbounded.
	QueueSize    int
	RetryBackoff time.Duration
	CloseGrace   time.Duration
	AppID        string

	Clock   clock.Clock
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
}

type base struct {
	name     string
	exchange string
	appID    string
	grace    time.Duration
	clock    clock.Clock
	builder  envelope.Builder

	manager  *connection.Manager
	channels *connection.SharedChannel
	queue    *dispatch.Queue[envelope.Envelope]
	worker   *dispatch.Worker
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics
}

func newBase(name string, queue *dispatch.Queue[envelope.Envelope], opts Options) (*base, error) {
	if opts.Exchange == "" {
		return nil, errspkg.ErrExchangeRequired
	}
	if opts.ExchangeKind == "" {
		opts.ExchangeKind = broker.KindTopic
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = DefaultCloseGrace
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	if opts.Builder.Clock == nil {
		opts.Builder.Clock = clk
	}
	logger := logging.OrNop(opts.Logger).With(logging.LogFields{"producer": name})
	if opts.Connection.Logger == nil {
		opts.Connection.Logger = logger
	}
	if opts.Connection.Clock == nil {
		opts.Connection.Clock = clk
	}
	mgr, err := connection.NewManager(opts.Dialer, opts.Identity, opts.Connection)
	if err != nil {
		return nil, err
	}

	b := &base{
		name:     name,
		exchange: opts.Exchange,
		appID:    opts.AppID,
		grace:    opts.CloseGrace,
		clock:    clk,
		builder:  opts.Builder,
		manager:  mgr,
		queue:    queue,
		logger:   logger,
		metrics:  opts.Metrics,
	}
	var setup func(broker.Channel) error
	if opts.DeclareExchange {
		kind := opts.ExchangeKind
		setup = func(ch broker.Channel) error {
			return ch.DeclareExchange(opts.Exchange, kind, true)
		}
	}
	b.channels = connection.NewSharedChannel(mgr, setup)
	b.worker = dispatch.NewWorker(queue, b.channels, b.publish, dispatch.WorkerOptions{
		Name:         name,
		RetryBackoff: opts.RetryBackoff,
		Clock:        clk,
		Logger:       logger,
		Metrics:      opts.Metrics,
	})
	return b, nil
}

// Start connects and starts the publish worker, waiting for the first
// session until ctx is done. Envelopes may be enqueued before Start.
func (b *base) Start(ctx context.Context) error {
	if err := b.manager.Start(); err != nil {
		return err
	}
	b.worker.Run()
	_, err := b.manager.CurrentSession(ctx)
	return err
}

// Stop drains the queue, waits the close grace and closes the connection.
// The error is non-nil only when envelopes were left unpublished or the
// connection did not close in time.
func (b *base) Stop(ctx context.Context) error {
	b.logger.Info("Disconnecting producer", nil)
	drainErr := b.worker.Stop(ctx)
	if drainErr == nil {
		t := b.clock.Timer(b.grace)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	_ = b.channels.Close()
	closeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(context.Background(), time.Second)
		defer cancel()
	}
	return errors.Join(drainErr, b.manager.Close(closeCtx))
}

// Manager exposes the producer's connection.
func (b *base) Manager() *connection.Manager { return b.manager }

// Pending returns the number of envelopes waiting to be published.
func (b *base) Pending() int { return b.queue.Len() }

func (b *base) enqueue(ctx context.Context, env envelope.Envelope) error {
	if err := b.queue.Push(ctx, env); err != nil {
		return err
	}
	b.metrics.Enqueued(b.name)
	b.metrics.SetQueueDepth(b.name, b.queue.Len())
	return nil
}

// enqueueNoWait is used by the fire-and-forget entry points. An envelope
// offered after Stop is counted and discarded.
func (b *base) enqueueNoWait(env envelope.Envelope) {
	if err := b.enqueue(context.Background(), env); err != nil {
		b.metrics.Dropped(b.name, 1)
		b.logger.Debug("Discarding envelope after shutdown", logging.LogFields{"routing_key": env.RoutingKey})
	}
}

func (b *base) publish(ctx context.Context, ch broker.Channel, env envelope.Envelope, body []byte) error {
	props := broker.Properties{
		ContentType:  ContentType,
		DeliveryMode: broker.Persistent,
		Priority:     uint8(env.Priority),
		AppID:        b.appID,
		Timestamp:    env.Timestamp,
	}
	return ch.Publish(ctx, b.exchange, env.RoutingKey, props, body)
}
