package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/rmqflow/internal/runtime/broker"
	configpkg "github.com/drblury/rmqflow/internal/runtime/config"
	"github.com/drblury/rmqflow/internal/runtime/connection"
	"github.com/drblury/rmqflow/internal/runtime/consumer"
	"github.com/drblury/rmqflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
	"github.com/drblury/rmqflow/internal/runtime/inmem"
	loggingpkg "github.com/drblury/rmqflow/internal/runtime/logging"
	"github.com/drblury/rmqflow/internal/runtime/metrics"
	"github.com/drblury/rmqflow/internal/runtime/producer"
	"github.com/drblury/rmqflow/internal/runtime/rpc"
	"github.com/drblury/rmqflow/internal/runtime/timeseries"
)

// Connection identities, sent to the broker as connection names.
const (
	IdentityLogger    = "rmqlogger"
	IdentityTelemetry = "rmqtelemetry"
	IdentityProducer  = "producer"
	IdentityRPCClient = rpc.DefaultClientName
)

// ClientDependencies holds the optional collaborators of a Client. Leave
// fields nil for the defaults.
type ClientDependencies struct {
	// Dialer replaces the AMQP dialer built from the configuration.
	Dialer broker.Dialer
	// Registerer receives the client's Prometheus collectors.
	Registerer  prometheus.Registerer
	Registrants []rpc.Registrant
	Clock       clock.Clock
	// ProduceRoutingKey overrides "<ns>.<service>" for the generic producer.
	ProduceRoutingKey string
	// EnableInmem and EnableTimeseries connect the store clients on Start.
	EnableInmem      bool
	EnableTimeseries bool
}

// Client owns every component of one service: the broker logger, the
// telemetry and generic producers, the RPC client and server and the
// optional consumer and store clients. Each broker component has its own
// connection.
type Client struct {
	Conf   configpkg.Config
	Logger loggingpkg.ServiceLogger

	Log       *producer.Logger
	Telemetry *producer.Telemetry
	Producer  *producer.Producer
	RPC       *rpc.Client
	Server    *rpc.Server
	Consumer  *consumer.Consumer
	Metrics   *metrics.Metrics

	InmemProducer *inmem.Producer
	InmemConsumer *inmem.Consumer
	Series        *timeseries.Writer

	deps ClientDependencies

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	serving sync.WaitGroup
}

// NewClient validates conf and builds every component without connecting.
func NewClient(conf configpkg.Config, log loggingpkg.ServiceLogger, deps ClientDependencies) (*Client, error) {
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	log = loggingpkg.OrNop(log)
	log.Info("Creating messaging client", loggingpkg.LogFields{"config": conf.String()})

	dialer := deps.Dialer
	if dialer == nil {
		dialer = broker.NewAMQPDialer(broker.AMQPConfig{
			URL:         conf.AMQPURL(),
			Heartbeat:   conf.Heartbeat,
			DialTimeout: conf.DialTimeout,
			Confirms:    conf.PublisherConfirms,
		})
	}
	m := metrics.New(deps.Registerer)
	connOpts := connection.Options{
		OpenRetryBackoff: conf.OpenRetryBackoff,
		ReconnectBackoff: conf.ReconnectBackoff,
		Clock:            deps.Clock,
		OnStateChange: func(identity string, from, to connection.State) {
			m.ConnectionState(identity, int(from), int(to))
		},
	}
	builder := envelope.Builder{Clock: deps.Clock, Namespace: conf.Namespace, ServiceID: conf.ServiceID}
	opts := func(identity, exchange string, size int) producer.Options {
		return producer.Options{
			Dialer:          dialer,
			Identity:        identity,
			Connection:      connOpts,
			Builder:         builder,
			Exchange:        exchange,
			DeclareExchange: conf.DeclareTopology,
			QueueSize:       configpkg.QueueCapacity(size),
			RetryBackoff:    conf.PublishRetryBackoff,
			CloseGrace:      conf.CloseGrace,
			AppID:           conf.ServiceID,
			Clock:           deps.Clock,
			Logger:          log,
			Metrics:         m,
		}
	}

	c := &Client{Conf: conf, Logger: log, Metrics: m, deps: deps}
	var err error
	if c.Log, err = producer.NewLogger(opts(IdentityLogger, conf.LogExchange, conf.LogQueueSize)); err != nil {
		return nil, err
	}
	if c.Telemetry, err = producer.NewTelemetry(opts(IdentityTelemetry, conf.TelemetryExchange, conf.TelemetryQueueSize)); err != nil {
		return nil, err
	}
	if c.Producer, err = producer.NewProducer(opts(IdentityProducer, conf.SequencerExchange, conf.ProduceQueueSize), deps.ProduceRoutingKey); err != nil {
		return nil, err
	}
	if c.RPC, err = rpc.NewClient(rpc.ClientOptions{
		Dialer:          dialer,
		Identity:        IdentityRPCClient,
		Connection:      connOpts,
		Exchange:        conf.DirectExchange,
		Timeout:         conf.RPCTimeout,
		DeclareExchange: conf.DeclareTopology,
		Logger:          log,
		Metrics:         m,
	}); err != nil {
		return nil, err
	}

	registry := rpc.NewRegistry()
	if err := registry.RegisterAll(deps.Registrants...); err != nil {
		return nil, err
	}
	if c.Server, err = rpc.NewServer(rpc.ServerOptions{
		Dialer:          dialer,
		Role:            conf.ServiceID,
		Connection:      connOpts,
		Exchange:        conf.DirectExchange,
		Registry:        registry,
		DeclareExchange: conf.DeclareTopology,
		Logger:          log,
		Metrics:         m,
		Clock:           deps.Clock,
	}); err != nil {
		return nil, err
	}
	if c.Consumer, err = consumer.New(consumer.Options{
		URL:        conf.AMQPURL(),
		ServiceID:  conf.ServiceID,
		Heartbeat:  conf.Heartbeat,
		Logger:     log,
		Registerer: deps.Registerer,
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// SlogHandler returns a slog.Handler that forwards records at or above level
// to the broker log stream.
func (c *Client) SlogHandler(level slog.Leveler) slog.Handler {
	return loggingpkg.NewBrokerHandler(c.Log, level)
}

// Start registers metrics, connects every broker component in parallel and,
// when enabled, the store clients. It returns once all are ready or ctx is
// done.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errspkg.ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.Metrics.Register(); err != nil {
		return err
	}
	if c.Conf.MetricsPort > 0 {
		c.serving.Add(1)
		go func() {
			defer c.serving.Done()
			_ = metrics.Serve(runCtx, c.Conf.MetricsPort, c.Logger)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Log.Start(gctx) })
	g.Go(func() error { return c.Telemetry.Start(gctx) })
	g.Go(func() error { return c.Producer.Start(gctx) })
	g.Go(func() error { return c.RPC.Start(gctx) })
	g.Go(func() error { return c.Server.Start(gctx) })
	if c.deps.EnableInmem {
		g.Go(func() error { return c.startInmem(gctx) })
	}
	if c.deps.EnableTimeseries {
		g.Go(func() error { return c.startTimeseries(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.Logger.Info("Messaging client started", loggingpkg.LogFields{"service": c.Conf.ServiceID})
	return nil
}

func (c *Client) inmemOptions() inmem.Options {
	return inmem.Options{
		Addrs:       c.Conf.RedisAddrs,
		Username:    c.Conf.RedisUsername,
		Password:    c.Conf.RedisPassword,
		Cluster:     c.Conf.RedisCluster,
		DialTimeout: c.Conf.DialTimeout,
	}
}

func (c *Client) startInmem(ctx context.Context) error {
	p, err := inmem.NewProducer(ctx, inmem.ProducerOptions{
		Options: c.inmemOptions(),
		Source:  c.Conf.ServiceID,
		Clock:   c.deps.Clock,
		Logger:  c.Logger,
	})
	if err != nil {
		return err
	}
	cons, err := inmem.NewConsumer(ctx, c.inmemOptions(), c.Logger)
	if err != nil {
		_ = p.Close()
		return err
	}
	c.mu.Lock()
	c.InmemProducer, c.InmemConsumer = p, cons
	c.mu.Unlock()
	return nil
}

func (c *Client) startTimeseries(ctx context.Context) error {
	w, err := timeseries.NewWriter(timeseries.Options{
		URL:         c.Conf.InfluxURL,
		Token:       c.Conf.InfluxToken,
		Username:    c.Conf.InfluxUsername,
		Password:    c.Conf.InfluxPassword,
		Org:         c.Conf.InfluxOrg,
		Bucket:      c.Conf.InfluxBucket,
		Measurement: c.Conf.InfluxMeasurement,
		Tags:        c.Conf.InfluxTags,
		Clock:       c.deps.Clock,
		Logger:      c.Logger,
	})
	if err != nil {
		return err
	}
	if err := w.Ping(ctx); err != nil {
		w.Close()
		return err
	}
	c.mu.Lock()
	c.Series = w
	c.mu.Unlock()
	return nil
}

// Stop drains the three producer queues concurrently, bounded by the drain
// timeout, then closes every connection. The returned error joins every
// failure; an undrained queue is the one a caller normally sees.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	drainCtx, drainCancel := context.WithTimeout(ctx, c.Conf.DrainTimeout)
	defer drainCancel()

	var (
		errsMu sync.Mutex
		errs   []error
	)
	collect := func(err error) {
		if err != nil {
			errsMu.Lock()
			errs = append(errs, err)
			errsMu.Unlock()
		}
	}
	var g errgroup.Group
	g.Go(func() error { collect(c.Log.Stop(drainCtx)); return nil })
	g.Go(func() error { collect(c.Telemetry.Stop(drainCtx)); return nil })
	g.Go(func() error { collect(c.Producer.Stop(drainCtx)); return nil })
	g.Go(func() error { collect(c.RPC.Close(drainCtx)); return nil })
	g.Go(func() error { collect(c.Server.Close(drainCtx)); return nil })
	_ = g.Wait()

	collect(c.Consumer.Close())
	c.mu.Lock()
	if c.InmemProducer != nil {
		collect(c.InmemProducer.Close())
	}
	if c.InmemConsumer != nil {
		collect(c.InmemConsumer.Close())
	}
	if c.Series != nil {
		c.Series.Close()
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.serving.Wait()

	err := errors.Join(errs...)
	if err != nil {
		c.Logger.Error("Messaging client stopped with errors", err, nil)
	} else {
		c.Logger.Info("Messaging client stopped", nil)
	}
	return err
}
