package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/rmqflow/internal/runtime/broker"
	"github.com/drblury/rmqflow/internal/runtime/connection"
	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
	"github.com/drblury/rmqflow/internal/runtime/jsoncodec"
	"github.com/drblury/rmqflow/internal/runtime/logging"
	"github.com/drblury/rmqflow/internal/runtime/metrics"
)

const setupRetryInterval = 200 * time.Millisecond

// ServerOptions configures a Server.
type ServerOptions struct {
	Dialer broker.Dialer
	// Role names the inbound queue "<role>.rpcserver". Usually the service id.
	Role       string
	Identity   string
	Connection connection.Options
	Exchange   string
	Registry   *Registry
	// DeclareExchange declares Exchange before binding the inbound queue.
	DeclareExchange bool
	Logger          logging.ServiceLogger
	Metrics         *metrics.Metrics
	// Clock drives the setup retry interval and reply timestamps. Defaults to
	// Connection.Clock, then the wall clock.
	Clock clock.Clock
}

// Server consumes its inbound queue and answers each request on the
// request's reply destination. Consumption is set up again after every
// reconnect.
type Server struct {
	queue    string
	exchange string
	declare  bool
	registry *Registry
	manager  *connection.Manager
	clock    clock.Clock
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics

	runCtx  context.Context
	cancel  context.CancelFunc
	ready   chan struct{}
	once    sync.Once
	stopped chan struct{}
}

// NewServer builds a Server with its own connection.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Role == "" {
		return nil, errspkg.ErrQueueRequired
	}
	queue := ServerQueue(opts.Role)
	if opts.Identity == "" {
		opts.Identity = queue
	}
	if opts.Exchange == "" {
		opts.Exchange = DefaultExchange
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = opts.Connection.Clock
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	logger := logging.OrNop(opts.Logger).With(logging.LogFields{"component": "rpcserver", "queue": queue})
	if opts.Connection.Logger == nil {
		opts.Connection.Logger = logger
	}
	mgr, err := connection.NewManager(opts.Dialer, opts.Identity, opts.Connection)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		queue:    queue,
		exchange: opts.Exchange,
		declare:  opts.DeclareExchange,
		registry: opts.Registry,
		manager:  mgr,
		clock:    opts.Clock,
		logger:   logger,
		metrics:  opts.Metrics,
		runCtx:   ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Registry returns the dispatch table.
func (s *Server) Registry() *Registry { return s.registry }

// Register adds a method to the dispatch table.
func (s *Server) Register(name string, fn HandlerFunc) error {
	return s.registry.Register(name, fn)
}

// QueueName returns the inbound queue name.
func (s *Server) QueueName() string { return s.queue }

// Manager exposes the server's connection.
func (s *Server) Manager() *connection.Manager { return s.manager }

// Start connects and begins consuming, waiting until the first consumer is
// in place or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := s.manager.Start(); err != nil {
		return err
	}
	s.once.Do(func() { go s.serve() })
	select {
	case <-s.ready:
		return nil
	case <-s.stopped:
		return errspkg.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops consuming and closes the connection.
func (s *Server) Close(ctx context.Context) error {
	s.cancel()
	err := s.manager.Close(ctx)
	s.once.Do(func() { close(s.stopped) })
	select {
	case <-s.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) serve() {
	defer close(s.stopped)
	var signalReady sync.Once
	for {
		lost := make(chan struct{})
		ch, err := s.manager.NewChannel(s.runCtx, func(error) { close(lost) })
		if err != nil {
			if s.runCtx.Err() != nil || errors.Is(err, errspkg.ErrClosed) {
				return
			}
			s.logger.Error("Opening RPC channel failed", err, nil)
			if !s.pause() {
				return
			}
			continue
		}
		if err := s.setup(ch); err != nil {
			s.logger.Error("Setting up RPC consumer failed", err, nil)
			_ = ch.Close()
			if !s.pause() {
				return
			}
			continue
		}
		s.logger.Info("RPC server consuming", logging.LogFields{"methods": s.registry.Methods()})
		signalReady.Do(func() { close(s.ready) })

		select {
		case <-lost:
			if s.runCtx.Err() == nil {
				s.logger.Info("RPC channel closed, setting up again", nil)
			}
		case <-s.runCtx.Done():
			_ = ch.Close()
			return
		}
	}
}

func (s *Server) pause() bool {
	t := s.clock.Timer(setupRetryInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.runCtx.Done():
		return false
	}
}

func (s *Server) setup(ch broker.Channel) error {
	if s.declare {
		if err := ch.DeclareExchange(s.exchange, broker.KindDirect, true); err != nil {
			return err
		}
	}
	if _, err := ch.DeclareQueue(s.queue, broker.QueueOptions{Durable: true}); err != nil {
		return err
	}
	if err := ch.BindQueue(s.queue, s.queue, s.exchange); err != nil {
		return err
	}
	return ch.Consume(s.queue, s.queue, func(d broker.Delivery) { s.handle(ch, d) })
}

func (s *Server) handle(ch broker.Channel, d broker.Delivery) {
	ctx := otel.GetTextMapPropagator().Extract(s.runCtx, headerCarrier(d.Properties.Headers))
	body, status, method := s.Dispatch(ctx, d.Body)
	s.metrics.RPCCall("server", method, status)

	if d.Properties.ReplyTo == "" {
		s.logger.Debug("RPC request without reply destination", logging.LogFields{"method": method, "status": status})
		return
	}
	props := broker.Properties{
		ContentType:   "application/json",
		Type:          MessageType,
		CorrelationID: d.Properties.CorrelationID,
		Timestamp:     s.clock.Now().UTC(),
		Headers:       map[string]any{StatusHeader: status},
	}
	if err := ch.Publish(ctx, s.exchange, d.Properties.ReplyTo, props, body); err != nil {
		s.logger.Error("Sending RPC response failed", err, logging.LogFields{"method": method, "reply_to": d.Properties.ReplyTo})
	}
}

// Dispatch decodes a request body, runs the named handler and returns the
// encoded reply with its status. Failures become error text replies rather
// than errors, so a caller is always answered.
func (s *Server) Dispatch(ctx context.Context, payload []byte) (body []byte, status, method string) {
	var req Request
	if err := jsoncodec.Unmarshal(payload, &req); err != nil || req.Method == "" {
		if err == nil {
			err = errspkg.ErrMethodRequired
		}
		s.logger.Error("Error with JSON decoding of message", err, nil)
		return encodeText(decodeErrorText), StatusDecodeError, ""
	}
	method = req.Method

	ctx, span := otel.Tracer(tracerName).Start(ctx, "rpc.serve "+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.method", method)),
	)
	defer span.End()

	fn, ok := s.registry.Lookup(method)
	if !ok {
		s.logger.Debug("No function called", logging.LogFields{"method": method})
		span.SetStatus(codes.Error, StatusNoSuchMethod)
		return encodeText((&errspkg.NoSuchMethodError{Method: method}).Error()), StatusNoSuchMethod, method
	}

	s.logger.Debug("Calling function", logging.LogFields{"method": method})
	result, err := invoke(ctx, fn, req.Args)
	if err == nil {
		body, err = jsoncodec.Marshal(result)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("RPC handler failed", err, logging.LogFields{"method": method})
		return encodeText((&errspkg.HandlerError{Method: method, Msg: err.Error()}).Error()), StatusHandlerError, method
	}
	return body, StatusOK, method
}

func invoke(ctx context.Context, fn HandlerFunc, args []byte) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if len(args) == 0 {
		args = []byte("null")
	}
	return fn(ctx, args)
}

func encodeText(s string) []byte {
	b, err := jsoncodec.Marshal(s)
	if err != nil {
		return []byte(`""`)
	}
	return b
}
