package rpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/rmqflow/internal/runtime/broker"
	"github.com/drblury/rmqflow/internal/runtime/connection"
	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
	"github.com/drblury/rmqflow/internal/runtime/ids"
	"github.com/drblury/rmqflow/internal/runtime/jsoncodec"
	"github.com/drblury/rmqflow/internal/runtime/logging"
	"github.com/drblury/rmqflow/internal/runtime/metrics"
)

const (
	DefaultExchange      = "rmq.direct"
	DefaultClientName    = "rpcclient"
	DefaultClientTimeout = 30 * time.Second

	tracerName = "github.com/drblury/rmqflow/rpc"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	Dialer     broker.Dialer
	Identity   string
	Connection connection.Options
	Exchange   string
	// Timeout bounds every call on top of the caller's context.
	Timeout         time.Duration
	DeclareExchange bool
	Logger          logging.ServiceLogger
	Metrics         *metrics.Metrics
}

// Client issues RPC calls. Concurrent calls are safe: every call owns its
// reply queue and the pending map routes each reply to its caller.
type Client struct {
	identity string
	exchange string
	timeout  time.Duration
	manager  *connection.Manager
	channels *connection.SharedChannel
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending map[string]chan broker.Delivery
}

// NewClient builds a Client with its own connection.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Identity == "" {
		opts.Identity = DefaultClientName
	}
	if opts.Exchange == "" {
		opts.Exchange = DefaultExchange
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultClientTimeout
	}
	logger := logging.OrNop(opts.Logger).With(logging.LogFields{"component": "rpcclient"})
	if opts.Connection.Logger == nil {
		opts.Connection.Logger = logger
	}
	mgr, err := connection.NewManager(opts.Dialer, opts.Identity, opts.Connection)
	if err != nil {
		return nil, err
	}
	var setup func(broker.Channel) error
	if opts.DeclareExchange {
		exchange := opts.Exchange
		setup = func(ch broker.Channel) error {
			return ch.DeclareExchange(exchange, broker.KindDirect, true)
		}
	}
	return &Client{
		identity: opts.Identity,
		exchange: opts.Exchange,
		timeout:  opts.Timeout,
		manager:  mgr,
		channels: connection.NewSharedChannel(mgr, setup),
		logger:   logger,
		metrics:  opts.Metrics,
		pending:  make(map[string]chan broker.Delivery),
	}, nil
}

// Start connects, waiting until ctx is done.
func (c *Client) Start(ctx context.Context) error {
	_, err := c.manager.Open(ctx)
	return err
}

// Close closes the connection. Outstanding calls fail through their context.
func (c *Client) Close(ctx context.Context) error {
	_ = c.channels.Close()
	return c.manager.Close(ctx)
}

// Manager exposes the client's connection.
func (c *Client) Manager() *connection.Manager { return c.manager }

// Call invokes method on target's server with args (any JSON-encodable value,
// nil for none) and waits for the reply, for at most the client timeout. The
// returned Response may still carry a method-level failure; see Response.Err.
func (c *Client) Call(ctx context.Context, target, method string, args any) (Response, error) {
	if target == "" {
		return Response{}, errspkg.ErrTargetRequired
	}
	if method == "" {
		return Response{}, errspkg.ErrMethodRequired
	}
	started := time.Now()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "rpc.call "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "amqp"),
			attribute.String("rpc.service", target),
			attribute.String("rpc.method", method),
		),
	)
	defer span.End()

	resp, err := c.call(ctx, target, method, args)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		var timeout *errspkg.RPCTimeoutError
		if errors.As(err, &timeout) {
			outcome = "timeout"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case resp.Status != "" && resp.Status != StatusOK:
		outcome = resp.Status
		span.SetStatus(codes.Error, resp.Status)
	}
	c.metrics.RPCCall("client", method, outcome)
	c.metrics.ObserveRPC(target, method, time.Since(started))
	return resp, err
}

func (c *Client) call(ctx context.Context, target, method string, args any) (Response, error) {
	argBody, err := jsoncodec.Marshal(args)
	if err != nil {
		return Response{}, err
	}
	body, err := jsoncodec.Marshal(Request{Method: method, Args: argBody})
	if err != nil {
		return Response{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply := ids.ReplyDestination(c.identity)
	correlationID := ids.CreateULID()
	replies := make(chan broker.Delivery, 1)
	c.mu.Lock()
	c.pending[reply] = replies
	c.mu.Unlock()
	defer c.forget(reply)

	headers := headerCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, headers)
	props := broker.Properties{
		ContentType:   "application/json",
		Type:          MessageType,
		ReplyTo:       reply,
		CorrelationID: correlationID,
		AppID:         c.identity,
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
	}

	log := c.logger.With(logging.LogFields{"target": target, "method": method, "reply_to": reply})
	log.Debug("Starting RPC call", nil)

	ch, err := c.send(callCtx, reply, ServerQueue(target), props, body)
	if err != nil {
		return Response{}, c.waitError(ctx, callCtx, target, method, err)
	}
	defer func() {
		if err := ch.DeleteQueue(reply); err != nil && !errspkg.IsTransportError(err) {
			log.Error("Removing reply queue failed", err, nil)
		}
	}()

	log.Debug("Awaiting RPC response", nil)
	select {
	case d := <-replies:
		status, _ := d.Properties.Headers[StatusHeader].(string)
		log.Debug("Received RPC response", logging.LogFields{"status": status})
		return Response{
			Method:        method,
			Status:        status,
			CorrelationID: d.Properties.CorrelationID,
			Body:          d.Body,
		}, nil
	case <-callCtx.Done():
		return Response{}, c.waitError(ctx, callCtx, target, method, callCtx.Err())
	}
}

// send declares and consumes the reply queue, then publishes the request,
// starting over on a fresh channel after a transport failure.
func (c *Client) send(ctx context.Context, reply, routingKey string, props broker.Properties, body []byte) (broker.Channel, error) {
	for {
		ch, err := c.channels.Get(ctx)
		if err != nil {
			return nil, err
		}
		err = c.prepareReply(ch, reply)
		if err == nil {
			err = ch.Publish(ctx, c.exchange, routingKey, props, body)
		}
		if err == nil {
			return ch, nil
		}
		if !errspkg.IsTransportError(err) {
			return nil, err
		}
		c.logger.Error("RPC channel failed, retrying on a fresh one", err, nil)
		c.channels.Invalidate(ch)
	}
}

func (c *Client) prepareReply(ch broker.Channel, reply string) error {
	if _, err := ch.DeclareQueue(reply, broker.QueueOptions{Exclusive: true, AutoDelete: true}); err != nil {
		return err
	}
	if err := ch.BindQueue(reply, reply, c.exchange); err != nil {
		return err
	}
	return ch.Consume(reply, reply, c.resolve)
}

// resolve hands a reply to the call waiting on the queue it arrived at.
func (c *Client) resolve(d broker.Delivery) {
	c.mu.Lock()
	replies, ok := c.pending[d.RoutingKey]
	if ok {
		delete(c.pending, d.RoutingKey)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Discarding RPC response without a pending call", logging.LogFields{"reply_to": d.RoutingKey})
		return
	}
	replies <- d
}

func (c *Client) forget(reply string) {
	c.mu.Lock()
	delete(c.pending, reply)
	c.mu.Unlock()
}

// Pending returns the number of calls awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// waitError distinguishes the client timeout from the caller giving up.
func (c *Client) waitError(parent, callCtx context.Context, target, method string, err error) error {
	if parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &errspkg.RPCTimeoutError{Target: target, Method: method, After: c.timeout}
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	return err
}
