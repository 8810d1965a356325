package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rmqflow/internal/runtime/broker"
	"github.com/drblury/rmqflow/internal/runtime/connection"
	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
	"github.com/drblury/rmqflow/internal/runtime/logging"
)

var fastConnection = connection.Options{
	OpenRetryBackoff: 10 * time.Millisecond,
	ReconnectBackoff: 10 * time.Millisecond,
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startServer(t *testing.T, b *broker.MemoryBroker, role string) *Server {
	t.Helper()
	srv, err := NewServer(ServerOptions{
		Dialer:          b,
		Role:            role,
		Connection:      fastConnection,
		DeclareExchange: true,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Register("echo", func(_ context.Context, args json.RawMessage) (any, error) {
		return args, nil
	}))
	require.NoError(t, srv.Register("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, srv.Register("panic", func(context.Context, json.RawMessage) (any, error) {
		panic("bad state")
	}))
	require.NoError(t, srv.Start(testCtx(t)))
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	return srv
}

func startClient(t *testing.T, b *broker.MemoryBroker, timeout time.Duration) *Client {
	t.Helper()
	c, err := NewClient(ClientOptions{
		Dialer:          b,
		Connection:      fastConnection,
		Timeout:         timeout,
		DeclareExchange: true,
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(testCtx(t)))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestCallEcho(t *testing.T) {
	b := broker.NewMemoryBroker()
	srv := startServer(t, b, "svc")
	assert.Equal(t, "svc.rpcserver", srv.QueueName())
	c := startClient(t, b, time.Second)

	resp, err := c.Call(testCtx(t), "svc", "echo", map[string]int{"x": 1})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, StatusOK, resp.Status)
	assert.JSONEq(t, `{"x":1}`, string(resp.Body))
	assert.NotEmpty(t, resp.CorrelationID)

	var out map[string]int
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, 1, out["x"])
	assert.Zero(t, c.Pending())
}

func TestCallRequestWireFormat(t *testing.T) {
	b := broker.NewMemoryBroker()
	startServer(t, b, "svc")
	c := startClient(t, b, time.Second)

	_, err := c.Call(testCtx(t), "svc", "echo", []int{1, 2})
	require.NoError(t, err)

	var request, reply *broker.Delivery
	for _, d := range b.Published() {
		d := d
		if d.RoutingKey == "svc.rpcserver" {
			request = &d
		} else {
			reply = &d
		}
	}
	require.NotNil(t, request)
	require.NotNil(t, reply)
	assert.Equal(t, DefaultExchange, request.Exchange)
	assert.Equal(t, MessageType, request.Properties.Type)
	assert.Regexp(t, `^rpcclient\.rpcresponse\.[0-9a-z]{26}$`, request.Properties.ReplyTo)
	assert.JSONEq(t, `{"rpc":"echo","args":[1,2]}`, string(request.Body))

	assert.Equal(t, request.Properties.ReplyTo, reply.RoutingKey)
	assert.Equal(t, request.Properties.CorrelationID, reply.Properties.CorrelationID)
	assert.Equal(t, StatusOK, reply.Properties.Headers[StatusHeader])
	assert.False(t, b.HasQueue(request.Properties.ReplyTo), "reply queue is removed after the call")
}

func TestCallUnknownMethod(t *testing.T) {
	b := broker.NewMemoryBroker()
	startServer(t, b, "svc")
	c := startClient(t, b, time.Second)

	resp, err := c.Call(testCtx(t), "svc", "missing", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNoSuchMethod, resp.Status)
	assert.Equal(t, "No function called: missing", resp.Text())

	var nsm *errspkg.NoSuchMethodError
	require.ErrorAs(t, resp.Err(), &nsm)
	assert.Equal(t, "missing", nsm.Method)
}

func TestCallHandlerFailures(t *testing.T) {
	b := broker.NewMemoryBroker()
	startServer(t, b, "svc")
	c := startClient(t, b, time.Second)

	resp, err := c.Call(testCtx(t), "svc", "fail", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusHandlerError, resp.Status)
	assert.Equal(t, "Error calling fail: boom", resp.Text())

	resp, err = c.Call(testCtx(t), "svc", "panic", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusHandlerError, resp.Status)
	assert.Contains(t, resp.Text(), "bad state")

	var he *errspkg.HandlerError
	require.ErrorAs(t, resp.Err(), &he)
	assert.Equal(t, "panic", he.Method)
}

func TestCallTimesOutWithoutServer(t *testing.T) {
	b := broker.NewMemoryBroker()
	c := startClient(t, b, 50*time.Millisecond)

	_, err := c.Call(testCtx(t), "nobody", "echo", nil)
	var timeout *errspkg.RPCTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "nobody", timeout.Target)
	assert.Equal(t, 50*time.Millisecond, timeout.After)
	assert.Zero(t, c.Pending())
}

func TestCallHonoursCallerContext(t *testing.T) {
	b := broker.NewMemoryBroker()
	c := startClient(t, b, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "nobody", "echo", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var timeout *errspkg.RPCTimeoutError
	assert.False(t, errors.As(err, &timeout))
}

func TestCallValidatesArguments(t *testing.T) {
	c, err := NewClient(ClientOptions{Dialer: broker.NewMemoryBroker()})
	require.NoError(t, err)
	_, err = c.Call(context.Background(), "", "echo", nil)
	assert.ErrorIs(t, err, errspkg.ErrTargetRequired)
	_, err = c.Call(context.Background(), "svc", "", nil)
	assert.ErrorIs(t, err, errspkg.ErrMethodRequired)
}

func TestConcurrentCallsGetTheirOwnReplies(t *testing.T) {
	b := broker.NewMemoryBroker()
	startServer(t, b, "svc")
	c := startClient(t, b, 2*time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Call(testCtx(t), "svc", "echo", i)
			if err != nil {
				errs <- err
				return
			}
			if got := resp.Text(); got != fmt.Sprint(i) {
				errs <- fmt.Errorf("call %d got %s", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServerConsumesAgainAfterReconnect(t *testing.T) {
	b := broker.NewMemoryBroker()
	startServer(t, b, "svc")
	c := startClient(t, b, time.Second)

	b.Disconnect()

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		resp, err := c.Call(ctx, "svc", "echo", "again")
		return err == nil && resp.Text() == "again"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDispatchDecodeErrors(t *testing.T) {
	srv, err := NewServer(ServerOptions{Dialer: broker.NewMemoryBroker(), Role: "svc"})
	require.NoError(t, err)

	body, status, method := srv.Dispatch(context.Background(), []byte("{not json"))
	assert.Equal(t, StatusDecodeError, status)
	assert.Empty(t, method)
	assert.JSONEq(t, `"JSON decode error"`, string(body))

	_, status, _ = srv.Dispatch(context.Background(), []byte(`{"args":1}`))
	assert.Equal(t, StatusDecodeError, status)
}

func TestDispatchDefaultsMissingArgsToNull(t *testing.T) {
	srv, err := NewServer(ServerOptions{Dialer: broker.NewMemoryBroker(), Role: "svc"})
	require.NoError(t, err)
	var seen string
	require.NoError(t, srv.Register("peek", func(_ context.Context, args json.RawMessage) (any, error) {
		seen = string(args)
		return "pong", nil
	}))

	body, status, method := srv.Dispatch(context.Background(), []byte(`{"rpc":"peek"}`))
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "peek", method)
	assert.Equal(t, "null", seen)
	assert.JSONEq(t, `"pong"`, string(body))
}

func TestServerReplyWithoutDestinationIsDropped(t *testing.T) {
	b := broker.NewMemoryBroker()
	startServer(t, b, "svc")

	pub, err := b.Dial(testCtx(t), "raw")
	require.NoError(t, err)
	ch, err := pub.Channel()
	require.NoError(t, err)
	require.NoError(t, ch.Publish(testCtx(t), DefaultExchange, "svc.rpcserver", broker.Properties{}, []byte(`{"rpc":"echo","args":1}`)))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, b.Published(), 1)
}

func TestNewServerRequiresRole(t *testing.T) {
	_, err := NewServer(ServerOptions{Dialer: broker.NewMemoryBroker()})
	assert.ErrorIs(t, err, errspkg.ErrQueueRequired)
}

func TestCallDeadlineHonouredDuringOutage(t *testing.T) {
	b := broker.NewMemoryBroker()
	c := startClient(t, b, 3*time.Second)
	b.FailDials(1000, nil)
	b.Disconnect()

	long := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := c.Call(ctx, "svc", "echo", nil)
		long <- err
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := c.Call(ctx, "svc", "echo", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(started), time.Second)

	require.NoError(t, c.Close(testCtx(t)))
	assert.Error(t, <-long)
}

func TestCloseDoesNotWaitForCallInFlight(t *testing.T) {
	b := broker.NewMemoryBroker()
	c := startClient(t, b, 3*time.Second)
	b.FailDials(1000, nil)
	b.Disconnect()

	inFlight := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "svc", "echo", nil)
		inFlight <- err
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	started := time.Now()
	require.NoError(t, c.Close(ctx))
	assert.Less(t, time.Since(started), 400*time.Millisecond)

	select {
	case err := <-inFlight:
		assert.ErrorIs(t, err, errspkg.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("call kept waiting after Close")
	}
}

type errorLog struct {
	mu   sync.Mutex
	msgs []string
}

func (l *errorLog) With(logging.LogFields) logging.ServiceLogger { return l }
func (l *errorLog) Debug(string, logging.LogFields)              {}
func (l *errorLog) Info(string, logging.LogFields)               {}
func (l *errorLog) Trace(string, logging.LogFields)              {}

func (l *errorLog) Error(msg string, _ error, _ logging.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *errorLog) count(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.msgs {
		if m == msg {
			n++
		}
	}
	return n
}

func TestServerSetupRetryFollowsClock(t *testing.T) {
	b := broker.NewMemoryBroker()
	session, err := b.Dial(testCtx(t), "other")
	require.NoError(t, err)
	ch, err := session.Channel()
	require.NoError(t, err)
	// A topic exchange under the server's exchange name makes every setup fail.
	require.NoError(t, ch.DeclareExchange("rpc.test", broker.KindTopic, true))

	mock := clock.NewMock()
	log := &errorLog{}
	srv, err := NewServer(ServerOptions{
		Dialer:          b,
		Role:            "svc",
		Exchange:        "rpc.test",
		DeclareExchange: true,
		Connection:      fastConnection,
		Clock:           mock,
		Logger:          log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, srv.Start(ctx), context.DeadlineExceeded)

	const failed = "Setting up RPC consumer failed"
	require.Eventually(t, func() bool { return log.count(failed) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, log.count(failed))

	mock.Add(setupRetryInterval)
	require.Eventually(t, func() bool { return log.count(failed) == 2 }, time.Second, 5*time.Millisecond)
}
