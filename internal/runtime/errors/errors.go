package errors

import (
	sterrors "errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrConfigRequired   = sterrors.New("rmqflow: configuration is required")
	ErrManagerRequired  = sterrors.New("rmqflow: connection manager is required")
	ErrDialerRequired   = sterrors.New("rmqflow: broker dialer is required")
	ErrClosed           = sterrors.New("rmqflow: connection manager is closed")
	ErrQueueClosed      = sterrors.New("rmqflow: dispatch queue is closed")
	ErrNotStarted       = sterrors.New("rmqflow: component has not been started")
	ErrMethodRequired   = sterrors.New("rmqflow: rpc method name is required")
	ErrHandlerRequired  = sterrors.New("rmqflow: rpc handler function is required")
	ErrDuplicateMethod  = sterrors.New("rmqflow: rpc method already registered")
	ErrTargetRequired   = sterrors.New("rmqflow: rpc target service is required")
	ErrQueueRequired    = sterrors.New("rmqflow: queue name is required")
	ErrExchangeRequired = sterrors.New("rmqflow: exchange name is required")
	ErrPublishNacked    = sterrors.New("rmqflow: publish was not confirmed by the broker")
)

// ConnectError reports a failed attempt to open a broker session. The
// connection manager retries these internally; they only reach callers
// through logs and the Open context deadline.
type ConnectError struct {
	Identity string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("rmqflow: connect %q: %v", e.Identity, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportClosedError marks an operation that failed because the channel or
// session underneath it went away. Publish workers react by swapping channels
// and retrying the same envelope.
type TransportClosedError struct {
	Op  string
	Err error
}

func (e *TransportClosedError) Error() string {
	if e.Err == nil {
		return "rmqflow: transport closed during " + e.Op
	}
	return fmt.Sprintf("rmqflow: transport closed during %s: %v", e.Op, e.Err)
}

func (e *TransportClosedError) Unwrap() error { return e.Err }

// DecodeError wraps a malformed inbound payload.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("rmqflow: decode %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NoSuchMethodError is returned for RPC requests naming an unregistered method.
type NoSuchMethodError struct {
	Method string
}

func (e *NoSuchMethodError) Error() string {
	return "No function called: " + e.Method
}

// HandlerError wraps an error returned by a registered RPC handler.
type HandlerError struct {
	Method string
	Msg    string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("Error calling %s: %s", e.Method, e.Msg)
}

// RPCTimeoutError is returned when no response arrives within the call timeout.
type RPCTimeoutError struct {
	Target string
	Method string
	After  time.Duration
}

func (e *RPCTimeoutError) Error() string {
	return fmt.Sprintf("rmqflow: rpc %s.%s timed out after %s", e.Target, e.Method, e.After)
}

// Timeout lets callers treat the error like a net.Error.
func (e *RPCTimeoutError) Timeout() bool { return true }

// IsTransportError reports whether err means the channel used for an
// operation is no longer usable and a fresh one should be requested.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var closed *TransportClosedError
	if sterrors.As(err, &closed) {
		return true
	}
	if sterrors.Is(err, amqp.ErrClosed) || sterrors.Is(err, ErrPublishNacked) {
		return true
	}
	var amqpErr *amqp.Error
	return sterrors.As(err, &amqpErr)
}
