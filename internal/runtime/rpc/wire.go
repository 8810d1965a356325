// Package rpc implements request/response calls over the broker. Servers
// consume "<role>.rpcserver" and dispatch by method name; clients wait on a
// transient reply queue whose name doubles as the correlation key.
package rpc

import (
	"encoding/json"
	"sort"
	"strings"

	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
	"github.com/drblury/rmqflow/internal/runtime/jsoncodec"
)

const (
	// MessageType is the AMQP type property of requests and responses.
	MessageType = "rpc"
	// StatusHeader carries the outcome of a call on every response.
	StatusHeader = "x-rpc-status"

	StatusOK           = "ok"
	StatusNoSuchMethod = "no_such_method"
	StatusDecodeError  = "decode_error"
	StatusHandlerError = "handler_error"

	decodeErrorText = "JSON decode error"
)

// ServerQueue names the inbound queue of the server for role.
func ServerQueue(role string) string {
	return role + ".rpcserver"
}

// Request is the body of an RPC request.
type Request struct {
	Method string          `json:"rpc"`
	Args   json.RawMessage `json:"args"`
}

// Response is a decoded RPC reply.
type Response struct {
	Method        string
	Status        string
	CorrelationID string
	Body          []byte
}

// Decode unmarshals the result into v.
func (r Response) Decode(v any) error {
	if err := jsoncodec.Unmarshal(r.Body, v); err != nil {
		return &errspkg.DecodeError{Source: "rpc response", Err: err}
	}
	return nil
}

// Text renders the result for display; string results are unquoted, so an
// unknown method reads "No function called: <name>".
func (r Response) Text() string {
	return jsoncodec.Text(r.Body)
}

// Err converts a non-ok status into the matching typed error. Responses from
// servers that do not send a status are treated as successful.
func (r Response) Err() error {
	switch r.Status {
	case "", StatusOK:
		return nil
	case StatusNoSuchMethod:
		return &errspkg.NoSuchMethodError{Method: r.Method}
	case StatusDecodeError:
		return &errspkg.DecodeError{Source: "rpc request", Err: textError(r.Text())}
	default:
		msg := strings.TrimPrefix(r.Text(), "Error calling "+r.Method+": ")
		return &errspkg.HandlerError{Method: r.Method, Msg: msg}
	}
}

type textError string

func (e textError) Error() string { return string(e) }

// headerCarrier lets the OpenTelemetry propagator read and write AMQP headers.
type headerCarrier map[string]any

func (h headerCarrier) Get(key string) string {
	if v, ok := h[key].(string); ok {
		return v
	}
	return ""
}

func (h headerCarrier) Set(key, value string) { h[key] = value }

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
