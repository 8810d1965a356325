package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
)

type pingService struct{}

func (pingService) RPCMethods() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"ping": func(context.Context, json.RawMessage) (any, error) { return "pong", nil },
		"zero": func(context.Context, json.RawMessage) (any, error) { return 0, nil },
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, json.RawMessage) (any, error) { return nil, nil }

	assert.ErrorIs(t, r.Register("", noop), errspkg.ErrMethodRequired)
	assert.ErrorIs(t, r.Register("x", nil), errspkg.ErrHandlerRequired)
	require.NoError(t, r.Register("x", noop))

	err := r.Register("x", noop)
	assert.ErrorIs(t, err, errspkg.ErrDuplicateMethod)
	assert.Contains(t, err.Error(), ": x")

	_, ok := r.Lookup("X")
	assert.False(t, ok, "names are case-sensitive")
}

func TestRegistryRegisterAll(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterAll(pingService{}))
	assert.Equal(t, []string{"ping", "zero"}, r.Methods())
	assert.ErrorIs(t, r.RegisterAll(pingService{}), errspkg.ErrDuplicateMethod)
}

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestRegisterTyped(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterTyped(r, "add", func(_ context.Context, in addArgs) (int, error) {
		return in.A + in.B, nil
	}))
	fn, ok := r.Lookup("add")
	require.True(t, ok)

	out, err := fn(context.Background(), json.RawMessage(`{"a":2,"b":3}`))
	require.NoError(t, err)
	assert.Equal(t, 5, out)

	out, err = fn(context.Background(), json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Equal(t, 0, out)

	_, err = fn(context.Background(), json.RawMessage(`"text"`))
	var de *errspkg.DecodeError
	assert.ErrorAs(t, err, &de)

	assert.ErrorIs(t, RegisterTyped[int, int](r, "nil", nil), errspkg.ErrHandlerRequired)
}

func TestResponseErr(t *testing.T) {
	assert.NoError(t, Response{}.Err())
	assert.NoError(t, Response{Status: StatusOK}.Err())

	var nsm *errspkg.NoSuchMethodError
	assert.ErrorAs(t, Response{Method: "m", Status: StatusNoSuchMethod}.Err(), &nsm)

	var de *errspkg.DecodeError
	err := Response{Status: StatusDecodeError, Body: []byte(`"JSON decode error"`)}.Err()
	require.ErrorAs(t, err, &de)
	assert.Contains(t, err.Error(), "JSON decode error")

	var he *errspkg.HandlerError
	err = Response{Method: "m", Status: StatusHandlerError, Body: []byte(`"Error calling m: boom"`)}.Err()
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "boom", he.Msg)
	assert.Equal(t, "Error calling m: boom", err.Error())
}

func TestHeaderCarrier(t *testing.T) {
	h := headerCarrier{"b": "2", "n": 5}
	h.Set("a", "1")
	assert.Equal(t, "1", h.Get("a"))
	assert.Empty(t, h.Get("n"))
	assert.Equal(t, []string{"a", "b", "n"}, h.Keys())
}
