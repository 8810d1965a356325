package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
	"github.com/drblury/rmqflow/internal/runtime/jsoncodec"
)

// HandlerFunc serves one method. args is the raw JSON sent by the caller,
// "null" when none was given. The result is JSON encoded into the reply.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Registrant owns a set of methods, keeping handler ownership separate from
// the server that dispatches them.
type Registrant interface {
	RPCMethods() map[string]HandlerFunc
}

// Registry maps method names to handlers. Names are case-sensitive and can
// be registered once.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds fn under name.
func (r *Registry) Register(name string, fn HandlerFunc) error {
	if name == "" {
		return errspkg.ErrMethodRequired
	}
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateMethod, name)
	}
	r.handlers[name] = fn
	return nil
}

// RegisterAll registers every method of every registrant, stopping at the
// first conflict.
func (r *Registry) RegisterAll(registrants ...Registrant) error {
	for _, reg := range registrants {
		methods := reg.RPCMethods()
		names := make([]string, 0, len(methods))
		for name := range methods {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := r.Register(name, methods[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Lookup finds the handler for name.
func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Methods lists the registered names in sorted order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterTyped registers a handler with typed arguments and result. Missing
// or null args leave In at its zero value.
func RegisterTyped[In any, Out any](r *Registry, name string, fn func(ctx context.Context, args In) (Out, error)) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	return r.Register(name, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in In
		if len(raw) > 0 && string(raw) != "null" {
			if err := jsoncodec.Unmarshal(raw, &in); err != nil {
				return nil, &errspkg.DecodeError{Source: name + " args", Err: err}
			}
		}
		return fn(ctx, in)
	})
}
