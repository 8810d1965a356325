package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/drblury/rmqflow/internal/runtime/envelope"
)

// Sink receives log records destined for the broker log exchange.
type Sink interface {
	Log(level envelope.Level, message string)
}

// BrokerHandler is a slog.Handler that forwards records to a Sink, so an
// application can install the broker log stream as its slog default. Attributes
// are appended to the message as key=value pairs.
type BrokerHandler struct {
	sink   Sink
	level  slog.Leveler
	prefix string
	attrs  []string
}

// NewBrokerHandler returns a handler emitting records at or above level.
func NewBrokerHandler(sink Sink, level slog.Leveler) *BrokerHandler {
	if sink == nil {
		panic("rmqflow: broker log sink cannot be nil")
	}
	if level == nil {
		level = slog.LevelInfo
	}
	return &BrokerHandler{sink: sink, level: level}
}

func (h *BrokerHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *BrokerHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, h.prefix, a)
		return true
	})
	h.sink.Log(BrokerLevel(r.Level), b.String())
	return nil
}

func (h *BrokerHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		var b strings.Builder
		h.appendAttr(&b, h.prefix, a)
		if b.Len() > 0 {
			clone.attrs = append(clone.attrs, strings.TrimPrefix(b.String(), " "))
		}
	}
	return &clone
}

func (h *BrokerHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func (h *BrokerHandler) appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, g := range a.Value.Group() {
			h.appendAttr(b, p, g)
		}
		return
	}
	fmt.Fprintf(b, " %s%s=%v", prefix, a.Key, a.Value.Any())
}

// BrokerLevel maps a slog level onto the broker log levels.
func BrokerLevel(l slog.Level) envelope.Level {
	switch {
	case l < slog.LevelInfo:
		return envelope.LevelDebug
	case l < slog.LevelWarn:
		return envelope.LevelInfo
	case l < slog.LevelError:
		return envelope.LevelWarn
	case l == slog.LevelError:
		return envelope.LevelError
	default:
		return envelope.LevelCritical
	}
}
