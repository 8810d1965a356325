// Package envelope defines the unit of work buffered by dispatch queues and
// the wire bodies published for log, telemetry and generic messages.
package envelope

import (
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drblury/rmqflow/internal/runtime/jsoncodec"
)

// TimestampLayout is the millisecond-precision UTC layout used in every body.
const TimestampLayout = "2006-01-02T15:04:05.000"

// Kind identifies the producer role an envelope belongs to.
type Kind string

const (
	KindLog       Kind = "log"
	KindTelemetry Kind = "telemetry"
	KindMessage   Kind = "message"
)

// Envelope is an immutable, queued payload awaiting publication.
type Envelope struct {
	Timestamp  time.Time
	Kind       Kind
	RoutingKey string
	Priority   int
	Payload    any
}

// Body encodes the payload for the wire.
func (e Envelope) Body() ([]byte, error) {
	return jsoncodec.Marshal(e.Payload)
}

// FormatTimestamp renders t in UTC truncated to milliseconds.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// LogBody is the wire body of a log record.
type LogBody struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// TelemetryBody is the wire body of a telemetry sample or alarm. A nil
// value is sent as null.
type TelemetryBody struct {
	Type      TelemetryKind `json:"type"`
	Timestamp string        `json:"timestamp"`
	Name      string        `json:"name"`
	Value     any           `json:"value"`
}

// EventBody is the wire body of an event, which has no value.
type EventBody struct {
	Type      TelemetryKind `json:"type"`
	Timestamp string        `json:"timestamp"`
	Name      string        `json:"name"`
}

// MessageBody is the wire body of a generic produced message.
type MessageBody struct {
	Timestamp string `json:"timestamp"`
	Message   any    `json:"message"`
}

// Builder stamps envelopes with the current time and the service routing
// prefix "<namespace>.<service>".
type Builder struct {
	Clock     clock.Clock
	Namespace string
	ServiceID string
}

// NewBuilder returns a Builder using the wall clock.
func NewBuilder(namespace, serviceID string) Builder {
	return Builder{Clock: clock.New(), Namespace: namespace, ServiceID: serviceID}
}

func (b Builder) now() time.Time {
	if b.Clock == nil {
		return time.Now().UTC()
	}
	return b.Clock.Now().UTC()
}

// RoutingKey joins the service prefix with the supplied segments, skipping
// empty ones.
func (b Builder) RoutingKey(segments ...string) string {
	parts := make([]string, 0, len(segments)+2)
	for _, s := range append([]string{b.Namespace, b.ServiceID}, segments...) {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ".")
}

// Log builds a log envelope routed to "<ns>.<service>.<LEVEL>".
func (b Builder) Log(level Level, message string) Envelope {
	level = level.Normalize()
	now := b.now()
	return Envelope{
		Timestamp:  now,
		Kind:       KindLog,
		RoutingKey: b.RoutingKey(level.String()),
		Payload: LogBody{
			Timestamp: FormatTimestamp(now),
			Level:     level.String(),
			Message:   message,
		},
	}
}

// Telemetry builds a telemetry envelope routed to "<ns>.<service>.<type>.<name>"
// with the priority of its kind. The value is dropped for events.
func (b Builder) Telemetry(kind TelemetryKind, name string, value any) Envelope {
	now := b.now()
	var payload any = TelemetryBody{
		Type:      kind,
		Timestamp: FormatTimestamp(now),
		Name:      name,
		Value:     value,
	}
	if kind == Evn {
		payload = EventBody{Type: kind, Timestamp: FormatTimestamp(now), Name: name}
	}
	return Envelope{
		Timestamp:  now,
		Kind:       KindTelemetry,
		RoutingKey: b.RoutingKey(string(kind), name),
		Priority:   kind.Priority(),
		Payload:    payload,
	}
}

// Message builds a generic envelope for the supplied routing key.
func (b Builder) Message(routingKey string, message any) Envelope {
	now := b.now()
	return Envelope{
		Timestamp:  now,
		Kind:       KindMessage,
		RoutingKey: routingKey,
		Payload: MessageBody{
			Timestamp: FormatTimestamp(now),
			Message:   message,
		},
	}
}
