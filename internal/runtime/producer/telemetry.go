package producer

import (
	"github.com/drblury/rmqflow/internal/runtime/broker"
	"github.com/drblury/rmqflow/internal/runtime/dispatch"
	"github.com/drblury/rmqflow/internal/runtime/envelope"
)

// Telemetry publishes samples, alarms and events. Its queue is ordered by
// kind priority so alarms and events overtake routine samples that are
// still waiting.
type Telemetry struct {
	*base
}

// NewTelemetry builds a Telemetry producer.
func NewTelemetry(opts Options) (*Telemetry, error) {
	if opts.ExchangeKind == "" {
		opts.ExchangeKind = broker.KindTopic
	}
	queue := dispatch.NewPriority(opts.QueueSize, func(e envelope.Envelope) int { return e.Priority })
	b, err := newBase("telemetry", queue, opts)
	if err != nil {
		return nil, err
	}
	return &Telemetry{base: b}, nil
}

// Tel records a routine sample.
func (t *Telemetry) Tel(name string, value any) {
	t.enqueueNoWait(t.builder.Telemetry(envelope.Tel, name, value))
}

// Alm records an alarm state change.
func (t *Telemetry) Alm(name string, state any) {
	t.enqueueNoWait(t.builder.Telemetry(envelope.Alm, name, state))
}

// Evn records an event, which carries no value.
func (t *Telemetry) Evn(name string) {
	t.enqueueNoWait(t.builder.Telemetry(envelope.Evn, name, nil))
}
