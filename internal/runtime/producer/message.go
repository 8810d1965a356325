package producer

import (
	"context"

	"github.com/drblury/rmqflow/internal/runtime/broker"
	"github.com/drblury/rmqflow/internal/runtime/dispatch"
	"github.com/drblury/rmqflow/internal/runtime/envelope"
)

// Producer publishes generic messages to one exchange and routing key. Its
// queue is usually bounded so a burst of Produce calls feels backpressure.
type Producer struct {
	*base
	routingKey string
}

// NewProducer builds a Producer. An empty routingKey selects
// "<ns>.<service>".
func NewProducer(opts Options, routingKey string) (*Producer, error) {
	if opts.ExchangeKind == "" {
		opts.ExchangeKind = broker.KindDirect
	}
	b, err := newBase("produce", dispatch.NewFIFO[envelope.Envelope](opts.QueueSize), opts)
	if err != nil {
		return nil, err
	}
	if routingKey == "" {
		routingKey = b.builder.RoutingKey()
	}
	return &Producer{base: b, routingKey: routingKey}, nil
}

// RoutingKey returns the key every message is published with.
func (p *Producer) RoutingKey() string { return p.routingKey }

// Produce enqueues message. It blocks only while a bounded queue is full and
// fails once ctx is done or the producer has stopped.
func (p *Producer) Produce(ctx context.Context, message any) error {
	return p.enqueue(ctx, p.builder.Message(p.routingKey, message))
}
