package consumer

import (
	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Metadata keys carrying where a consumed message was routed from.
const (
	RoutingKeyMetadata = "amqp_routing_key"
	ExchangeMetadata   = "amqp_exchange"
)

// SubscriberFactory builds the subscriber behind one subscription. Tests
// swap it for an in-process pub/sub.
var SubscriberFactory = func(cfg wmamqp.Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmamqp.NewSubscriber(cfg, logger)
}

// subscriberConfig maps a subscription onto watermill-amqp topology: the
// topic is a binding key, so the queue and exchange names are fixed and
// every topic initialized on the subscriber adds one binding.
func subscriberConfig(opts Options, sub Subscription, queue string) wmamqp.Config {
	cfg := wmamqp.NewDurablePubSubConfig(opts.URL, func(string) string { return queue })

	amqpConfig := amqp.Config{
		Heartbeat:  opts.Heartbeat,
		Properties: amqp.NewConnectionProperties(),
	}
	amqpConfig.Properties.SetClientConnectionName(opts.Identity)
	cfg.Connection.AmqpConfig = &amqpConfig

	kind := sub.ExchangeKind
	if kind == "" {
		kind = amqp.ExchangeTopic
	}
	exchange := sub.Exchange
	cfg.Exchange.GenerateName = func(string) string { return exchange }
	cfg.Exchange.Type = kind
	cfg.Exchange.Durable = true

	cfg.Queue.Durable = sub.Durable
	if len(sub.Arguments) > 0 {
		cfg.Queue.Arguments = amqp.Table(sub.Arguments)
	}

	cfg.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }
	cfg.Consume.NoRequeueOnNack = true

	inner := cfg.Marshaler
	if inner == nil {
		inner = wmamqp.DefaultMarshaler{}
	}
	cfg.Marshaler = routingMarshaler{Marshaler: inner}
	return cfg
}

// routingMarshaler records the delivery's exchange and routing key, which a
// queue with several bindings needs to tell its messages apart.
type routingMarshaler struct {
	wmamqp.Marshaler
}

func (m routingMarshaler) Unmarshal(d amqp.Delivery) (*message.Message, error) {
	msg, err := m.Marshaler.Unmarshal(d)
	if err != nil {
		return nil, err
	}
	if msg.Metadata == nil {
		msg.Metadata = message.Metadata{}
	}
	msg.Metadata.Set(RoutingKeyMetadata, d.RoutingKey)
	msg.Metadata.Set(ExchangeMetadata, d.Exchange)
	return msg, nil
}
