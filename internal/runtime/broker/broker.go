// Package broker defines the small slice of AMQP the client needs and two
// implementations of it: one backed by a real RabbitMQ connection and an
// in-process broker used by tests and local development.
package broker

import (
	"context"
	"time"
)

// Exchange kinds.
const (
	KindDirect = "direct"
	KindTopic  = "topic"
	KindFanout = "fanout"
)

// Delivery modes.
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// MaxPriorityArg is the queue argument that enables per-message priority.
const MaxPriorityArg = "x-max-priority"

// Properties mirrors the AMQP basic properties used by the client.
type Properties struct {
	ContentType   string
	DeliveryMode  uint8
	Priority      uint8
	ReplyTo       string
	Type          string
	AppID         string
	CorrelationID string
	MessageID     string
	Timestamp     time.Time
	Headers       map[string]any
}

// Delivery is one message handed to a consumer.
type Delivery struct {
	Exchange   string
	RoutingKey string
	Properties Properties
	Body       []byte
}

// Handler receives deliveries for a consumer, one at a time.
type Handler func(Delivery)

// QueueOptions controls queue declaration.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Arguments  map[string]any
}

// Channel is a revocable publish/consume context on a Session. Once closed it
// stays closed; callers request a fresh one.
type Channel interface {
	Publish(ctx context.Context, exchange, key string, props Properties, body []byte) error
	DeclareExchange(name, kind string, durable bool) error
	// DeclareQueue returns the queue name, which the broker picks when name is empty.
	DeclareQueue(name string, opts QueueOptions) (string, error)
	BindQueue(queue, key, exchange string) error
	DeleteQueue(name string) error
	// Consume delivers messages from queue to handler with automatic
	// acknowledgement until the channel closes.
	Consume(queue, tag string, handler Handler) error
	// NotifyClose registers fn to run once when the channel closes. err is nil
	// for a close requested through Close.
	NotifyClose(fn func(err error))
	IsClosed() bool
	Close() error
}

// Session is one logical broker connection.
type Session interface {
	Channel() (Channel, error)
	NotifyClose(fn func(err error))
	IsClosed() bool
	Close() error
}

// Dialer opens sessions tagged with a human-readable identity.
type Dialer interface {
	Dial(ctx context.Context, identity string) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, identity string) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, identity string) (Session, error) {
	return f(ctx, identity)
}
