package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
)

// AMQPConfig configures AMQPDialer.
type AMQPConfig struct {
	URL         string
	Heartbeat   time.Duration
	DialTimeout time.Duration
	TLSConfig   *tls.Config
	// Confirms puts every channel into confirm mode so Publish only returns
	// once the broker acknowledged the message.
	Confirms bool
}

// AMQPDialer opens RabbitMQ connections with amqp091-go.
type AMQPDialer struct {
	cfg AMQPConfig
}

// NewAMQPDialer returns a Dialer for cfg.
func NewAMQPDialer(cfg AMQPConfig) *AMQPDialer {
	return &AMQPDialer{cfg: cfg}
}

// DialAMQP is the connection factory used by AMQPDialer. Tests replace it.
var DialAMQP = func(url string, cfg amqp.Config) (*amqp.Connection, error) {
	return amqp.DialConfig(url, cfg)
}

func (d *AMQPDialer) Dial(ctx context.Context, identity string) (Session, error) {
	timeout := d.cfg.DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout == 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(identity)

	conn, err := DialAMQP(d.cfg.URL, amqp.Config{
		Heartbeat:       d.cfg.Heartbeat,
		TLSClientConfig: d.cfg.TLSConfig,
		Properties:      props,
		Dial:            amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, &errspkg.ConnectError{Identity: identity, Err: err}
	}
	return &amqpSession{conn: conn, confirms: d.cfg.Confirms}, nil
}

type amqpSession struct {
	conn     *amqp.Connection
	confirms bool
}

func (s *amqpSession) Channel() (Channel, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, wrapAMQPError("open channel", err)
	}
	if s.confirms {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, wrapAMQPError("confirm", err)
		}
	}
	return &amqpChannel{ch: ch, confirms: s.confirms}, nil
}

func (s *amqpSession) NotifyClose(fn func(error)) {
	notify := s.conn.NotifyClose(make(chan *amqp.Error, 1))
	go forwardClose(notify, fn)
}

func (s *amqpSession) IsClosed() bool { return s.conn.IsClosed() }

func (s *amqpSession) Close() error {
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

type amqpChannel struct {
	ch       *amqp.Channel
	confirms bool
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, props Properties, body []byte) error {
	msg := amqp.Publishing{
		ContentType:   props.ContentType,
		DeliveryMode:  props.DeliveryMode,
		Priority:      props.Priority,
		ReplyTo:       props.ReplyTo,
		Type:          props.Type,
		AppId:         props.AppID,
		CorrelationId: props.CorrelationID,
		MessageId:     props.MessageID,
		Timestamp:     props.Timestamp,
		Headers:       amqp.Table(props.Headers),
		Body:          body,
	}
	if !c.confirms {
		return wrapAMQPError("publish", c.ch.PublishWithContext(ctx, exchange, key, false, false, msg))
	}
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return wrapAMQPError("publish", err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return wrapAMQPError("publish confirm", err)
	}
	if !acked {
		return errspkg.ErrPublishNacked
	}
	return nil
}

func (c *amqpChannel) DeclareExchange(name, kind string, durable bool) error {
	if name == "" {
		return errspkg.ErrExchangeRequired
	}
	return wrapAMQPError("declare exchange", c.ch.ExchangeDeclare(name, kind, durable, false, false, false, nil))
}

func (c *amqpChannel) DeclareQueue(name string, opts QueueOptions) (string, error) {
	q, err := c.ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, amqp.Table(opts.Arguments))
	if err != nil {
		return "", wrapAMQPError("declare queue", err)
	}
	return q.Name, nil
}

func (c *amqpChannel) BindQueue(queue, key, exchange string) error {
	return wrapAMQPError("bind queue", c.ch.QueueBind(queue, key, exchange, false, nil))
}

func (c *amqpChannel) DeleteQueue(name string) error {
	_, err := c.ch.QueueDelete(name, false, false, false)
	return wrapAMQPError("delete queue", err)
}

func (c *amqpChannel) Consume(queue, tag string, handler Handler) error {
	deliveries, err := c.ch.Consume(queue, tag, true, false, false, false, nil)
	if err != nil {
		return wrapAMQPError("consume", err)
	}
	go func() {
		for d := range deliveries {
			handler(fromAMQPDelivery(d))
		}
	}()
	return nil
}

func (c *amqpChannel) NotifyClose(fn func(error)) {
	notify := c.ch.NotifyClose(make(chan *amqp.Error, 1))
	go forwardClose(notify, fn)
}

func (c *amqpChannel) IsClosed() bool { return c.ch.IsClosed() }

func (c *amqpChannel) Close() error {
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

// forwardClose waits for the library to report a close. A graceful close
// closes the notification channel without sending, which surfaces as nil.
func forwardClose(notify <-chan *amqp.Error, fn func(error)) {
	amqpErr, ok := <-notify
	if ok && amqpErr != nil {
		fn(amqpErr)
		return
	}
	fn(nil)
}

func fromAMQPDelivery(d amqp.Delivery) Delivery {
	return Delivery{
		Exchange:   d.Exchange,
		RoutingKey: d.RoutingKey,
		Properties: Properties{
			ContentType:   d.ContentType,
			DeliveryMode:  d.DeliveryMode,
			Priority:      d.Priority,
			ReplyTo:       d.ReplyTo,
			Type:          d.Type,
			AppID:         d.AppId,
			CorrelationID: d.CorrelationId,
			MessageID:     d.MessageId,
			Timestamp:     d.Timestamp,
			Headers:       map[string]any(d.Headers),
		},
		Body: d.Body,
	}
}

// wrapAMQPError marks closed-connection failures so publish workers know to
// swap channels.
func wrapAMQPError(op string, err error) error {
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	if errors.Is(err, amqp.ErrClosed) || (errors.As(err, &amqpErr) && !amqpErr.Recover) {
		return &errspkg.TransportClosedError{Op: op, Err: err}
	}
	return fmt.Errorf("rmqflow: %s: %w", op, err)
}
