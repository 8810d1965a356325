package inmem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/drblury/rmqflow/internal/runtime/envelope"
	"github.com/drblury/rmqflow/internal/runtime/jsoncodec"
	"github.com/drblury/rmqflow/internal/runtime/logging"
)

// DefaultSource is used when a producer is not told its source.
const DefaultSource = "Unknown"

type storeCommands interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Producer publishes values and keeps the latest one stored per key.
type Producer struct {
	store  storeCommands
	source string
	clock  clock.Clock
	logger logging.ServiceLogger
}

// ProducerOptions configures a Producer.
type ProducerOptions struct {
	Options
	Source string
	Clock  clock.Clock
	Logger logging.ServiceLogger
}

// NewProducer connects a Producer and checks the store answers.
func NewProducer(ctx context.Context, opts ProducerOptions) (*Producer, error) {
	p := newProducer(NewUniversalClient(opts.Options), opts)
	if err := p.Ping(ctx); err != nil {
		_ = p.store.Close()
		return nil, fmt.Errorf("rmqflow: connect in-memory store %s: %w", opts.Options, err)
	}
	p.logger.Debug("Connection opened", nil)
	return p, nil
}

func newProducer(store storeCommands, opts ProducerOptions) *Producer {
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Producer{
		store:  store,
		source: opts.Source,
		clock:  clk,
		logger: logging.OrNop(opts.Logger).With(logging.LogFields{"component": "inmem_producer"}),
	}
}

// Publish sends {timestamp, source, value} on channel key and stores the
// same body under key. Both steps are attempted; failures are logged and
// returned joined.
func (p *Producer) Publish(ctx context.Context, key string, value any) error {
	body, err := jsoncodec.Marshal(Record{
		Timestamp: envelope.FormatTimestamp(p.clock.Now()),
		Source:    p.source,
		Value:     value,
	})
	if err != nil {
		return err
	}
	fields := logging.LogFields{"key": key}
	p.logger.Debug("Publishing", fields)
	pubErr := p.store.Publish(ctx, key, body).Err()
	p.logger.Debug("Setting key", fields)
	setErr := p.store.Set(ctx, key, body, 0).Err()

	if err := errors.Join(pubErr, setErr); err != nil {
		p.logger.Error("Unable to publish message for key", err, fields)
		return err
	}
	return nil
}

// Ping checks the store is reachable.
func (p *Producer) Ping(ctx context.Context) error {
	return p.store.Ping(ctx).Err()
}

// Close disconnects.
func (p *Producer) Close() error {
	p.logger.Info("Disconnecting producer connection", nil)
	return p.store.Close()
}
