package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drblury/rmqflow/internal/runtime/broker"
	"github.com/drblury/rmqflow/internal/runtime/connection"
	"github.com/drblury/rmqflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
	"github.com/drblury/rmqflow/internal/runtime/logging"
	"github.com/drblury/rmqflow/internal/runtime/metrics"
)

// DefaultRetryBackoff separates publish attempts of the same envelope.
const DefaultRetryBackoff = 100 * time.Millisecond

// PublishFunc sends one encoded envelope on ch.
type PublishFunc func(ctx context.Context, ch broker.Channel, env envelope.Envelope, body []byte) error

// ChannelSource hands out the channel a worker publishes on.
type ChannelSource interface {
	Get(ctx context.Context) (broker.Channel, error)
	Invalidate(ch broker.Channel)
}

var _ ChannelSource = (*connection.SharedChannel)(nil)

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Name         string
	RetryBackoff time.Duration
	Clock        clock.Clock
	Logger       logging.ServiceLogger
	Metrics      *metrics.Metrics
}

// Worker drains a Queue one envelope at a time. An envelope that fails to
// publish is retried on a fresh channel until it succeeds or the worker is
// aborted, so queue order is preserved and nothing is silently dropped.
type Worker struct {
	name     string
	queue    *Queue[envelope.Envelope]
	channels ChannelSource
	publish  PublishFunc
	backoff  time.Duration
	clock    clock.Clock
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics

	abortCtx context.Context
	abort    context.CancelFunc
	done     chan struct{}
	start    sync.Once
	lost     atomic.Int64
}

// NewWorker returns an idle worker; call Run to start it.
func NewWorker(queue *Queue[envelope.Envelope], channels ChannelSource, publish PublishFunc, opts WorkerOptions) *Worker {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		name:     opts.Name,
		queue:    queue,
		channels: channels,
		publish:  publish,
		backoff:  opts.RetryBackoff,
		clock:    clk,
		logger:   logging.OrNop(opts.Logger).With(logging.LogFields{"queue": opts.Name}),
		metrics:  opts.Metrics,
		abortCtx: ctx,
		abort:    cancel,
		done:     make(chan struct{}),
	}
}

// Run starts the drain loop in its own goroutine. Later calls do nothing.
func (w *Worker) Run() {
	w.start.Do(func() { go w.loop() })
}

// Done is closed when the loop exits.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stop closes the queue and waits for the remaining envelopes to publish.
// If ctx ends first the worker is aborted and the error reports how many
// envelopes were left behind.
func (w *Worker) Stop(ctx context.Context) error {
	w.queue.Close()
	w.Run()
	select {
	case <-w.done:
	case <-ctx.Done():
		w.abort()
		<-w.done
	}

	left := len(w.queue.Drain()) + int(w.lost.Load())
	if left == 0 {
		return nil
	}
	w.metrics.Dropped(w.name, left)
	w.metrics.SetQueueDepth(w.name, 0)
	cause := ctx.Err()
	if cause == nil {
		cause = errspkg.ErrClosed
	}
	w.logger.Error("Queue not drained before shutdown", cause, logging.LogFields{"undrained": left})
	return fmt.Errorf("rmqflow: %s queue: %d envelopes not published: %w", w.name, left, cause)
}

func (w *Worker) loop() {
	defer close(w.done)
	w.logger.Debug("Starting publish loop", nil)
	sent := 0
	for {
		if err := w.queue.Wait(w.abortCtx); err != nil {
			w.logger.Debug("Publish loop stopped", logging.LogFields{"sent": sent})
			return
		}
		ch, err := w.channel()
		if err != nil {
			return
		}
		env, err := w.queue.Pop(w.abortCtx)
		if err != nil {
			return
		}
		w.metrics.SetQueueDepth(w.name, w.queue.Len())
		if w.deliver(ch, env) {
			sent++
			if sent%1000 == 0 {
				w.logger.Debug("Published envelopes", logging.LogFields{"sent": sent, "queue_size": w.queue.Len()})
			}
		}
	}
}

// channel waits for a usable channel. It only fails once the worker is
// aborted or the connection is closed for good.
func (w *Worker) channel() (broker.Channel, error) {
	for {
		ch, err := w.channels.Get(w.abortCtx)
		if err == nil {
			return ch, nil
		}
		if w.abortCtx.Err() != nil || errors.Is(err, errspkg.ErrClosed) {
			return nil, err
		}
		w.logger.Error("Awaiting channel recreation", err, nil)
		if err := w.sleep(); err != nil {
			return nil, err
		}
	}
}

func (w *Worker) deliver(ch broker.Channel, env envelope.Envelope) bool {
	body, err := env.Body()
	if err != nil {
		w.logger.Error("Dropping envelope that cannot be encoded", err, logging.LogFields{"routing_key": env.RoutingKey})
		w.metrics.Dropped(w.name, 1)
		return false
	}
	for {
		err := w.publish(w.abortCtx, ch, env, body)
		if err == nil {
			w.metrics.Published(w.name)
			return true
		}
		if w.abortCtx.Err() != nil {
			w.lost.Add(1)
			return false
		}
		w.metrics.PublishRetried(w.name)
		if errspkg.IsTransportError(err) {
			w.logger.Error("Error sending message, reconnecting", err, logging.LogFields{"routing_key": env.RoutingKey})
			w.channels.Invalidate(ch)
		} else {
			w.logger.Error("Error sending message, retrying", err, logging.LogFields{"routing_key": env.RoutingKey})
		}
		if w.sleep() != nil {
			w.lost.Add(1)
			return false
		}
		if ch, err = w.channel(); err != nil {
			w.lost.Add(1)
			return false
		}
	}
}

func (w *Worker) sleep() error {
	t := w.clock.Timer(w.backoff)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-w.abortCtx.Done():
		return w.abortCtx.Err()
	}
}
