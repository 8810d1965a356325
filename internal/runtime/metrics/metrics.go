// Package metrics exposes Prometheus collectors for dispatch queues,
// connections and RPC calls. Every method is safe on a nil *Metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/rmqflow/internal/runtime/logging"
)

// Namespace prefixes every collector name.
const Namespace = "rmqflow"

// Metrics bundles the collectors.
type Metrics struct {
	mu sync.Mutex

	queueDepth      *prometheus.GaugeVec
	enqueuedTotal   *prometheus.CounterVec
	publishedTotal  *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
	reconnectsTotal *prometheus.CounterVec
	rpcCallsTotal   *prometheus.CounterVec
	rpcLatency      *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer selects the default registry.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:      registerer,
		queueDepth:      newGaugeVec("queue", "depth", "Envelopes waiting in a dispatch queue", []string{"queue"}),
		enqueuedTotal:   newCounterVec("queue", "enqueued_total", "Envelopes accepted by a dispatch queue", []string{"queue"}),
		publishedTotal:  newCounterVec("queue", "published_total", "Envelopes published to the broker", []string{"queue"}),
		droppedTotal:    newCounterVec("queue", "dropped_total", "Envelopes abandoned at shutdown or on encode failure", []string{"queue"}),
		retriesTotal:    newCounterVec("queue", "publish_retries_total", "Publish attempts retried after a transport failure", []string{"queue"}),
		connectionState: newGaugeVec("connection", "state", "Connection state (0 disconnected, 1 connecting, 2 open, 3 closed)", []string{"identity"}),
		reconnectsTotal: newCounterVec("connection", "reconnects_total", "Sessions lost unexpectedly and reopened", []string{"identity"}),
		rpcCallsTotal:   newCounterVec("rpc", "calls_total", "RPC calls by side and outcome", []string{"side", "method", "outcome"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "RPC round-trip latency seen by the client",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"target", "method"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.queueDepth,
		m.enqueuedTotal,
		m.publishedTotal,
		m.droppedTotal,
		m.retriesTotal,
		m.connectionState,
		m.reconnectsTotal,
		m.rpcCallsTotal,
		m.rpcLatency,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) Enqueued(queue string) {
	if m == nil {
		return
	}
	m.enqueuedTotal.WithLabelValues(queue).Inc()
}

func (m *Metrics) Published(queue string) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(queue).Inc()
}

func (m *Metrics) Dropped(queue string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedTotal.WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) PublishRetried(queue string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(queue).Inc()
}

// ConnectionState records a state transition. A move back to connecting from
// open counts as a reconnect.
func (m *Metrics) ConnectionState(identity string, from, to int) {
	if m == nil {
		return
	}
	m.connectionState.WithLabelValues(identity).Set(float64(to))
	if from == 2 && to == 1 {
		m.reconnectsTotal.WithLabelValues(identity).Inc()
	}
}

// RPCCall records one call. side is "client" or "server".
func (m *Metrics) RPCCall(side, method, outcome string) {
	if m == nil {
		return
	}
	m.rpcCallsTotal.WithLabelValues(side, method, outcome).Inc()
}

func (m *Metrics) ObserveRPC(target, method string, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcLatency.WithLabelValues(target, method).Observe(d.Seconds())
}

// Serve exposes the default gatherer on :port/metrics until ctx is done.
func Serve(ctx context.Context, port int, logger logging.ServiceLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger = logging.OrNop(logger)
	logger.Info("Starting HTTP server", logging.LogFields{"address": srv.Addr})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("Failed to start HTTP server", err, logging.LogFields{"address": srv.Addr})
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
