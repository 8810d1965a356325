// Package timeseries writes numeric samples to InfluxDB.
package timeseries

import (
	"context"
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
	"github.com/drblury/rmqflow/internal/runtime/logging"
)

// DefaultTags are applied when a write does not carry its own tags.
var DefaultTags = map[string]string{"site": "nrt"}

// Options configures a Writer.
type Options struct {
	URL string
	// Token authenticates against InfluxDB 2. When empty, Username and
	// Password are sent as a v1 compatible "user:password" token.
	Token       string
	Username    string
	Password    string
	Org         string
	Bucket      string
	Measurement string
	Tags        map[string]string
	Clock       clock.Clock
	Logger      logging.ServiceLogger
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type server interface {
	Ping(ctx context.Context) (bool, error)
	Close()
}

// Writer writes one point per call, synchronously.
type Writer struct {
	writer      pointWriter
	server      server
	measurement string
	tags        map[string]string
	clock       clock.Clock
	logger      logging.ServiceLogger
}

// NewWriter builds a Writer on an InfluxDB client. No request is made until
// the first Write or Ping.
func NewWriter(opts Options) (*Writer, error) {
	if opts.URL == "" {
		return nil, errspkg.ErrConfigRequired
	}
	if opts.Measurement == "" {
		return nil, fmt.Errorf("rmqflow: time-series measurement is required")
	}
	token := opts.Token
	if token == "" && opts.Username != "" {
		token = opts.Username + ":" + opts.Password
	}
	client := influxdb2.NewClientWithOptions(opts.URL, token, influxdb2.DefaultOptions())
	return newWriter(client.WriteAPIBlocking(opts.Org, opts.Bucket), client, opts), nil
}

func newWriter(w pointWriter, s server, opts Options) *Writer {
	tags := opts.Tags
	if len(tags) == 0 {
		tags = DefaultTags
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Writer{
		writer:      w,
		server:      s,
		measurement: opts.Measurement,
		tags:        tags,
		clock:       clk,
		logger:      logging.OrNop(opts.Logger).With(logging.LogFields{"component": "timeseries", "measurement": opts.Measurement}),
	}
}

// Write stores fields as one point tagged with tags (the configured tags
// when nil). Non-numeric fields are skipped; a write with nothing numeric
// is a no-op.
func (w *Writer) Write(ctx context.Context, fields map[string]any, tags map[string]string) error {
	if tags == nil {
		tags = w.tags
	}
	numeric := make(map[string]any, len(fields))
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, ok := numericValue(fields[k])
		if !ok {
			w.logger.Debug("Non-numerical value not added to time-series store", logging.LogFields{"field": k, "value": fmt.Sprint(fields[k])})
			continue
		}
		numeric[k] = v
	}
	if len(numeric) == 0 {
		return nil
	}

	point := influxdb2.NewPoint(w.measurement, tags, numeric, w.clock.Now())
	w.logger.Debug("Writing value", logging.LogFields{"fields": numeric})
	if err := w.writer.WritePoint(ctx, point); err != nil {
		w.logger.Error("Unable to write data for measurement", err, logging.LogFields{"fields": fmt.Sprint(fields)})
		return err
	}
	return nil
}

// Ping reports whether the server is reachable.
func (w *Writer) Ping(ctx context.Context) error {
	ok, err := w.server.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rmqflow: time-series store did not answer ping")
	}
	return nil
}

// Close releases the client.
func (w *Writer) Close() {
	w.server.Close()
	w.logger.Debug("Connection to time-series store closed", nil)
}

func numericValue(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case bool:
		return n, true
	default:
		return nil, false
	}
}
