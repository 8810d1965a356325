package producer

import (
	"github.com/drblury/rmqflow/internal/runtime/broker"
	"github.com/drblury/rmqflow/internal/runtime/dispatch"
	"github.com/drblury/rmqflow/internal/runtime/envelope"
	"github.com/drblury/rmqflow/internal/runtime/logging"
)

// Logger publishes log records to the logging exchange under
// "<ns>.<service>.<LEVEL>".
type Logger struct {
	*base
}

var _ logging.Sink = (*Logger)(nil)

// NewLogger builds a Logger. The exchange defaults to a topic exchange.
func NewLogger(opts Options) (*Logger, error) {
	if opts.ExchangeKind == "" {
		opts.ExchangeKind = broker.KindTopic
	}
	b, err := newBase("log", dispatch.NewFIFO[envelope.Envelope](opts.QueueSize), opts)
	if err != nil {
		return nil, err
	}
	return &Logger{base: b}, nil
}

// Log enqueues a record. Levels outside 1..5 are clamped.
func (l *Logger) Log(level envelope.Level, message string) {
	l.enqueueNoWait(l.builder.Log(level, message))
}

func (l *Logger) Debug(message string)    { l.Log(envelope.LevelDebug, message) }
func (l *Logger) Info(message string)     { l.Log(envelope.LevelInfo, message) }
func (l *Logger) Warn(message string)     { l.Log(envelope.LevelWarn, message) }
func (l *Logger) Error(message string)    { l.Log(envelope.LevelError, message) }
func (l *Logger) Critical(message string) { l.Log(envelope.LevelCritical, message) }
