package rmqflow

import (
	"context"

	runtimepkg "github.com/drblury/rmqflow/internal/runtime"
	brokerpkg "github.com/drblury/rmqflow/internal/runtime/broker"
	configpkg "github.com/drblury/rmqflow/internal/runtime/config"
	connectionpkg "github.com/drblury/rmqflow/internal/runtime/connection"
	consumerpkg "github.com/drblury/rmqflow/internal/runtime/consumer"
	envelopepkg "github.com/drblury/rmqflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
	idspkg "github.com/drblury/rmqflow/internal/runtime/ids"
	inmempkg "github.com/drblury/rmqflow/internal/runtime/inmem"
	jsoncodec "github.com/drblury/rmqflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rmqflow/internal/runtime/logging"
	producerpkg "github.com/drblury/rmqflow/internal/runtime/producer"
	rpcpkg "github.com/drblury/rmqflow/internal/runtime/rpc"
	timeseriespkg "github.com/drblury/rmqflow/internal/runtime/timeseries"
)

type (
	Config             = configpkg.Config
	Client             = runtimepkg.Client
	ClientDependencies = runtimepkg.ClientDependencies

	Dialer       = brokerpkg.Dialer
	AMQPConfig   = brokerpkg.AMQPConfig
	MemoryBroker = brokerpkg.MemoryBroker
	Delivery     = brokerpkg.Delivery

	ConnectionManager = connectionpkg.Manager
	ConnectionOptions = connectionpkg.Options
	ConnectionState   = connectionpkg.State

	Envelope      = envelopepkg.Envelope
	Level         = envelopepkg.Level
	TelemetryKind = envelopepkg.TelemetryKind

	Logger           = producerpkg.Logger
	Telemetry        = producerpkg.Telemetry
	Producer         = producerpkg.Producer
	ProducerOptions  = producerpkg.Options
	RPCClient        = rpcpkg.Client
	RPCServer        = rpcpkg.Server
	RPCResponse      = rpcpkg.Response
	RPCHandlerFunc   = rpcpkg.HandlerFunc
	RPCRegistrant    = rpcpkg.Registrant
	RPCRegistry      = rpcpkg.Registry
	Consumer         = consumerpkg.Consumer
	Subscription     = consumerpkg.Subscription
	ConsumerDelivery = consumerpkg.Delivery
	ConsumerHandler  = consumerpkg.Handler

	InmemProducer = inmempkg.Producer
	InmemConsumer = inmempkg.Consumer
	InmemMessage  = inmempkg.Message
	InmemRecord   = inmempkg.Record
	SeriesWriter  = timeseriespkg.Writer

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConnectError         = errspkg.ConnectError
	TransportClosedError = errspkg.TransportClosedError
	DecodeError          = errspkg.DecodeError
	NoSuchMethodError    = errspkg.NoSuchMethodError
	HandlerError         = errspkg.HandlerError
	RPCTimeoutError      = errspkg.RPCTimeoutError
)

var (
	NewClient      = runtimepkg.NewClient
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ConfigFromEnv  = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	NewAMQPDialer   = brokerpkg.NewAMQPDialer
	NewMemoryBroker = brokerpkg.NewMemoryBroker
	NewRPCRegistry  = rpcpkg.NewRegistry

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewBrokerHandler     = loggingpkg.NewBrokerHandler

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	CreateULID = idspkg.CreateULID

	ErrClosed          = errspkg.ErrClosed
	ErrQueueClosed     = errspkg.ErrQueueClosed
	ErrNotStarted      = errspkg.ErrNotStarted
	ErrMethodRequired  = errspkg.ErrMethodRequired
	ErrHandlerRequired = errspkg.ErrHandlerRequired
	ErrDuplicateMethod = errspkg.ErrDuplicateMethod
	ErrTargetRequired  = errspkg.ErrTargetRequired
	IsTransportError   = errspkg.IsTransportError
)

const (
	LevelDebug    = envelopepkg.LevelDebug
	LevelInfo     = envelopepkg.LevelInfo
	LevelWarn     = envelopepkg.LevelWarn
	LevelError    = envelopepkg.LevelError
	LevelCritical = envelopepkg.LevelCritical

	Tel = envelopepkg.Tel
	Alm = envelopepkg.Alm
	Evn = envelopepkg.Evn

	StateDisconnected = connectionpkg.StateDisconnected
	StateConnecting   = connectionpkg.StateConnecting
	StateOpen         = connectionpkg.StateOpen
	StateClosed       = connectionpkg.StateClosed
)

// RegisterRPC registers a handler with typed arguments and result.
func RegisterRPC[In any, Out any](r *RPCRegistry, name string, fn func(ctx context.Context, args In) (Out, error)) error {
	return rpcpkg.RegisterTyped(r, name, fn)
}
