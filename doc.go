// Package rmqflow is the application-side messaging client for services that
// sit behind a RabbitMQ broker. It lets service code emit log records,
// telemetry samples, alarms, events and generic work messages without
// blocking on network I/O, and make or serve request/response calls, while
// broker disconnects are absorbed underneath.
//
// A Client owns one connection per role (rmqlogger, rmqtelemetry, producer,
// rpcclient and "<service>.rpcserver"). Every publish goes through an
// in-process dispatch queue drained by a single worker, so calls return at
// once and messages reach the broker in queue order: arrival order for logs
// and messages, priority then arrival order for telemetry, where alarms and
// events overtake routine samples. A failed publish is retried on a fresh
// channel until it succeeds or the client stops.
//
// A minimal setup fills Config (or loads it from the environment with
// ConfigFromEnv), creates a Client, registers RPC handlers through
// ClientDependencies.Registrants and calls Start:
//
//	conf, _ := rmqflow.ConfigFromEnv()
//	client, err := rmqflow.NewClient(conf, logger, rmqflow.ClientDependencies{})
//	if err != nil {
//		return err
//	}
//	if err := client.Start(ctx); err != nil {
//		return err
//	}
//	defer client.Stop(context.Background())
//
//	client.Log.Info("service started")
//	client.Telemetry.Tel("temperature", 12.5)
//	resp, err := client.RPC.Call(ctx, "ABC", "status", nil)
//
// # RPC
//
// Servers consume "<role>.rpcserver" and dispatch by method name. Unknown
// methods, undecodable requests and handler failures are answered with an
// error text and an x-rpc-status header instead of leaving the caller
// waiting; calls are bounded by Config.RPCTimeout.
//
// # Stores
//
// With ClientDependencies.EnableInmem and EnableTimeseries the Client also
// connects to Redis (publish-and-set producer, pattern subscriptions) and
// InfluxDB (numeric point writer).
//
// # Observability
//
// Queue depth, publish and retry counts, connection state, reconnects and RPC
// outcomes are exported as Prometheus metrics under the rmqflow namespace;
// RPC calls and consumed messages are traced with OpenTelemetry.
package rmqflow
