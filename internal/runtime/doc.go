/*
Package runtime assembles the messaging client for rmqflow.

# Architecture Overview

A Client owns one broker connection per role. Each connection is supervised
by a connection.Manager that opens it with retry and reopens it after an
unexpected close. Publishing roles never block the caller: records are
queued in memory and a single worker per role drains them onto the broker.

# Package Structure

## Client (client.go)

The Client wires together:
  - Logger: log records on the logging exchange, keyed <ns>.<SER>.<LVL>
  - Telemetry: tel, alm and evn samples on the telemetry exchange, with
    alarms and events overtaking queued samples
  - Producer: generic JSON messages on the sequencer exchange
  - RPC client and server on the direct exchange
  - Consumer: watermill-amqp subscriptions on any exchange
  - Optional Redis and InfluxDB clients
  - Prometheus metrics, optionally served over HTTP

Stop drains the three publishing queues concurrently, bounded by
DrainTimeout, and reports what could not be sent.

# Sub-packages

  - broker/: Session and channel abstraction over amqp091-go, plus an
    in-memory broker for tests
  - config/: Configuration, environment loading and validation
  - connection/: Connection supervision and state tracking
  - consumer/: Queue subscriptions built on the watermill router
  - dispatch/: Bounded FIFO and priority queues and their worker
  - envelope/: Message bodies and routing keys
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for reply queues and correlation ids
  - inmem/: Redis publish and key-value store
  - jsoncodec/: JSON marshaling
  - logging/: Logger interface, adapters and a slog handler that forwards
    to the logging exchange
  - metrics/: Prometheus collectors
  - producer/: The three publishing roles
  - rpc/: Request/reply over the direct exchange
  - timeseries/: InfluxDB point writer

# Usage Example

	conf, err := config.FromEnv()
	if err != nil {
		return err
	}
	client, err := runtime.NewClient(conf, logger, runtime.ClientDependencies{})
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Stop(context.Background())

	client.Telemetry.Tel("temperature", 21.5)
	resp, err := client.RPC.Call(ctx, "DOM", "status", nil)
*/
package runtime
