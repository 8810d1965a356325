package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drblury/rmqflow"
	configpkg "github.com/drblury/rmqflow/internal/runtime/config"
	"github.com/drblury/rmqflow/internal/runtime/envelope"
	"github.com/drblury/rmqflow/internal/runtime/rpc"
)

type app struct {
	v   *viper.Viper
	out io.Writer
	// deps lets tests inject a broker.
	deps rmqflow.ClientDependencies
}

// run starts a client, hands it to fn and always stops it; the stop error
// is returned when fn succeeded.
func (a *app) run(ctx context.Context, deps rmqflow.ClientDependencies, fn func(*rmqflow.Client) error) error {
	conf, err := configpkg.Load(a.v)
	if err != nil {
		return err
	}
	if deps.Dialer == nil {
		deps.Dialer = a.deps.Dialer
	}
	if deps.Registerer == nil {
		deps.Registerer = a.deps.Registerer
	}
	client, err := rmqflow.NewClient(conf, localLogger(conf.LogLevel), deps)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		_ = client.Stop(context.Background())
		return err
	}
	runErr := fn(client)
	stopErr := client.Stop(context.Background())
	if runErr != nil {
		return runErr
	}
	return stopErr
}

// parseValue reads a JSON document, falling back to a plain string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func (a *app) logCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "log LEVEL MESSAGE...",
		Short: "Publish a log record (LEVEL is DEBUG, INFO, WARNING, ERROR, CRITICAL or 1-5)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevel(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), rmqflow.ClientDependencies{}, func(c *rmqflow.Client) error {
				c.Log.Log(level, strings.Join(args[1:], " "))
				return nil
			})
		},
	}
}

func parseLevel(s string) (envelope.Level, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return envelope.Level(n).Normalize(), nil
	}
	level, ok := envelope.ParseLevel(strings.ToUpper(s))
	if !ok {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

func (a *app) telemetryCommand(kind, short string, nargs int) *cobra.Command {
	use := kind + " NAME"
	if nargs == 2 {
		use += " VALUE"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), rmqflow.ClientDependencies{}, func(c *rmqflow.Client) error {
				switch envelope.TelemetryKind(kind) {
				case envelope.Tel:
					c.Telemetry.Tel(args[0], parseValue(args[1]))
				case envelope.Alm:
					c.Telemetry.Alm(args[0], parseValue(args[1]))
				default:
					c.Telemetry.Evn(args[0])
				}
				return nil
			})
		},
	}
}

func (a *app) produceCommand() *cobra.Command {
	var routingKey string
	cmd := &cobra.Command{
		Use:   "produce MESSAGE",
		Short: "Publish a generic message to the sequencer exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps := rmqflow.ClientDependencies{ProduceRoutingKey: routingKey}
			return a.run(cmd.Context(), deps, func(c *rmqflow.Client) error {
				return c.Producer.Produce(cmd.Context(), parseValue(args[0]))
			})
		},
	}
	cmd.Flags().StringVar(&routingKey, "routing-key", "", "routing key (default <namespace>.<service>)")
	return cmd
}

func (a *app) callCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "call TARGET METHOD [ARGS]",
		Short: "Call a method on another service's RPC server and print the reply",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var callArgs any
			if len(args) == 3 {
				callArgs = parseValue(args[2])
			}
			return a.run(cmd.Context(), rmqflow.ClientDependencies{}, func(c *rmqflow.Client) error {
				resp, err := c.RPC.Call(cmd.Context(), args[0], args[1], callArgs)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, resp.Text())
				return resp.Err()
			})
		},
	}
}

// builtins are the methods served by the serve command.
type builtins struct{ started time.Time }

func (b builtins) RPCMethods() map[string]rpc.HandlerFunc {
	return map[string]rpc.HandlerFunc{
		"echo": func(_ context.Context, args json.RawMessage) (any, error) { return args, nil },
		"ping": func(context.Context, json.RawMessage) (any, error) {
			return map[string]any{"pong": true, "uptime": time.Since(b.started).Round(time.Millisecond).String()}, nil
		},
	}
}

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the echo and ping RPC methods until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps := rmqflow.ClientDependencies{Registrants: []rmqflow.RPCRegistrant{builtins{started: time.Now()}}}
			return a.run(cmd.Context(), deps, func(c *rmqflow.Client) error {
				fmt.Fprintf(a.out, "serving %s\n", c.Server.QueueName())
				<-cmd.Context().Done()
				return nil
			})
		},
	}
}

func (a *app) consumeCommand() *cobra.Command {
	var (
		exchange string
		keys     []string
		queue    string
		durable  bool
		priority int
	)
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Bind a queue and print every message until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sub := rmqflow.Subscription{Exchange: exchange, BindingKeys: keys, Queue: queue, Durable: durable}
			if priority > 0 {
				sub.Arguments = map[string]any{"x-queue-type": "classic", "x-max-priority": priority}
			}
			return a.run(cmd.Context(), rmqflow.ClientDependencies{}, func(c *rmqflow.Client) error {
				err := c.Consumer.Consume(cmd.Context(), sub, func(_ context.Context, d rmqflow.ConsumerDelivery) error {
					fmt.Fprintf(a.out, "%s %s\n", d.RoutingKey, d.Body)
					return nil
				})
				if err != nil {
					return err
				}
				<-cmd.Context().Done()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&exchange, "exchange", configpkg.DefaultTelemetryExchange, "exchange to bind to")
	cmd.Flags().StringSliceVar(&keys, "key", []string{"#"}, "binding key, repeatable")
	cmd.Flags().StringVar(&queue, "queue", "monitor", "queue name, prefixed with the service id")
	cmd.Flags().BoolVar(&durable, "durable", false, "declare a durable queue")
	cmd.Flags().IntVar(&priority, "max-priority", 0, "declare a priority queue with this maximum")
	return cmd
}
