package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drblury/rmqflow"
	configpkg "github.com/drblury/rmqflow/internal/runtime/config"
	loggingpkg "github.com/drblury/rmqflow/internal/runtime/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(&app{v: viper.New(), out: os.Stdout}).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// flagKeys maps persistent flags onto the environment keys config.Load reads.
var flagKeys = map[string]string{
	"rmq-host":     configpkg.EnvBrokerHost,
	"rmq-port":     configpkg.EnvBrokerPort,
	"rmq-user":     configpkg.EnvBrokerUser,
	"rmq-pass":     configpkg.EnvBrokerPassword,
	"rmq-url":      configpkg.EnvBrokerURL,
	"service":      configpkg.EnvServiceID,
	"namespace":    configpkg.EnvNamespace,
	"log-level":    configpkg.EnvLogLevel,
	"rpc-timeout":  configpkg.EnvRPCTimeout,
	"metrics-port": configpkg.EnvMetricsPort,
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "rmqflow",
		Short:         "Publish, call and consume through the RabbitMQ messaging client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String("rmq-host", "", "broker host")
	flags.Int("rmq-port", configpkg.DefaultBrokerPort, "broker port")
	flags.String("rmq-user", "", "broker user")
	flags.String("rmq-pass", "", "broker password")
	flags.String("rmq-url", "", "broker URL, overrides host, port and credentials")
	flags.String("service", "", "three letter service identifier")
	flags.String("namespace", configpkg.DefaultNamespace, "routing key namespace")
	flags.String("log-level", "INFO", "local log level")
	flags.Duration("rpc-timeout", 0, "RPC call timeout")
	flags.Int("metrics-port", 0, "serve Prometheus metrics on this port")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		a.v.AutomaticEnv()
		for name, key := range flagKeys {
			f := cmd.Flags().Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := a.v.BindPFlag(key, f); err != nil {
				return err
			}
		}
		return nil
	}

	root.AddCommand(
		a.logCommand(),
		a.telemetryCommand("tel", "Publish a telemetry sample", 2),
		a.telemetryCommand("alm", "Publish an alarm state", 2),
		a.telemetryCommand("evn", "Publish an event", 1),
		a.produceCommand(),
		a.callCommand(),
		a.serveCommand(),
		a.consumeCommand(),
	)
	return root
}

func localLogger(level string) loggingpkg.ServiceLogger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: loggingpkg.ParseLevel(level)})
	return rmqflow.NewSlogServiceLogger(slog.New(handler))
}
