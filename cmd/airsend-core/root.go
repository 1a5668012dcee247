package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/airsend/airsend-core/v1/config"
	"github.com/airsend/airsend-core/v1/metrics"
	"github.com/airsend/airsend-core/v1/queue"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app carries the state shared by the subcommands of one invocation.
type app struct {
	v        *viper.Viper
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry

	rdb     redis.UniversalClient
	nc      *nats.Conn
	mem     *queue.InMemory
	closers []func() error
}

func newApp() *app {
	return &app{v: viper.New(), logger: slog.Default()}
}

// execute runs root and releases what the subcommand opened, whether it
// succeeded or not.
func execute(ctx context.Context, a *app, root *cobra.Command) error {
	err := root.ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil {
		a.logger.Error("release resources", "error", cerr)
		if err == nil {
			err = cerr
		}
	}
	return err
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "airsend-core",
		Short:        "AirSend coordination core",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	config.RegisterFlags(root.PersistentFlags())
	root.AddCommand(
		newWorkerCommand(a),
		newServeCommand(a),
		newMigrateCommand(a),
		newEmitCommand(a),
		newVersionCommand(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	if err := config.BindFlags(a.v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = cfg.Logger(cmd.ErrOrStderr())
	slog.SetDefault(a.logger)

	a.registry = metrics.NewRegistry()
	metrics.RegisterCoreMetrics(a.registry)
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if cfg.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(cmd.ErrOrStderr()))
		if err != nil {
			return fmt.Errorf("stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		a.onClose(func() error { return tp.Shutdown(context.Background()) })
	}
	return nil
}

func (a *app) onClose(f func() error) {
	a.closers = append(a.closers, f)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s\n", version)
		},
	}
}
