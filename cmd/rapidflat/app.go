package main

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	internalnats "github.com/wehubfusion/rapidflat/internal/nats"
	"github.com/wehubfusion/rapidflat/internal/telemetry"
	"github.com/wehubfusion/rapidflat/internal/tracing"
	"github.com/wehubfusion/rapidflat/pkg/concurrency"
	"github.com/wehubfusion/rapidflat/pkg/config"
	"github.com/wehubfusion/rapidflat/pkg/export"
	"github.com/wehubfusion/rapidflat/pkg/flowdef"
	"github.com/wehubfusion/rapidflat/pkg/rapidpro"
	"github.com/wehubfusion/rapidflat/pkg/sink"
	"github.com/wehubfusion/rapidflat/pkg/storage"
)

// app holds what every command needs. close releases it in reverse order.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	client  *rapidpro.Client
	limiter *concurrency.Limiter
	metrics *telemetry.Metrics
	sentry  bool

	closers []func()
}

func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	path := opts.configFile
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}
	if flags.Changed("sink") {
		cfg.Sink.Kind = opts.sinkKind
	}
	if flags.Changed("out") {
		cfg.Sink.OutputDir = opts.outputDir
	}
	if flags.Changed("workers") {
		cfg.Export.Workers = opts.workers
	}
	return cfg, cfg.Validate()
}

func newApp(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	if cfg.Telemetry.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Telemetry.SentryDSN, Release: "rapidflat@" + version}); err != nil {
			logger.Warn("Sentry disabled", zap.Error(err))
		} else {
			a.sentry = true
			a.closers = append(a.closers, func() { sentry.Flush(2 * time.Second) })
		}
	}

	ctx := cmd.Context()
	shutdown, err := tracing.Setup(ctx, tracing.DefaultConfig(cfg.Telemetry.OTLPEndpoint, version), logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = tracing.Shutdown(shutdown, logger) })

	reg := prometheus.NewRegistry()
	a.metrics = telemetry.NewMetrics(reg)
	if cfg.Telemetry.MetricsAddr != "" {
		stopMetrics, err := telemetry.Serve(ctx, cfg.Telemetry.MetricsAddr, reg, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, stopMetrics)
	}

	a.client, err = rapidpro.NewClient(cfg.API.URL, cfg.API.Token, rapidpro.WithLogger(logger))
	if err != nil {
		a.close()
		return nil, err
	}

	workers := concurrency.LoadConfig(cfg.Export.Workers)
	logger.Debug("Concurrency configured", zap.String("config", workers.String()))
	a.limiter = workers.NewLimiter()
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// report logs a command failure and forwards it to Sentry when configured.
func (a *app) report(cmd *cobra.Command, err error) {
	a.logger.Error("Command failed", zap.String("command", cmd.CommandPath()), zap.Error(err))
	if a.sentry {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("command", cmd.CommandPath())
			sentry.CaptureException(err)
		})
	}
}

// withApp builds the app, runs fn and tears everything down afterwards.
func withApp(opts *rootOptions, fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd, opts)
		if err != nil {
			return err
		}
		defer a.close()

		if err := fn(cmd.Context(), a); err != nil {
			a.report(cmd, err)
			return err
		}
		return nil
	}
}

// openSink opens the configured sink.
func (a *app) openSink(ctx context.Context) (sink.Sink, error) {
	cfg := a.cfg.Sink
	kind, err := sink.ParseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}

	switch kind {
	case sink.KindBlob:
		blobs, err := storage.NewAzureBlobClient(cfg.Blob.ConnectionString, cfg.Blob.Container, a.logger)
		if err != nil {
			return nil, err
		}
		return sink.NewBlob(blobs, cfg.Blob.Prefix, a.logger)

	case sink.KindNATS:
		conn, err := internalnats.Connect(ctx, internalnats.DefaultConnectionConfig(cfg.NATS.URL), a.logger)
		if err != nil {
			return nil, err
		}
		js, err := conn.JetStream()
		if err != nil {
			_ = internalnats.Close(conn)
			return nil, fmt.Errorf("failed to open JetStream: %w", err)
		}
		a.closers = append(a.closers, func() { _ = internalnats.Close(conn) })
		return sink.NewNATS(sink.WrapJetStream(js), sink.NATSConfig{Stream: cfg.NATS.Stream, Subject: cfg.NATS.Subject}, a.logger)

	case sink.KindPostgres:
		pool, err := sink.NewPool(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, err
		}
		pg, err := sink.NewPostgres(ctx, pool, a.logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return pg, nil
	}

	return sink.NewCSV(cfg.OutputDir, a.logger)
}

// driver opens the sink and builds an export driver writing to it. The caller
// closes the returned sink.
func (a *app) driver(ctx context.Context) (*export.Driver, sink.Sink, error) {
	out, err := a.openSink(ctx)
	if err != nil {
		return nil, nil, err
	}

	opts := a.cfg.ExportOptions()
	opts.Observer = a.metrics
	defs := flowdef.NewCache(a.client, a.logger)

	d, err := export.NewDriver(a.client, defs, out, a.limiter, a.logger, opts)
	if err != nil {
		_ = out.Close()
		return nil, nil, err
	}
	return d, out, nil
}
