// Command worker runs the insurance CRM event backbone: the outbox relay,
// one worker pool per consumer group, and the ops HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/Narjhan-ng/insurance-crm/internal/app"
	"github.com/Narjhan-ng/insurance-crm/internal/ops"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/config"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/observability"
)

func main() {
	configPath := flag.String("config", os.Getenv("CRM_CONFIG"), "path to a YAML or JSON settings file")
	flag.Parse()

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
			os.Exit(1)
		}
	}

	s, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: s.Level()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, s, logger); err != nil {
		logger.Error("worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, s config.Settings, logger *slog.Logger) error {
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName: s.ServiceName,
		Enabled:     s.Tracing.Enabled,
		Endpoint:    s.Tracing.Endpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("flush traces", slog.String("error", err.Error()))
		}
	}()

	c, err := wire(ctx, s, logger)
	if err != nil {
		return err
	}
	defer c.close()

	a, err := app.New(c.appConfig(s, logger))
	if err != nil {
		return err
	}

	router := ops.NewRouter(ops.Deps{
		Events:      c.events,
		DeadLetters: c.deadLetters,
		Replayer:    a.Replayer,
		Lag:         a,
		Reminder:    a.Actions,
		Gatherer:    c.registry,
		Logger:      logger,
	})
	server := ops.NewServer(s.Ops.Addr, router, s.Ops.ShutdownTimeout, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	logger.Info("worker started",
		slog.String("service", s.ServiceName),
		slog.String("store", s.Store.Driver),
		slog.Bool("redis", s.Redis.Addr != ""),
		slog.Bool("s3", s.S3.Bucket != ""),
		slog.Int("kafka_brokers", len(s.Kafka.Brokers)),
	)
	return g.Wait()
}
