// Package main implements the simulcastd entry point: a daemon that
// watches the local recording application over its control protocol,
// tracks stream sessions, and persists them through the configured store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/castkit/simulcastd/config"
	"github.com/castkit/simulcastd/control"
	"github.com/castkit/simulcastd/detector"
	"github.com/castkit/simulcastd/errors"
	"github.com/castkit/simulcastd/health"
	"github.com/castkit/simulcastd/metric"
	"github.com/castkit/simulcastd/natsclient"
	"github.com/castkit/simulcastd/pkg/retry"
	"github.com/castkit/simulcastd/store/kvstore"
	"github.com/castkit/simulcastd/store/memstore"
	"github.com/castkit/simulcastd/stream"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "simulcastd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	slog.Info("starting simulcastd",
		"control_url", cfg.Control.URL,
		"store_backend", cfg.Store.Backend,
		"matcher_threshold", cfg.Matcher.Threshold)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	service, storeCleanup, err := setupStore(ctx, cfg, logger, monitor)
	if err != nil {
		return fmt.Errorf("set up store: %w", err)
	}
	defer storeCleanup()

	client, err := setupControl(cfg, logger, registry, monitor)
	if err != nil {
		return fmt.Errorf("set up control client: %w", err)
	}

	det, err := detector.New(service, client,
		detector.WithLogger(logger.With("component", "detector")),
		detector.WithMetrics(detector.NewMetrics(registry)),
		detector.WithNotifier(loggingNotifier(logger)),
	)
	if err != nil {
		return fmt.Errorf("set up detector: %w", err)
	}
	det.Attach(ctx, client)

	srv := metric.NewServer(cfg.Health.Port, cfg.Health.MetricsPath, registry)
	srv.Handle("/healthz", health.Handler(monitor, appName))
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("health server failed", "error", err)
		}
	}()
	defer func() { _ = srv.Stop() }()

	err = supervise(ctx, client, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()
	shutdown(shutdownCtx, client)
	return err
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	return loader.Load()
}

// setupStore builds the configured stream.Service backend. For the NATS
// backend the returned cleanup drains the connection.
func setupStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, monitor *health.Monitor) (stream.Service, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		monitor.UpdateHealthy("store", "in-memory store")
		return memstore.New(), func() {}, nil

	case config.BackendNATS:
		opts := []natsclient.ClientOption{
			natsclient.WithLogger(logger.With("component", "natsclient")),
			natsclient.WithMaxReconnects(cfg.Store.NATS.MaxReconnects),
			natsclient.WithReconnectWait(cfg.Store.NATS.ReconnectWait),
		}
		if cfg.Store.NATS.Username != "" {
			opts = append(opts, natsclient.WithCredentials(cfg.Store.NATS.Username, cfg.Store.NATS.Password))
		}
		if cfg.Store.NATS.Token != "" {
			opts = append(opts, natsclient.WithToken(cfg.Store.NATS.Token))
		}

		nc, err := natsclient.NewClient(cfg.Store.NATS.URLs, opts...)
		if err != nil {
			return nil, nil, err
		}
		if err := nc.Connect(ctx); err != nil {
			return nil, nil, err
		}

		bucket, err := nc.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Store.NATS.Bucket,
			Description: "simulcastd stream sessions",
			History:     1,
		})
		if err != nil {
			_ = nc.Close(ctx)
			return nil, nil, err
		}

		store, err := kvstore.New(nc.NewKVStore(bucket),
			kvstore.WithLogger(logger.With("component", "kvstore")))
		if err != nil {
			_ = nc.Close(ctx)
			return nil, nil, err
		}

		monitor.RegisterChecker("store", func() health.Status {
			if nc.IsHealthy() {
				return health.NewHealthy("store", "nats connected")
			}
			return health.NewUnhealthy("store", "nats connection down")
		})

		cleanup := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := nc.Close(closeCtx); err != nil {
				slog.Warn("nats close failed", "error", err)
			}
		}
		return store, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func setupControl(cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry, monitor *health.Monitor) (*control.Client, error) {
	client, err := control.New(control.Config{
		URL:            cfg.Control.URL,
		Password:       cfg.Control.Password,
		RPCVersion:     cfg.Control.RPCVersion,
		ConnectTimeout: cfg.Control.ConnectTimeout,
		RequestTimeout: cfg.Control.RequestTimeout,
	},
		control.WithLogger(logger.With("component", "control")),
		control.WithMetrics(control.NewMetrics(registry)),
	)
	if err != nil {
		return nil, err
	}

	monitor.RegisterChecker("control", func() health.Status {
		if client.IsConnected() {
			return health.NewHealthy("control", "endpoint connected")
		}
		// The supervisor is re-dialing: degraded, not dead.
		return health.NewDegraded("control", "endpoint disconnected, reconnecting")
	})
	return client, nil
}

// loggingNotifier surfaces lifecycle events in the daemon log.
func loggingNotifier(logger *slog.Logger) detector.Notifier {
	l := logger.With("component", "lifecycle")
	return detector.NotifierFunc(func(event detector.Event) {
		l.Info("stream lifecycle event",
			"event", string(event.Kind),
			"commonId", event.CommonID,
			"at", event.At)
	})
}

// supervise keeps the control connection alive: it dials with backoff,
// waits for a disconnect, and dials again. Authentication failures are
// fatal; everything else is retried until the context ends.
func supervise(ctx context.Context, client *control.Client, logger *slog.Logger) error {
	disconnects := make(chan struct{}, 1)
	client.On(control.EventDisconnected, func(any) error {
		select {
		case disconnects <- struct{}{}:
		default:
		}
		return nil
	})

	for {
		err := retry.Do(ctx, retry.Supervisor(), func() error {
			err := client.Connect(ctx)
			if err != nil && errors.IsFatal(err) {
				return retry.NonRetryable(err)
			}
			if err != nil {
				logger.Warn("control connect failed, will retry", "error", err)
			}
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connect to control endpoint: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-disconnects:
			logger.Info("control connection lost, re-dialing")
		}
	}
}

func shutdown(ctx context.Context, client *control.Client) {
	done := make(chan struct{})
	go func() {
		_ = client.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown timed out")
	}
}
