// Package main implements the vfserver binary, the WebSocket front end for
// browsing vortex line datasets.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tj-corona/vortexfinder2/activity"
	"github.com/tj-corona/vortexfinder2/catalog"
	"github.com/tj-corona/vortexfinder2/config"
	"github.com/tj-corona/vortexfinder2/dataset"
	"github.com/tj-corona/vortexfinder2/health"
	"github.com/tj-corona/vortexfinder2/metric"
	"github.com/tj-corona/vortexfinder2/natsclient"
	"github.com/tj-corona/vortexfinder2/pkg/retry"
	"github.com/tj-corona/vortexfinder2/server"
)

const appName = "vfserver"

// Set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Fatal panic",
				"panic", r,
				"stack", string(debug.Stack()))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, shouldExit, err := initializeCLI(args)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	logger := setupLogger(os.Stderr, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cliCfg.ConfigPath)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close(cliCfg.ShutdownTimeout)

	return app.serve(ctx, cliCfg.ShutdownTimeout)
}

func initializeCLI(args []string) (*CLIConfig, bool, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		return nil, false, err
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil, true, nil
	}

	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	return cliCfg, false, nil
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// app owns the long-lived components of one server process
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	monitor *health.Monitor

	engine        *dataset.PebbleEngine
	nats          *natsclient.Client
	server        *server.Server
	metricsServer *metric.Server
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metric.NewMetricsRegistry(),
	}
	core := a.metrics.CoreMetrics()
	core.RecordBuildInfo(Version)
	a.monitor = health.NewMonitor(appName, core)

	cat, err := catalog.New(cfg.Catalog.Root, cfg.Catalog.Suffix)
	if err != nil {
		return nil, fmt.Errorf("create catalog: %w", err)
	}

	a.engine, err = dataset.NewPebbleEngine(dataset.Options{
		Root:           cfg.Catalog.Root,
		Suffix:         cfg.Catalog.Suffix,
		FrameCacheSize: cfg.Dataset.FrameCacheSize,
		BlockCacheMB:   cfg.Dataset.BlockCacheMB,
		Logger:         logger,
		Registry:       a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create dataset engine: %w", err)
	}

	publisher, err := a.setupActivity(ctx, core)
	if err != nil {
		a.close(5 * time.Second)
		return nil, err
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Port = cfg.Server.Port
	srvCfg.Path = cfg.Server.Path
	srvCfg.ReadLimit = cfg.Server.ReadLimit
	srvCfg.PingInterval = cfg.Server.PingInterval
	srvCfg.ReadTimeout = cfg.Server.ReadTimeout
	srvCfg.WriteTimeout = cfg.Server.WriteTimeout
	srvCfg.RequestsPerSecond = cfg.Server.RequestsPerSecond
	srvCfg.Burst = cfg.Server.Burst

	a.server, err = server.New(srvCfg, server.Deps{
		Catalog:              cat,
		Engine:               a.engine,
		Publisher:            publisher,
		Logger:               logger,
		Registry:             a.metrics,
		Health:               a.monitor,
		SurfaceCatalogErrors: cfg.Catalog.SurfaceErrors,
	})
	if err != nil {
		a.close(5 * time.Second)
		return nil, fmt.Errorf("create server: %w", err)
	}

	if err := a.server.Listen(); err != nil {
		a.close(5 * time.Second)
		return nil, err
	}
	logger.Info("WebSocket server listening",
		"addr", a.server.Addr().String(),
		"path", cfg.Server.Path,
		"catalog_root", cfg.Catalog.Root)

	if cfg.Metrics.Enabled {
		a.metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, a.metrics)
		a.metricsServer.Handle("/health", a.monitor)
		if err := a.metricsServer.Listen(); err != nil {
			_ = a.server.Stop(time.Second)
			a.close(5 * time.Second)
			return nil, err
		}
		logger.Info("Metrics server listening", "address", a.metricsServer.Address())
	}

	return a, nil
}

// setupActivity connects the NATS activity feed when enabled. A broker that
// cannot be reached degrades the feed but does not stop the server.
func (a *app) setupActivity(ctx context.Context, core *metric.Metrics) (activity.Publisher, error) {
	if !a.cfg.Activity.Enabled {
		return activity.NopPublisher{}, nil
	}

	client, err := natsclient.NewClient(a.cfg.Activity.NATSURL,
		natsclient.WithName(a.cfg.Activity.ClientName),
		natsclient.WithLogger(a.logger),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			core.RecordNATSStatus(healthy)
			if healthy {
				a.monitor.UpdateHealthy("activity", "connected to NATS")
			} else {
				a.monitor.UpdateDegraded("activity", "NATS connection lost")
			}
		}),
		natsclient.WithReconnectCallback(core.RecordNATSReconnect),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	a.nats = client

	connect := func() error { return client.Connect(ctx) }
	if err := retry.Do(ctx, retry.Startup(), connect); err != nil {
		a.logger.Warn("Activity feed unavailable, continuing without it",
			"url", a.cfg.Activity.NATSURL,
			"error", err)
		a.monitor.UpdateDegraded("activity", "NATS unreachable")
		core.RecordError("activity", "transient")
	} else {
		a.monitor.UpdateHealthy("activity", "connected to NATS")
	}

	publisher, err := activity.NewNATSPublisher(client, a.cfg.Activity.SubjectPrefix, a.logger, func() {
		core.RecordError("activity", "transient")
	})
	if err != nil {
		return nil, fmt.Errorf("create activity publisher: %w", err)
	}
	return publisher, nil
}

// serve blocks until ctx is cancelled or a listener fails
func (a *app) serve(ctx context.Context, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(a.server.Serve)
	if a.metricsServer != nil {
		g.Go(a.metricsServer.Serve)
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down", "timeout", shutdownTimeout)
		if err := a.server.Stop(shutdownTimeout); err != nil {
			a.logger.Warn("WebSocket server shutdown incomplete", "error", err)
		}
		if a.metricsServer != nil {
			if err := a.metricsServer.Stop(); err != nil {
				a.logger.Warn("Metrics server shutdown failed", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	a.logger.Info("Shutdown complete")
	return nil
}

// close releases the components that outlive the listeners
func (a *app) close(timeout time.Duration) {
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("NATS close failed", "error", err)
		}
		cancel()
		a.nats = nil
	}
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			a.logger.Warn("Dataset engine close failed", "error", err)
		}
		a.engine = nil
	}
}
