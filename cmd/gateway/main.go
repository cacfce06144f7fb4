// Package main is the entry point for the edge-hive gateway server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/internal/compiler"
	"github.com/Senneseph/edge-hive/internal/config"
	"github.com/Senneseph/edge-hive/internal/dispatch"
	"github.com/Senneseph/edge-hive/internal/observability"
	"github.com/Senneseph/edge-hive/internal/provider"
	"github.com/Senneseph/edge-hive/internal/runtime"
	"github.com/Senneseph/edge-hive/internal/store"
	"github.com/Senneseph/edge-hive/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// drainSweepInterval paces the reaper for images whose drain deadline
// watchdog was interrupted by a crash mid-swap.
const drainSweepInterval = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "edge-hive", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Persistence.
	st, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	clock := clockwork.NewRealClock()

	// Provider registry and handler runtime.
	providers := provider.NewRegistry(st, logger, clock, metrics)
	rt := runtime.NewRegistry(runtime.DLLoader{}, logger, clock, metrics)
	comp := compiler.New(compiler.Config{
		HandlersRoot: cfg.Compiler.HandlersRoot,
		SDKPath:      cfg.Compiler.SDKPath,
		Toolchain:    cfg.Compiler.Toolchain,
		BuildTimeout: cfg.Compiler.BuildTimeout,
	}, logger, metrics)

	// Route index, hydrated from the store before the listener opens.
	index := dispatch.NewIndex(nil, metrics)
	var routesLoaded atomic.Bool
	if err := hydrateRoutes(ctx, st, index); err != nil {
		logger.Error("route hydration failed", zap.Error(err))
		return 1
	}
	routesLoaded.Store(true)

	restoreImages(ctx, st, rt, comp, logger)
	activateProviders(ctx, st, providers, logger)

	gateway := dispatch.NewDispatcher(index, rt, providers, dispatch.Config{
		HandlerTimeout: cfg.Gateway.HandlerTimeout,
		MaxBodyBytes:   cfg.Gateway.MaxBodyBytes,
		Env:            cfg.Gateway.Env,
	}, logger, metrics)

	readinessChecks := observability.ReadinessChecks{
		RoutesLoaded: routesLoaded.Load,
	}
	if hc, ok := st.(observability.HealthChecker); ok {
		readinessChecks.Store = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Log:       logger,
		Store:     st,
		Index:     index,
		Runtime:   rt,
		Providers: providers,
		Compiler:  comp,
		Gateway:   gateway,
		Ready:     observability.HandleReady(readinessChecks),
		Metrics:   observability.Handler(),
	})

	handler := metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background sweeps: reap stale draining images, refresh image gauges.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go runDrainSweeper(bgCtx, rt, metrics, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	// Images before providers: a handler mid-drain may still resolve one.
	rt.Close()
	providers.Close()
	if storeCloser != nil {
		storeCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore creates the endpoint and provider store based on config.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory store")
		return store.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = cfg.MaxConns

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		return store.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// hydrateRoutes builds the initial dispatch index from persisted endpoints.
func hydrateRoutes(ctx context.Context, st store.EndpointStore, index *dispatch.Index) error {
	endpoints, err := st.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}
	index.Replace(endpoints)
	return nil
}

// restoreImages reloads compiled artifacts for enabled endpoints after a
// restart. A missing or broken artifact leaves the endpoint routable but
// unloaded; the admin surface can recompile it.
func restoreImages(ctx context.Context, st store.EndpointStore, rt *runtime.Registry, comp *compiler.Compiler, logger *zap.Logger) {
	endpoints, err := st.ListEndpoints(ctx)
	if err != nil {
		logger.Error("image restore skipped", zap.Error(err))
		return
	}
	for _, e := range endpoints {
		if !e.Enabled || !e.Compiled {
			continue
		}
		if err := rt.Load(e.ID, comp.ArtifactPath(e.ID)); err != nil {
			logger.Warn("image restore failed",
				zap.String("endpoint_id", e.ID),
				zap.Error(err))
			continue
		}
		logger.Info("image restored", zap.String("endpoint_id", e.ID))
	}
}

// activateProviders opens connections for providers persisted as enabled.
func activateProviders(ctx context.Context, st store.ProviderStore, providers *provider.Registry, logger *zap.Logger) {
	descriptors, err := st.ListProviders(ctx)
	if err != nil {
		logger.Error("provider activation skipped", zap.Error(err))
		return
	}
	for _, d := range descriptors {
		if !d.Enabled {
			continue
		}
		if err := providers.Activate(ctx, d.ID); err != nil {
			logger.Warn("provider activation failed",
				zap.String("provider", d.Name),
				zap.String("kind", string(d.Kind)),
				zap.Error(err))
			continue
		}
		logger.Info("provider activated",
			zap.String("provider", d.Name),
			zap.String("kind", string(d.Kind)))
	}
}

// runDrainSweeper periodically reaps drained images and refreshes the
// image gauges.
func runDrainSweeper(ctx context.Context, rt *runtime.Registry, metrics *observability.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(drainSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := rt.CleanupDrained(); reaped > 0 {
				logger.Info("drained images reaped", zap.Int("count", reaped))
			}
			stats := rt.Stats()
			metrics.SetImageCounts(stats.Loaded, stats.Draining)
		}
	}
}
