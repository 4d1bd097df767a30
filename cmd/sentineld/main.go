// Package main — cmd/sentineld/main.go
//
// sentineld daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/sentineld/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open BoltDB storage.
//  4. Prune stale entries (events, groups, deliveries past retention).
//  5. Start Prometheus metrics server (127.0.0.1:9091).
//  6. Seed the Connection Registry from config, opening one database
//     client per connection.
//  7. Start the Anomaly Engine, Correlator, Threshold Gate, and Webhook
//     Dispatcher.
//  8. Start one anomaly-polling loop per connection via the Polling
//     Supervisor.
//  9. Start the correlator sweep loop and the webhook retry-scan loop.
// 10. Start the HTTP control-plane API server.
// 11. Register SIGHUP handler for config hot-reload.
// 12. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to correlator, dispatcher, metrics, API).
//  2. Stop all polling loops (bounded drain wait per loop).
//  3. Close every database client.
//  4. Close BoltDB.
//  5. Flush logger.
//  6. Exit 0.
//
// On storage open failure or config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sentineld/sentineld/internal/api"
	"github.com/sentineld/sentineld/internal/config"
	"github.com/sentineld/sentineld/internal/correlator"
	"github.com/sentineld/sentineld/internal/dbclient"
	"github.com/sentineld/sentineld/internal/engine"
	"github.com/sentineld/sentineld/internal/gate"
	"github.com/sentineld/sentineld/internal/model"
	"github.com/sentineld/sentineld/internal/observability"
	"github.com/sentineld/sentineld/internal/registry"
	"github.com/sentineld/sentineld/internal/storage"
	"github.com/sentineld/sentineld/internal/supervisor"
	"github.com/sentineld/sentineld/internal/webhook"
)

const retentionSweepInterval = 6 * time.Hour

func main() {
	// ── Flags ────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/sentineld/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("sentineld %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("sentineld starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open BoltDB ──────────────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 4: Prune stale entries ──────────────────────────────────────────
	pruneOnce(db, cfg.Storage.RetentionDays, log)
	go runRetentionSweep(ctx, db, cfg.Storage.RetentionDays, log)

	// ── Step 5: Prometheus metrics ───────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 6: Connection Registry + database clients ──────────────────────
	reg := registry.New(cfg.Polling.MaxConnections)
	clients := make(map[string]dbclient.Client)
	// The Registry's default is the first connection added, so the one
	// marked default is seeded first.
	seed := append([]config.ConnectionConfig(nil), cfg.Connections...)
	sort.SliceStable(seed, func(i, j int) bool { return seed[i].Default && !seed[j].Default })
	for _, c := range seed {
		host, port := splitAddr(c.Addr)
		client := dbclient.New(dbclient.Options{Addr: c.Addr})
		clients[c.ID] = client
		reg.Add(registry.Connection{ID: c.ID, Name: c.Name, Host: host, Port: port, Handle: client})
		if c.Default {
			log.Info("default connection seeded", zap.String("connection_id", c.ID))
		}
	}
	metrics.ActiveConnections.Set(float64(len(reg.List())))

	// ── Step 7: Anomaly Engine, Correlator, Gate, Dispatcher ─────────────────
	clock := model.RealClock{}
	g := gate.New()

	whDefaults := webhook.Defaults{
		MaxRetries:           cfg.Webhooks.MaxRetries,
		InitialDelayMs:       cfg.Webhooks.InitialDelayMs,
		Multiplier:           cfg.Webhooks.Multiplier,
		MaxDelayMs:           cfg.Webhooks.MaxDelayMs,
		TimeoutMs:            cfg.Webhooks.TimeoutMs,
		MaxResponseBodyBytes: cfg.Webhooks.MaxResponseBodyBytes,
		HysteresisFactor:     cfg.Webhooks.HysteresisFactor,
		MaxInFlight:          cfg.Webhooks.MaxInFlight,
	}
	dispatcher := webhook.New(db, g, metrics, log, whDefaults, clock)

	detCfg := make(map[model.MetricKind]config.DetectorConfig, len(cfg.Detectors))
	for k, v := range cfg.Detectors {
		detCfg[model.MetricKind(k)] = v
	}
	eng := engine.New(detCfg, cfg.Polling.BufferCapacity, cfg.Polling.MinSamples,
		cfg.Polling.MaxRecentEvents, db, metrics, dispatcher, clock)

	corr := correlator.New(cfg.Correlator.WindowMs, eng, db, metrics, log, clock)

	for id, client := range clients {
		caps, err := client.Capabilities(ctx)
		if err != nil {
			log.Warn("capability probe failed — extractors default to enabled", zap.String("connection_id", id), zap.Error(err))
			continue
		}
		eng.SetCapabilities(id, caps)
		log.Info("capabilities probed", zap.String("connection_id", id),
			zap.String("db_type", caps.DBType), zap.String("version", caps.Version))
	}

	// ── Step 8: Polling Supervisor ───────────────────────────────────────────
	super := supervisor.New(cfg.Polling.DrainTimeout(), log)
	reg.Subscribe(func(evt registry.Event) {
		if evt.Kind == registry.EventRemoved {
			super.NotifyConnectionRemoved(evt.ConnectionID)
		}
	})

	var pollIntervalMs atomic.Int64
	pollIntervalMs.Store(cfg.Polling.AnomalyIntervalMs)
	for _, c := range cfg.Connections {
		c := c
		client := clients[c.ID]
		host, port := splitAddr(c.Addr)
		super.Start(supervisor.Loop{
			Name:         supervisor.LoopName("anomaly", c.ID),
			ConnectionID: c.ID,
			IntervalFn: func() time.Duration {
				return time.Duration(pollIntervalMs.Load()) * time.Millisecond
			},
			InitialPoll: true,
			PollFn: func(ctx context.Context) error {
				return eng.ProcessTick(ctx, c.ID, host, port, client)
			},
			OnConnectionRemoved: func(string) {
				eng.ForgetConnection(c.ID)
			},
		})
	}
	log.Info("polling loops started", zap.Int("connections", len(cfg.Connections)))

	// ── Step 9: Correlator + webhook retry scan ──────────────────────────────
	go corr.Run(ctx, time.Duration(cfg.Correlator.TickMs)*time.Millisecond)
	go dispatcher.Run(ctx, time.Duration(cfg.Webhooks.RetryScanIntervalMs)*time.Millisecond)

	// ── Step 10: HTTP control-plane API ──────────────────────────────────────
	apiSrv := api.New(db, eng, reg, dispatcher, log, clock)
	httpSrv := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      apiSrv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info("api server started", zap.String("addr", cfg.API.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("api server error", zap.Error(err))
		}
	}()

	// ── Step 11: SIGHUP hot-reload ────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			next, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			config.ApplyHotReload(cfg, *next)
			pollIntervalMs.Store(cfg.Polling.AnomalyIntervalMs)
			log.Info("config hot-reload applied",
				zap.Int64("anomaly_interval_ms", cfg.Polling.AnomalyIntervalMs),
				zap.String("log_level", cfg.Observability.LogLevel))
		}
	}()

	// ── Step 12: Wait for shutdown signal ────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = httpSrv.Shutdown(shutdownCtx)
	shutdownCancel()

	super.StopAll()
	for id, c := range clients {
		if err := c.Close(); err != nil {
			log.Warn("database client close failed", zap.String("connection_id", id), zap.Error(err))
		}
	}

	log.Info("sentineld shutdown complete")
}

// splitAddr splits a "host:port" address, defaulting to port 6379 if
// absent or unparsable.
func splitAddr(addr string) (string, int) {
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		return addr, 6379
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 6379
	}
	return host, port
}

// pruneOnce runs a single retention pass across every pruned bucket at startup.
func pruneOnce(db *storage.DB, retentionDays int, log *zap.Logger) {
	events, err := db.PruneOldAnomalyEvents(retentionDays)
	if err != nil {
		log.Warn("anomaly event pruning failed", zap.Error(err))
	}
	groups, err := db.PruneOldCorrelatedGroups(retentionDays)
	if err != nil {
		log.Warn("correlated group pruning failed", zap.Error(err))
	}
	deliveries, err := db.PruneOldDeliveries(retentionDays)
	if err != nil {
		log.Warn("delivery pruning failed", zap.Error(err))
	}
	log.Info("startup retention sweep complete",
		zap.Int("events_pruned", events),
		zap.Int("groups_pruned", groups),
		zap.Int("deliveries_pruned", deliveries))
}

// runRetentionSweep re-runs pruneOnce on retentionSweepInterval until ctx
// is cancelled.
func runRetentionSweep(ctx context.Context, db *storage.DB, retentionDays int, log *zap.Logger) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneOnce(db, retentionDays, log)
		}
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
