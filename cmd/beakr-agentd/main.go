// Package main — cmd/beakr-agentd/main.go
//
// Beakr desktop agent entrypoint.
//
// Startup sequence:
//  1. Parse flags.
//  2. Load and validate config from $XDG_CONFIG_HOME/beakr/config.yaml.
//  3. Initialise structured logger (zap).
//  4. Open bbolt local store.
//  5. Prune stale activity entries (now, then every 6 hours).
//  6. Build shared AppState from persisted settings (falling back to config
//     defaults on first run).
//  7. Start Prometheus metrics server (unless agent.lightweight_mode).
//  8. Start the operator Unix socket server (unless operator.enabled=false).
//  9. Start the connection supervisor.
// 10. Register SIGHUP handler for config hot-reload.
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to supervisor, metrics, operator).
//  2. Raise the shutdown signal so a connected supervisor sends a clean
//     WebSocket close frame rather than dropping the socket.
//  3. Wait for the supervisor to report disconnected (max 5s).
//  4. Close the local store.
//  5. Flush the logger.
//  6. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/thebeakr/desktop-agent/internal/config"
	"github.com/thebeakr/desktop-agent/internal/observability"
	"github.com/thebeakr/desktop-agent/internal/operator"
	"github.com/thebeakr/desktop-agent/internal/state"
	"github.com/thebeakr/desktop-agent/internal/storage"
	"github.com/thebeakr/desktop-agent/internal/supervisor"
	"github.com/thebeakr/desktop-agent/internal/tools"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────
	defaultConfigPath, _ := config.DefaultConfigPath()
	configPath := flag.String("config", defaultConfigPath, "Path to config.yaml")
	devMode := flag.Bool("dev", false, "Enable unauthenticated dev-identity connect (never use in production)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("beakr-agentd %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 2: Load config ──────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Initialise logger ────────────────────────────────────────
	log, logLevel, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("beakr-agentd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
		zap.Bool("dev_mode", *devMode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Open local store ─────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.ActivityRetentionDays)
	if err != nil {
		log.Fatal("local store open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("local store opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 5: Prune stale activity entries ─────────────────────────────
	pruned, err := db.PruneOldActivity()
	if err != nil {
		log.Warn("activity pruning failed", zap.Error(err))
	} else {
		log.Info("activity pruned", zap.Int("deleted", pruned))
	}
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := db.PruneOldActivity(); err != nil {
					log.Warn("activity pruning failed", zap.Error(err))
				} else {
					log.Info("activity pruned", zap.Int("deleted", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// ── Step 6: Build shared state ───────────────────────────────────────
	deviceName, _ := os.Hostname()
	scopedFolders := cfg.Agent.ScopedFolders
	settings, err := db.LoadSettings()
	if err != nil {
		log.Warn("settings load failed, using config defaults", zap.Error(err))
	} else if settings != nil {
		if settings.DeviceName != "" {
			deviceName = settings.DeviceName
		}
		if len(settings.ScopedFolders) > 0 {
			scopedFolders = settings.ScopedFolders
		}
	}

	appState := state.New(deviceName, scopedFolders)
	if settings != nil && settings.DeviceToken != "" {
		appState.SetAuthToken(settings.DeviceToken)
	}
	appState.OnStatusChange(func(status state.ConnectionStatus) {
		log.Info("connection status changed", zap.String("status", string(status)))
	})

	// ── Step 7: Prometheus metrics ────────────────────────────────────────
	metrics := observability.NewMetrics()
	if !cfg.Agent.LightweightMode {
		go func() {
			if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))
	} else {
		log.Info("lightweight mode: metrics server disabled")
	}

	// ── Step 8: Operator socket ──────────────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, appState, db, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator socket error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	// ── Step 9: Connection supervisor ────────────────────────────────────
	sup := supervisor.New(cfg.Connection, appState, tools.Default(), db, metrics, log, config.Version, *devMode)
	defer sup.Close()
	sup.OnEvent(func(event string, payload map[string]any) {
		log.Debug("supervisor event", zap.String("event", event), zap.Any("payload", payload))
	})

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		if err := sup.Run(ctx); err != nil {
			log.Error("supervisor exited with error", zap.Error(err))
		}
	}()
	log.Info("connection supervisor started")

	// ── Step 10: SIGHUP hot-reload ───────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			safe, reason := config.NonDestructiveDiff(cfg, newCfg)
			if !safe {
				log.Warn("config hot-reload contains a destructive change, restart required to apply it", zap.String("reason", reason))
			}

			appState.SetScopedFolders(newCfg.Agent.ScopedFolders)
			appState.RaiseFoldersChanged()

			var newZapLevel zapcore.Level
			if err := newZapLevel.UnmarshalText([]byte(newCfg.Observability.LogLevel)); err != nil {
				log.Warn("config hot-reload: invalid log_level, retaining current level", zap.Error(err))
			} else {
				logLevel.SetLevel(newZapLevel)
			}

			sup.SetHeartbeatInterval(newCfg.Connection.HeartbeatInterval)

			cfg = newCfg
			log.Info("config hot-reload applied non-destructive changes",
				zap.Strings("scoped_folders", newCfg.Agent.ScopedFolders),
				zap.String("log_level", newCfg.Observability.LogLevel),
				zap.Duration("heartbeat_interval", newCfg.Connection.HeartbeatInterval),
			)
		}
	}()

	// ── Step 11: Wait for shutdown signal ────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	appState.RaiseShutdown()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	select {
	case <-shutdownTimer.C:
		log.Warn("supervisor shutdown timeout — forcing exit")
	case <-supervisorDone:
		log.Info("supervisor stopped cleanly")
	}

	log.Info("beakr-agentd shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
// The returned AtomicLevel stays wired into the logger after construction,
// so a later SetLevel call changes the level of every already-issued
// *zap.Logger derived from it — this is how SIGHUP applies a log_level
// change without rebuilding the logger.
func buildLogger(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	atomicLevel := zap.NewAtomicLevelAt(zapLevel)
	cfg.Level = atomicLevel

	log, err := cfg.Build()
	return log, atomicLevel, err
}
