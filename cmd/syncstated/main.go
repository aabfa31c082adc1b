// Command syncstated is the ambient process around the sync-state core: it
// loads configuration, opens the Persistent Store, and runs the periodic GC
// sweep. It does not speak the wire protocol — the WBXML/HTTP layer and the
// per-command protocol handlers are explicitly out of scope (spec.md §1) —
// so this binary's only job is to keep the store healthy for an embedding
// protocol-handler process that links internal/statemanager directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/airsync/syncstate/internal/config"
	"github.com/airsync/syncstate/internal/gc"
	"github.com/airsync/syncstate/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "syncstated:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to syncstated config file (JSON); defaults applied when unset")
	yamlConfigPath := flag.String("config-yaml", "", "path to a YAML config file, an alternative to -config")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *yamlConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Server.LogLevel)}))
	logger.Info("syncstated starting", "data_dir", cfg.Server.DataDir, "store", cfg.StorePath())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.StorePath(), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	collector := gc.New(db, logger)

	group, gctx := errgroup.WithContext(ctx)

	var sweeper *gc.Sweeper
	if cfg.GC.Enabled {
		sweeper, err = gc.NewSweeper(collector, db, cfg.GC.CronExpr, logger)
		if err != nil {
			return fmt.Errorf("start gc sweeper: %w", err)
		}
		group.Go(func() error {
			sweeper.Start(gctx)
			<-gctx.Done()
			return nil
		})
	} else {
		logger.Info("gc sweeper disabled by config")
	}

	// The YAML config path has no reload support (config.Reload only
	// re-reads JSON), so hot-reload is only wired for -config.
	if *configPath != "" {
		watcher := config.NewWatcher(*configPath, 5*time.Second, logger, func() {
			result, err := cfg.Reload(*configPath)
			if err != nil {
				logger.Error("config reload failed", "error", err)
				return
			}
			result.LogResult(logger)
			if sweeper != nil {
				for _, field := range result.Applied {
					if field == "GC" {
						if err := sweeper.Reschedule(cfg.GC.CronExpr); err != nil {
							logger.Error("gc sweeper reschedule failed", "error", err)
						}
						break
					}
				}
			}
		})
		watcher.Start()
		defer watcher.Stop()
	}

	group.Go(func() error {
		<-gctx.Done()
		logger.Info("syncstated shutting down")
		return nil
	})

	return group.Wait()
}

func loadConfig(jsonPath, yamlPath string) (*config.Config, error) {
	switch {
	case yamlPath != "":
		return config.LoadYAML(yamlPath)
	case jsonPath != "":
		return config.Load(jsonPath)
	default:
		return config.DefaultConfig(), nil
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "err":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
