package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/usagetrail/internal/clock"
	"github.com/goodtune/usagetrail/internal/config"
	"github.com/goodtune/usagetrail/internal/live"
	"github.com/goodtune/usagetrail/internal/storage"
	"github.com/goodtune/usagetrail/internal/storage/bolt"
	"github.com/goodtune/usagetrail/internal/storage/redis"
	"github.com/goodtune/usagetrail/internal/storage/sqlite"
	"github.com/goodtune/usagetrail/internal/usage"
)

// runtime is the set of components every command builds on.
type runtime struct {
	store      storage.EventStore
	clock      clock.TimeSource
	loc        *time.Location
	accounting *usage.Accounting
	history    *usage.History
	follower   *live.Follower
	logger     zerolog.Logger
}

// openRuntime opens the event log and wires accounting, history and the
// follower on top of it.
func openRuntime(cfg *config.Config, logger zerolog.Logger) (*runtime, error) {
	loc, err := cfg.Tracking.Location()
	if err != nil {
		return nil, err
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	clk := clock.NewRealClock()
	acct := usage.New(store, clk, loc, accountingConfig(cfg.Tracking), logger)

	history, err := usage.NewHistory(store, clk, loc, cfg.Tracking.HistoryCacheSize, logger)
	if err != nil {
		acct.Close()
		_ = store.Close()
		return nil, err
	}

	tick := parseDuration(cfg.Tracking.TickInterval, live.DefaultTickInterval)
	return &runtime{
		store:      store,
		clock:      clk,
		loc:        loc,
		accounting: acct,
		history:    history,
		follower:   live.NewFollower(store, acct, history, clk, tick, logger),
		logger:     logger,
	}, nil
}

// bootstrap folds the existing log so that state and settings reflect it.
func (rt *runtime) bootstrap(ctx context.Context) error {
	return rt.follower.Bootstrap(ctx)
}

func (rt *runtime) Close() {
	rt.accounting.Close()
	if err := rt.store.Close(); err != nil {
		rt.logger.Error().Err(err).Msg("Failed to close storage")
	}
}

// accountingConfig maps the tracking section onto accounting settings.
func accountingConfig(t config.TrackingConfig) usage.Config {
	return usage.Config{
		Settings: usage.Settings{
			StopGracePeriod: parseDuration(t.StopGracePeriod, 5*time.Minute),
			InitialTargets:  t.TargetPackages,
			Mode:            t.Mode,
		},
		SnapshotTTL:    parseDuration(t.SnapshotTTL, usage.DefaultSnapshotTTL),
		MaxRuntimeStep: parseDuration(t.MaxRuntimeStep, usage.DefaultMaxRuntimeStep),
	}
}

// openStorage opens the configured event log backend
func openStorage(cfg config.StorageConfig) (storage.EventStore, error) {
	switch cfg.Type {
	case "", "sqlite":
		return sqlite.Open(cfg.Path)
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// quietLogger is used by the one-shot commands
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
