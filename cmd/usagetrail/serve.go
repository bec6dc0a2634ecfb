package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/goodtune/usagetrail/internal/api"
	"github.com/goodtune/usagetrail/internal/config"
	"github.com/goodtune/usagetrail/internal/metrics"
	"github.com/goodtune/usagetrail/internal/policy"
	"github.com/goodtune/usagetrail/internal/systemd"
	"github.com/goodtune/usagetrail/internal/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Follow the event log and serve usage",
	Long:  `Follow the event log, keep today's usage current, roll over at the configured time and serve metrics and the HTTP API.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting usagetrail")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Str("timezone", rt.loc.String()).
		Msg("Storage initialized")

	limits, err := policy.LimitsFromConfig(cfg.Policy)
	if err != nil {
		return err
	}
	policyEngine, err := policy.NewEngine(cfg.Policy.PolicyDir, limits, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	rollover, err := usage.NewRolloverScheduler(
		rt.accounting,
		rt.history,
		rt.store,
		rt.clock,
		rt.loc,
		cfg.Tracking.RolloverTime,
		cfg.Tracking.EventRetentionDays,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize rollover scheduler: %w", err)
	}
	rollover.Start()
	defer rollover.Stop()

	var apiHandler http.Handler
	if cfg.Server.APIEnabled {
		apiHandler = api.NewServer(api.Deps{
			Store:      rt.store,
			Accounting: rt.accounting,
			History:    rt.history,
			State:      rt.follower,
			Policy:     policyEngine,
			Clock:      rt.clock,
			Location:   rt.loc,
		}, logger)
	}

	httpServer := metrics.NewServer(fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort), logger, apiHandler)
	if sdListeners.HTTP != nil {
		httpServer.SetListener(sdListeners.HTTP)
	}
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	defer func() {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop HTTP server")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.follower.Run(gctx)
	})
	g.Go(func() error {
		reloadOnHangup(gctx, policyEngine, logger)
		return nil
	})
	if interval := systemd.WatchdogInterval(); interval > 0 {
		g.Go(func() error {
			runWatchdog(gctx, interval, logger)
			return nil
		})
	}

	notify := systemd.IsSystemdService()
	if notify {
		logger.Info().Msg("Running as a systemd notify service")
		if err := systemd.NotifyReady(); err != nil {
			logger.Warn().Err(err).Msg("Failed to notify systemd of readiness")
		}
	}
	logger.Info().Msg("usagetrail started successfully")

	err = g.Wait()

	logger.Info().Msg("Shutting down usagetrail")
	if notify {
		if err := systemd.NotifyStopping(); err != nil {
			logger.Warn().Err(err).Msg("Failed to notify systemd of shutdown")
		}
	}
	return err
}

// reloadOnHangup reloads the policy files on SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, engine *policy.Engine, logger zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := engine.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload policies, keeping the previous ones")
			}
		}
	}
}

func runWatchdog(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to ping systemd watchdog")
			}
		}
	}
}
