// Package serve wires the whole service together: configuration,
// storage, proxy rotation, platform monitors, the delivery queue, and
// the control API.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/adwatch/internal/api"
	"github.com/jonesrussell/adwatch/internal/config"
	"github.com/jonesrussell/adwatch/internal/cookies"
	"github.com/jonesrussell/adwatch/internal/database"
	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/fetch"
	"github.com/jonesrussell/adwatch/internal/logger"
	"github.com/jonesrussell/adwatch/internal/monitor"
	"github.com/jonesrussell/adwatch/internal/notify"
	"github.com/jonesrussell/adwatch/internal/notify/telegram"
	"github.com/jonesrussell/adwatch/internal/registry"
	"github.com/jonesrussell/adwatch/internal/rotation"
)

const shutdownTimeout = 30 * time.Second

// vacuumSchedule compacts the database nightly, off-peak.
const vacuumSchedule = "30 4 * * *"

// Command returns the serve command.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the listing monitor service",
		Long:  `Starts the platform monitors, the Telegram delivery queue, and the HTTP control API.`,
		RunE:  run,
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfgFile, _ := cmd.Root().PersistentFlags().GetString("config")
	debug, _ := cmd.Root().PersistentFlags().GetBool("debug")

	cfg, err := config.Load(config.NewViper(cfgFile))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
		cfg.Logging.Encoding = "console"
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	db, err := database.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	urlRepo := database.NewMonitoredURLRepository(db)
	viewedRepo := database.NewViewedListingRepository(db)

	reg := registry.New(urlRepo, log)
	if err := reg.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore monitored urls: %w", err)
	}

	sender := telegram.NewSender(log)
	alerter := notify.NewAdminAlerter(sender, cfg.Telegram.AdminChannel(), log)

	rotator := rotation.NewIPRotator(cfg.Rotation, log)
	coordinator, err := rotation.NewCoordinator(cfg.Rotation, rotator, alerter, log)
	if err != nil {
		return fmt.Errorf("failed to create rotation coordinator: %w", err)
	}
	if cfg.Proxy.Configured() {
		coordinator.Configure(&cfg.Proxy)
	}

	queue := notify.NewQueue(cfg.Queue, sender, log)
	queue.Start(ctx)

	provider := cookies.NewCached(cookies.NewStatic(cfg.PlatformCookies()), cfg.CookieTTL, log)
	sessions := func() (fetch.Fetcher, error) {
		fc := fetch.DefaultConfig()
		if cfg.Proxy.Configured() {
			fc.Proxy = &cfg.Proxy
		}
		return fetch.NewSession(fc, provider, log)
	}

	monitors := make(map[domain.Platform]api.MonitorControl)
	var started []*monitor.Monitor
	for _, mc := range []config.MonitorConfig{cfg.Avito, cfg.Cian} {
		if !mc.Enabled {
			log.Info("monitor disabled", "platform", mc.Platform)
			continue
		}
		m, err := monitor.New(mc.Config, reg, coordinator, viewedRepo, queue, sessions, provider, log)
		if err != nil {
			return fmt.Errorf("failed to create %s monitor: %w", mc.Platform, err)
		}
		m.Start(ctx)
		monitors[mc.Platform] = m
		started = append(started, m)
	}

	maintenance := cron.New()
	if _, err := maintenance.AddFunc(vacuumSchedule, func() {
		vctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := database.Vacuum(vctx, db); err != nil {
			log.Error("database vacuum failed", "error", err)
			return
		}
		log.Info("database vacuumed",
			"registry", reg.GetMetrics(),
			"queue", queue.GetMetrics())
	}); err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	maintenance.Start()

	server := api.NewServer(cfg.Server, api.Deps{
		Monitors:  monitors,
		Registry:  reg,
		Proxy:     coordinator,
		Queue:     queue,
		StartedAt: time.Now(),
	}, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			log.Error("api server exited", "error", err)
		}
	case <-ctx.Done():
		log.Info("context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	<-maintenance.Stop().Done()
	for _, m := range started {
		m.Stop()
	}
	paused := reg.PauseAll(shutdownCtx)
	log.Info("monitored urls parked for restart", "count", paused)

	queue.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("api server shutdown failed", "error", err)
	}

	log.Info("shutdown complete")
	return nil
}
