// riskwatch server - live risk-monitoring feed consumer with a JSON and
// WebSocket view API
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mbd888/riskwatch/internal/alert"
	"github.com/mbd888/riskwatch/internal/config"
	"github.com/mbd888/riskwatch/internal/health"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/monitor"
	"github.com/mbd888/riskwatch/internal/reconciliation"
	"github.com/mbd888/riskwatch/internal/risk"
	"github.com/mbd888/riskwatch/internal/server"
	"github.com/mbd888/riskwatch/internal/traces"
	"github.com/mbd888/riskwatch/internal/webhooks"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Bootstrap logger until the configured one is available
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting riskwatch",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	store := reconciliation.NewStore(logging.Component(logger, "store"))

	player, err := alert.NewPlayer(cfg.Alert.Command, cfg.Alert.Bell, nil)
	if err != nil {
		logger.Error("invalid alert settings", "error", err)
		return 1
	}
	trigger := alert.NewTrigger(player, risk.Band(cfg.Alert.MinBand), logging.Component(logger, "alert"))
	trigger.Attach(ctx, store)

	var hooks *webhooks.Dispatcher
	if cfg.Alert.WebhookURL != "" {
		hooks = webhooks.NewDispatcher(webhooks.Config{
			URL:     cfg.Alert.WebhookURL,
			Secret:  cfg.Alert.WebhookSecret,
			MinBand: risk.Band(cfg.Alert.MinBand),
		}, logging.Component(logger, "webhooks"))
		hooks.Attach(ctx, store)
	}

	mon, err := monitor.New(cfg, store, logger)
	if err != nil {
		logger.Error("failed to create monitor", "error", err)
		return 1
	}
	checks := health.NewRegistry()
	checks.Register("monitor", health.Flag("monitor", mon.Running, func() string { return "event loop not running" }))
	srv := server.New(cfg, store,
		server.WithLogger(logging.Component(logger, "server")),
		server.WithVersion(Version),
		server.WithHealth(checks),
	)

	metrics.SetBuildInfo(Version, Commit)
	go metrics.StartRuntimeCollector(ctx, 15*time.Second)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mon.Run(ctx); err != nil {
			logger.Error("monitor error", "error", err)
		}
	}()

	code := 0
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		code = 1
	}
	stop()
	wg.Wait()
	trigger.Wait()
	if hooks != nil {
		hooks.Wait()
	}
	logger.Info("riskwatch stopped", "session_id", mon.SessionID(), "events_applied", mon.Applied())
	return code
}
