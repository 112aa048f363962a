package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"sentinel-guard/internal/analytics"
	"sentinel-guard/internal/bot"
	"sentinel-guard/internal/config"
	"sentinel-guard/internal/engine"
	"sentinel-guard/internal/invites"
	"sentinel-guard/internal/modules/antinuke"
	"sentinel-guard/internal/modules/antiphishing"
	"sentinel-guard/internal/modules/antiraid"
	"sentinel-guard/internal/modules/antispam"
	"sentinel-guard/internal/modules/audit"
	"sentinel-guard/internal/modules/lockdown"
	"sentinel-guard/internal/modules/quarantine"
	"sentinel-guard/internal/playbook"
	"sentinel-guard/internal/reputation"
	"sentinel-guard/internal/storage"
	"sentinel-guard/internal/utils"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := storage.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	botSvc, err := bot.New(cfg, logger, store)
	if err != nil {
		logger.Fatal("bot init failed", zap.Error(err))
	}

	metrics := analytics.Metrics{}
	auditOnly := cfg.Mode == "audit"
	fanout := utils.NewFanout(
		cfg.Lockdown.MaxConcurrentOps,
		rate.NewLimiter(rate.Limit(cfg.Lockdown.EditsPerSecond), cfg.Lockdown.EditBurst),
		uint64(cfg.Lockdown.Retries),
		500*time.Millisecond,
	)

	auditLogger := audit.NewLogger(store, logger)
	auditLogger.AddAlerter(botSvc)
	tracker := reputation.New(cfg.Reputation, store, logger)
	resolver := invites.New(cfg.Invites, botSvc, logger)

	spam := antispam.New(cfg, antiphishing.New(cfg.Phishing), tracker, resolver, logger)
	spam.WithMetrics(metrics)
	raid := antiraid.New(cfg.Raid, logger)
	nuke := antinuke.New(cfg.Nuke, logger)

	scheduler := playbook.NewScheduler()
	quarantines := quarantine.New(botSvc, store, fanout, cfg.Nuke.DangerousPermissions, logger)
	quarantines.WithMetrics(metrics)
	lockdowns := lockdown.New(botSvc, store, fanout, scheduler, logger)
	lockdowns.WithMetrics(metrics)
	responder := playbook.NewRaidResponder(cfg.Raid, lockdowns, auditLogger, logger)

	escalator := engine.NewEscalator(cfg.Escalation, auditOnly, store, botSvc, tracker, auditLogger, logger)
	eng := engine.New(cfg, engine.Components{
		Spam:       spam,
		Raid:       raid,
		Nuke:       nuke,
		Quarantine: quarantines,
		Lockdown:   lockdowns,
		Responder:  responder,
		Scheduler:  scheduler,
		Escalator:  escalator,
		Incidents:  auditLogger,
		Alerter:    auditLogger,
		Store:      store,
		Mitigator:  botSvc,
		Slowmode:   botSvc,
		Metrics:    metrics,
	}, logger)

	selfID, err := botSvc.Identify(context.Background())
	if err != nil {
		logger.Fatal("bot identify failed", zap.Error(err))
	}
	nuke.Ignore(selfID)

	botSvc.Attach(eng)
	if err := botSvc.Start(); err != nil {
		logger.Fatal("bot start failed", zap.Error(err))
	}
	logger.Info("bot started", zap.String("mode", cfg.Mode), zap.String("storage", cfg.Storage.Driver))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	sweeper := engine.NewSweeper(cfg.Sweeper, store, logger)
	sweeper.AddPruner("spam", spam)
	sweeper.AddPruner("raid", raid)
	sweeper.AddPruner("nuke", nuke)
	sweeper.AddPruner("responder", responder)
	sweeper.PurgeCache(tracker, config.Seconds(cfg.Reputation.CacheSeconds))
	go sweeper.Run(ctx)

	botSvc.StartDailySummary(ctx, analytics.New(store))

	var server *http.Server
	if cfg.Health.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Addr: cfg.Health.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("health endpoint enabled", zap.String("addr", cfg.Health.Addr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health server error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown requested")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	scheduler.Stop()
	botSvc.Close()
}
