// Package main is the entry point for the EPV research platform: a data
// gateway over market data providers plus an earnings-power valuation
// engine, served over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/epvlab/epv/internal/cache"
	"github.com/epvlab/epv/internal/config"
	"github.com/epvlab/epv/internal/database"
	"github.com/epvlab/epv/internal/events"
	"github.com/epvlab/epv/internal/gateway"
	"github.com/epvlab/epv/internal/providers"
	"github.com/epvlab/epv/internal/providers/alphavantage"
	"github.com/epvlab/epv/internal/providers/fred"
	"github.com/epvlab/epv/internal/providers/static"
	"github.com/epvlab/epv/internal/providers/yahoo"
	"github.com/epvlab/epv/internal/ratelimit"
	"github.com/epvlab/epv/internal/reliability"
	"github.com/epvlab/epv/internal/scheduler"
	"github.com/epvlab/epv/internal/server"
	"github.com/epvlab/epv/internal/valuation"
	"github.com/epvlab/epv/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting EPV platform")

	// Persistent cache tier. Losing it costs re-fetches, not correctness,
	// so a broken store degrades to memory-only instead of aborting startup.
	var db *database.DB
	var store *cache.Store
	if cfg.Cache.PersistPath != "" {
		db, err = database.New(database.Config{Path: cfg.Cache.PersistPath, Name: "cache"})
		if err != nil {
			log.Warn().Err(err).Msg("Persistent cache unavailable, running memory-only")
		} else {
			defer db.Close()
			store, err = cache.NewStore(db, log)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to initialize cache store, running memory-only")
				store = nil
			}
		}
	}

	tiered := cache.NewTiered(cache.NewMemory(cfg.Cache.MaxBytes, log), store, log)
	if err := tiered.Rehydrate(); err != nil {
		log.Warn().Err(err).Msg("Failed to rehydrate cache from persistent store")
	}

	buckets := make(map[string]ratelimit.BucketConfig, len(cfg.RateLimits))
	for provider, b := range cfg.RateLimits {
		buckets[provider] = ratelimit.BucketConfig{Capacity: b.Capacity, RefillPerSecond: b.RefillPerSecond}
	}
	limiter := ratelimit.New(buckets, log)

	registry := providers.Registry{
		yahoo.ProviderName:        yahoo.NewClient(log),
		alphavantage.ProviderName: alphavantage.NewClient(cfg.AlphaVantageAPIKey, log),
		fred.ProviderName:         fred.NewClient(cfg.FREDAPIKey, log),
		static.ProviderName:       static.NewClient(cfg.PeerSets, log),
	}

	bus := events.NewBus(log)
	gw := gateway.New(registry, tiered, limiter, cfg.Gateway, cfg.Cache, bus, log)
	engine := valuation.NewEngine(gw, cfg.Analysis, bus, log)

	sched := scheduler.New(log)
	if err := sched.AddJob("@hourly", scheduler.NewCacheMaintenanceJob(tiered, bus, log)); err != nil {
		log.Error().Err(err).Msg("Failed to register cache maintenance job")
	}

	if cfg.Backup.Enabled && db != nil {
		s3Client, err := reliability.NewS3Client(cfg.Backup.Endpoint, cfg.Backup.AccessKey, cfg.Backup.SecretKey, cfg.Backup.Bucket, log)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create backup client, backups disabled")
		} else {
			backupSvc := reliability.NewBackupService(s3Client, db, cfg.DataDir, cfg.Backup.RetentionDays, log)
			if err := sched.AddJob("@daily", scheduler.NewBackupJob(backupSvc, log)); err != nil {
				log.Error().Err(err).Msg("Failed to register backup job")
			}
		}
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:     log,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		Gateway: gw,
		Engine:  engine,
		Bus:     bus,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
