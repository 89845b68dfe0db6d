// Command server is the process entrypoint: load configuration,
// connect to Postgres, run the startup reconciliation sweep, wire the
// worker pool / coordinator / session registry, schedule the
// background cron jobs, and hand off to the HTTP router.
package main

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rawblock/hui-federation/internal/api"
	"github.com/rawblock/hui-federation/internal/config"
	"github.com/rawblock/hui-federation/internal/federated"
	"github.com/rawblock/hui-federation/internal/mining"
	"github.com/rawblock/hui-federation/internal/session"
	"github.com/rawblock/hui-federation/internal/store"
	"github.com/rawblock/hui-federation/internal/worker"
)

func main() {
	log.Println("Starting federated high-utility itemset mining engine...")

	cfg := config.Load()

	dbStore, err := store.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: failed to connect to database: %v", err)
	}
	defer dbStore.Close()

	if err := dbStore.InitSchema(context.Background()); err != nil {
		log.Fatalf("FATAL: schema init failed: %v", err)
	}

	// Startup reconciliation: anything left running from a prior crash
	// is reaped before accepting new work.
	if reaped, err := dbStore.ReapStaleRunningRounds(context.Background()); err != nil {
		log.Printf("WARNING: failed to reap stale rounds at startup: %v", err)
	} else if reaped > 0 {
		log.Printf("Reaped %d stale running round(s) at startup", reaped)
	}

	registry := session.New(dbStore, cfg.HeartbeatInactiveTimeout)
	if err := registry.Load(context.Background()); err != nil {
		log.Printf("WARNING: failed to hydrate session registry from persistence: %v", err)
	}

	hub := api.NewHub()
	go hub.Run()

	sizes := mining.CacheSizes{
		Patterns:    cfg.CacheSizePatterns,
		Bounds:      cfg.CacheSizeBounds,
		Projections: cfg.CacheSizeProjections,
	}
	pool := worker.New(dbStore, cfg.MiningWorkerPoolSize, cfg.StaleJobTimeout, sizes, hub)
	if reaped, err := pool.ReapStale(context.Background()); err != nil {
		log.Printf("WARNING: failed to reap stale jobs at startup: %v", err)
	} else if reaped > 0 {
		log.Printf("Reaped %d stale running job(s) at startup", reaped)
	}

	coord := federated.New(dbStore, registry, cfg.PrivacySensitivity, cfg.PrivacyBudgetCap)

	scheduler := cron.New()
	sweepSpec := "@every " + cfg.LivenessSweepPeriod.String()
	if _, err := scheduler.AddFunc(sweepSpec, func() {
		if err := registry.Sweep(context.Background()); err != nil {
			log.Printf("[liveness] sweep failed: %v", err)
		}
	}); err != nil {
		log.Fatalf("FATAL: failed to schedule liveness sweep: %v", err)
	}
	reapSpec := "@every " + reapCadence(cfg.StaleJobTimeout).String()
	if _, err := scheduler.AddFunc(reapSpec, func() {
		if _, err := pool.ReapStale(context.Background()); err != nil {
			log.Printf("[reaper] stale job sweep failed: %v", err)
		}
	}); err != nil {
		log.Fatalf("FATAL: failed to schedule stale job reaper: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	router := api.SetupRouter(dbStore, registry, pool, coord, hub, api.Config{
		AllowedOrigins:        cfg.AllowedOrigins,
		APIAuthToken:          cfg.APIAuthToken,
		MinClientsRequired:    cfg.MinClientsRequiredDefault,
		PrivacyEpsilonDefault: cfg.PrivacyEpsilonDefault,
	})

	log.Printf("Engine running on :%s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("FATAL: server exited: %v", err)
	}
}

// reapCadence runs the stale-job reaper at a quarter of the staleness
// window (floored at 30s), so a job is never orphaned for much longer
// than the configured timeout itself.
func reapCadence(staleAfter time.Duration) time.Duration {
	cadence := staleAfter / 4
	if cadence < 30*time.Second {
		cadence = 30 * time.Second
	}
	return cadence
}
