package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/rawblock/crash-engine/internal/api"
	"github.com/rawblock/crash-engine/internal/config"
	"github.com/rawblock/crash-engine/internal/engine"
	"github.com/rawblock/crash-engine/internal/hub"
	"github.com/rawblock/crash-engine/internal/ledger"
	"github.com/rawblock/crash-engine/internal/prices"
)

func main() {
	log.Println("Starting RawBlock Crash Engine (Microservice: crash-wagering-core)...")

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable store when DATABASE_URL is set, otherwise an in-memory
	// ledger for local development.
	var store ledger.Store
	if cfg.DatabaseURL != "" {
		pgStore, err := ledger.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("Warning: Failed to connect to PostgreSQL, continuing with in-memory ledger. Error: %v", err)
			store = ledger.NewMemoryStore()
		} else {
			defer pgStore.Close()
			if err := pgStore.InitSchema(ctx); err != nil {
				log.Fatalf("FATAL: DB schema init failed: %v", err)
			}
			store = pgStore
		}
	} else {
		log.Println("DATABASE_URL not set, using in-memory ledger (state is lost on restart)")
		store = ledger.NewMemoryStore()
	}

	oracle := prices.NewCache(prices.NewClient(cfg.PriceAPIURL), cfg.PriceCacheTTL)

	game := engine.New(store, oracle, engine.Config{
		RoundPeriod:   cfg.RoundPeriod,
		BettingWindow: cfg.BettingWindow,
		Tick:          cfg.Tick,
		MaxCrash:      cfg.MaxCrash,
		MinStakeUSD:   cfg.MinStakeUSD,
		MaxStakeUSD:   cfg.MaxStakeUSD,
	})

	// Repair cash-outs whose credit never landed before taking wagers.
	if err := game.ReconcileCashouts(ctx); err != nil {
		log.Fatalf("FATAL: cash-out reconciliation failed: %v", err)
	}

	wsHub := hub.NewHub(game, store)
	go wsHub.Run(game.Events())
	go game.Run(ctx)

	r := api.SetupRouter(store, game, oracle, wsHub, cfg.AllowedOrigins)

	log.Printf("Engine running on :%s (API Node: crash-wagering-core)\n", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
