// Package main is the entry point for the Looplend service: a cached loop
// opportunity API plus a CSRF-guarded JSON-RPC proxy with a client-side
// caching layer kept coherent by per-chain block watchers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/looplend/looplend/internal/chains"
	"github.com/looplend/looplend/internal/clients/blockwatch"
	"github.com/looplend/looplend/internal/clients/opportunities"
	"github.com/looplend/looplend/internal/config"
	"github.com/looplend/looplend/internal/csrf"
	"github.com/looplend/looplend/internal/database"
	"github.com/looplend/looplend/internal/oppcache"
	"github.com/looplend/looplend/internal/rpc"
	"github.com/looplend/looplend/internal/scheduler"
	"github.com/looplend/looplend/internal/server"
	"github.com/looplend/looplend/pkg/logger"
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

	log.Info().Msg("Starting Looplend")

	// Snapshot database
	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "snapshots.db"),
		Name: "snapshots",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open snapshot database")
	}
	defer db.Close()

	store, err := oppcache.NewSQLiteStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize snapshot store")
	}

	// Upstream opportunities API and the cache manager over it
	oppClient := opportunities.NewClient(cfg.OpportunitiesAPIURL, log)
	manager := oppcache.NewManager(store, oppClient.FetchLoopOpportunities, log)
	defer manager.Stop()

	issuer := csrf.NewIssuer(0, log)
	directory := chains.DefaultDirectory()

	srv := server.New(server.Config{
		Log:       log,
		Config:    cfg,
		Manager:   manager,
		Lends:     oppClient,
		Issuer:    issuer,
		Directory: directory,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Per-chain caching RPC clients against our own proxy endpoint. Block
	// watchers keep their block-sensitive entries coherent; the clients are
	// the programmatic surface for in-process and sibling-service callers.
	proxyURL := fmt.Sprintf("http://localhost:%d/api/rpc-proxy", cfg.Port)
	tokenURL := fmt.Sprintf("http://localhost:%d/api/csrf-token", cfg.Port)

	rpcClients := make(map[int]*rpc.Client)
	for chainID := range cfg.RPCEndpoints {
		tokens := csrf.NewHTTPTokenSource(tokenURL, log)
		rpcClients[chainID] = rpc.NewClient(chainID, proxyURL, tokens, log)
	}

	var watchers []*blockwatch.Watcher
	for chainID, wsURL := range cfg.WSEndpoints {
		client, ok := rpcClients[chainID]
		if !ok {
			log.Warn().Int("chain_id", chainID).Msg("WebSocket endpoint configured without an RPC endpoint, skipping watcher")
			continue
		}
		watcher := blockwatch.NewWatcher(chainID, wsURL, func(chainID int, block uint64) {
			invalidated := client.InvalidateBlockData()
			log.Debug().
				Int("chain_id", chainID).
				Uint64("block", block).
				Int("invalidated", invalidated).
				Msg("Invalidated block-sensitive cache entries")
		}, log)
		watcher.Start(ctx)
		watchers = append(watchers, watcher)
	}
	if len(watchers) > 0 {
		log.Info().Int("count", len(watchers)).Msg("Block watchers started")
	}

	// Background jobs: hourly snapshot sweep, periodic warm refresh
	sched := scheduler.New(log)
	if err := sched.AddJob("@hourly", oppcache.NewCleanupJob(store, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cleanup job")
	}
	if err := sched.AddJob("@every 5m", scheduler.NewSnapshotRefreshJob(manager, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register refresh job")
	}
	sched.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()

	for _, watcher := range watchers {
		watcher.Stop()
	}
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
