package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auction-engine/internal/api"
	"auction-engine/internal/api/handlers"
	"auction-engine/internal/config"
	"auction-engine/internal/infrastructure/memory"
	"auction-engine/internal/infrastructure/redis"
	"auction-engine/internal/metrics"
	"auction-engine/internal/services"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"
)

// The auction service is a read replica: it serves snapshots the bidding service publishes to
// Redis and never mutates an auction.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().Fatal("Failed to load config", "error", err)
	}
	log := logger.NewWithConfig(cfg.Log.Level, "auction-service")

	ctx := context.Background()
	metrics.Register()

	rdb, err := utils.InitializeRedis(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", "error", err)
	}
	defer rdb.Close()

	defaults, err := services.ParseIncrementTiers(cfg.Auction.IncrementTiers)
	if err != nil {
		log.Fatal("Invalid increment tiers", "error", err)
	}
	increments, err := services.LoadIncrementRules(ctx, redis.NewRedisIncrementRuleStore(rdb), defaults)
	if err != nil {
		log.Fatal("Failed to load increment rules", "error", err)
	}

	projection := services.NewProjection(
		nil,
		nil,
		redis.NewRedisSnapshotCache(rdb),
		memory.NewBidderDirectory(),
		services.NewStateMachine(increments),
		log,
	)

	e := api.NewReadServer(handlers.NewReadHandler(projection, log))
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	go func() {
		log.Info("Starting auction service", "address", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down auction service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	log.Info("Auction service stopped")
}
