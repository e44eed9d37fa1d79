package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auction-engine/internal/api"
	"auction-engine/internal/api/handlers"
	"auction-engine/internal/config"
	"auction-engine/internal/domain"
	"auction-engine/internal/infrastructure/kafka"
	"auction-engine/internal/infrastructure/leader"
	"auction-engine/internal/infrastructure/memory"
	"auction-engine/internal/infrastructure/mysql"
	"auction-engine/internal/infrastructure/redis"
	"auction-engine/internal/infrastructure/websocket"
	"auction-engine/internal/metrics"
	"auction-engine/internal/services"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"

	redisClient "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().Fatal("Failed to load config", "error", err)
	}
	log := logger.NewWithConfig(cfg.Log.Level, "bidding-service").With("instance_id", cfg.Instance.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Register()

	// Storage
	var (
		auctions domain.AuctionRepository
		ledger   domain.BidLedger
		db       *sql.DB
	)
	switch cfg.Storage.Driver {
	case "memory":
		store := memory.NewStore()
		auctions, ledger = store, store
		log.Warn("Using in-memory storage, state is lost on restart")
	default:
		db, err = utils.InitializeMysql(ctx, cfg.MySQL)
		if err != nil {
			log.Fatal("Failed to connect to MySQL", "error", err)
		}
		defer db.Close()
		if err := mysql.EnsureSchema(ctx, db); err != nil {
			log.Fatal("Failed to apply schema", "error", err)
		}
		auctions = mysql.NewMySQLAuctionRepository(db)
		ledger = mysql.NewMySQLBidLedger(db)
	}

	// Redis backs the snapshot cache, increment rules, retry queue, leader lease and fan-out.
	// A fully in-memory deployment runs without it.
	var rdb *redisClient.Client
	if cfg.Storage.Driver != "memory" || cfg.Notifications.RetryQueue == "redis" {
		rdb, err = utils.InitializeRedis(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("Failed to connect to Redis", "error", err)
		}
		defer rdb.Close()
	}

	var (
		snapshots domain.SnapshotCache = memory.NewSnapshotCache()
		ruleStore domain.IncrementRuleStore
		retries   domain.RetryQueue = memory.NewRetryQueue()
		election  domain.LeaderElection
	)
	if rdb != nil {
		snapshots = redis.NewRedisSnapshotCache(rdb)
		ruleStore = redis.NewRedisIncrementRuleStore(rdb)
		if cfg.Leader.Enabled {
			election = leader.NewRedisLeaderElection(rdb, cfg.Leader.TTL)
		}
	}
	if rdb != nil && cfg.Notifications.RetryQueue == "redis" {
		retries = redis.NewRedisRetryQueue(rdb)
	}

	// Increment rules
	defaults, err := services.ParseIncrementTiers(cfg.Auction.IncrementTiers)
	if err != nil {
		log.Fatal("Invalid increment tiers", "error", err)
	}
	increments, err := services.LoadIncrementRules(ctx, ruleStore, defaults)
	if err != nil {
		log.Fatal("Failed to load increment rules", "error", err)
	}

	defaultMinIncrement := decimal.Zero
	if cfg.Auction.DefaultMinIncrement != "" {
		if defaultMinIncrement, err = decimal.NewFromString(cfg.Auction.DefaultMinIncrement); err != nil {
			log.Fatal("Invalid default min increment", "error", err)
		}
	}

	// Live feed
	connManager := websocket.NewConnectionManager(log)
	notifier := websocket.NewWebSocketNotifier(connManager)

	var sinks []domain.NotificationSink
	var listener *services.EventListener
	if rdb != nil {
		sinks = append(sinks, redis.NewPubSubSink(rdb))
		listener = services.NewEventListener(notifier, log)
	} else {
		sinks = append(sinks, notifier)
	}

	var producer *kafka.EventProducer
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewEventProducer(cfg.Kafka, cfg.Instance.ID, log)
		if err != nil {
			log.Fatal("Failed to create Kafka producer", "error", err)
		}
		sinks = append(sinks, producer)
	}

	// Core services
	machine := services.NewStateMachine(increments)
	arbiter := services.NewArbiter()
	projection := services.NewProjection(auctions, ledger, snapshots, memory.NewBidderDirectory(), machine, log)

	dispatcher := services.NewDispatcher(sinks, retries, services.DispatcherConfig{
		Workers:         cfg.Notifications.Workers,
		QueueSize:       cfg.Notifications.QueueSize,
		DeliveryTimeout: cfg.Notifications.DeliveryTimeout,
		BackoffBase:     cfg.Notifications.BackoffBase,
		BackoffMax:      cfg.Notifications.BackoffMax,
		SweepInterval:   cfg.Notifications.SweepInterval,
		Lease:           cfg.Notifications.Lease,
	}, log)

	policy := services.AuctionPolicy{
		ExtensionWindow: cfg.Auction.ExtensionWindow,
		ExtensionDelta:  cfg.Auction.ExtensionDelta,
		MaxExtensions:   cfg.Auction.MaxExtensions,
	}
	engine := services.NewEngine(auctions, ledger, machine, arbiter, projection, dispatcher, services.EngineConfig{
		Policy:              policy,
		DefaultMinIncrement: defaultMinIncrement,
		RetryAttempts:       cfg.Engine.RetryAttempts,
		RetryBaseDelay:      cfg.Engine.RetryBaseDelay,
	}, log)

	scheduler := services.NewTimerScheduler(machine, auctions, engine, election, services.SchedulerConfig{
		TickInterval:   cfg.Scheduler.TickInterval,
		ResyncInterval: cfg.Scheduler.ResyncInterval,
		InstanceID:     cfg.Instance.ID,
	}, log)
	engine.SetScheduler(scheduler)

	// Background services
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal("Failed to start dispatcher", "error", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", "error", err)
	}
	if listener != nil {
		subscriber := redis.NewRedisEventSubscriber(rdb, log)
		go func() {
			if err := listener.Start(ctx, subscriber); err != nil && ctx.Err() == nil {
				log.Error("Event listener stopped", "error", err)
			}
		}()
	}

	// HTTP
	auctionHandler := handlers.NewAuctionHandler(engine, policy, log)
	wsHandlers := handlers.NewWebSocketHandlers(websocket.NewWebSocketHandler(engine, connManager, log))
	router := api.NewBiddingRouter(auctionHandler, wsHandlers, log)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("Starting bidding service", "address", server.Addr, "storage", cfg.Storage.Driver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down bidding service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if err := scheduler.Stop(); err != nil {
		log.Error("Failed to stop scheduler", "error", err)
	}
	dispatcher.Stop()
	cancel()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Error("Failed to close Kafka producer", "error", err)
		}
	}

	log.Info("Bidding service stopped")
}
