package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"fleetd/internal/adapters/events/membus"
	redis_adapter "fleetd/internal/adapters/events/redis"
	http_handler "fleetd/internal/adapters/handler/http"
	"fleetd/internal/adapters/handler/mqtt"
	"fleetd/internal/adapters/repository/memory"
	"fleetd/internal/adapters/repository/pg"
	"fleetd/internal/config"
	"fleetd/internal/core/domain"
	"fleetd/internal/core/logger"
	"fleetd/internal/core/ports"
	"fleetd/internal/core/services"
	"fleetd/internal/core/tracing"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting fleetd server", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	var shutdownTracing func(context.Context) error
	if cfg.EnableTracing {
		shutdownTracing, err = tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
		} else {
			logger.Info("tracing initialized", "endpoint", cfg.OTLPEndpoint)
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	// Store: postgres when configured, in-memory otherwise.
	var (
		agents   ports.AgentRepository
		commands ports.CommandRepository
		metrics  ports.MetricRepository
		db       *gorm.DB
	)
	if cfg.DatabaseURL != "" {
		repo, err := pg.NewRepository(cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to init postgres", "error", err)
			log.Fatalf("failed to init postgres: %v", err)
		}
		agents, commands, metrics = repo, repo, repo
		db = repo.DB()
		logger.Info("using postgres store")
	} else {
		store := memory.NewStore()
		agents, commands, metrics = store, store, store
		logger.Info("using in-memory store, state is lost on restart")
	}

	// Events: redis pub/sub when configured, in-process bus otherwise.
	var (
		publisher   ports.EventPublisher
		subscriber  ports.EventSubscriber
		statusCache ports.StatusCache
		redisClient *goredis.Client
	)
	if cfg.RedisURL != "" {
		adapter, client, err := redis_adapter.NewAdapter(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to init redis", "error", err)
			log.Fatalf("failed to init redis: %v", err)
		}
		publisher, subscriber, statusCache = adapter, adapter, adapter
		redisClient = client
		logger.Info("using redis event bus")
	} else {
		bus := membus.NewBus()
		publisher, subscriber = bus, bus
		logger.Info("using in-process event bus")
	}

	// Domain services
	fleetOpts := []services.FleetOption{}
	if statusCache != nil {
		fleetOpts = append(fleetOpts, services.WithStatusCache(statusCache))
	}
	fleetService := services.NewFleetService(agents, commands, metrics, publisher,
		cfg.LivenessTimeout, cfg.CommandTimeout, fleetOpts...)
	queryService := services.NewQueryService(agents, commands, metrics,
		cfg.LivenessTimeout, cfg.MetricWindow, cfg.CommandWindow)
	healthService := services.NewHealthService(db, redisClient, version)

	// Timeout sweeper
	sweeper := services.NewSweeper(agents, commands, publisher, cfg.LivenessTimeout, cfg.SweepInterval)
	sweeper.Expired = func(cmd *domain.Command) { http_handler.RecordCommandExpired() }
	sweeper.Cache = statusCache
	go sweeper.Run(ctx)

	// Websocket hub
	hub := http_handler.NewHub(subscriber)
	go hub.Run()
	go hub.EventConsumer(ctx)

	// Optional MQTT relay
	if cfg.MQTTBroker != "" {
		mqttPublisher, err := mqtt.NewPublisher(subscriber, cfg.MQTTBroker)
		if err != nil {
			logger.Error("failed to init MQTT publisher", "error", err)
		} else {
			mqttPublisher.Start(ctx)
			logger.Info("MQTT publisher started")
		}
	}

	httpServer := http_handler.NewServer(fleetService, queryService, healthService, hub, cfg.AgentSecret)

	go func() {
		logger.Info("HTTP server starting", "port", cfg.HTTPPort)
		if err := httpServer.Run(":" + cfg.HTTPPort); err != nil {
			logger.Error("HTTP server failed", "error", err)
			log.Fatalf("failed to serve http: %v", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	cancel()
	if shutdownTracing != nil {
		shutdownTracing(context.Background())
	}
}
