package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskherd/taskherd/internal/application/engine"
	"github.com/taskherd/taskherd/internal/application/leader"
	"github.com/taskherd/taskherd/internal/application/orchestrator"
	"github.com/taskherd/taskherd/internal/application/registry"
	"github.com/taskherd/taskherd/internal/application/state"
	"github.com/taskherd/taskherd/internal/config"
	"github.com/taskherd/taskherd/pkg/adapters/dispatch"
	redisevents "github.com/taskherd/taskherd/pkg/adapters/events/redis"
	redislease "github.com/taskherd/taskherd/pkg/adapters/lease/redis"
	"github.com/taskherd/taskherd/pkg/adapters/metrics/prometheus"
	redisqueue "github.com/taskherd/taskherd/pkg/adapters/queue/redis"
	redisstorage "github.com/taskherd/taskherd/pkg/adapters/storage/redis"
	"github.com/taskherd/taskherd/pkg/api/grpc"
	"github.com/taskherd/taskherd/pkg/api/http"
	"github.com/taskherd/taskherd/pkg/api/websocket"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting taskherd orchestrator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("replica_id", cfg.ReplicaID))

	// Initialize Redis client
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	// Initialize adapters
	eventBus := redisevents.NewStreamsEventBus(
		redisClient,
		"taskherd-orchestrators",
		cfg.ReplicaID,
		logger,
	)
	instanceStore := redisstorage.NewInstanceStore(redisClient, logger)
	stateStore := redisstorage.NewStateStore(redisClient, logger)
	taskQueue := redisqueue.NewTaskQueue(redisClient, logger)
	leaseService := redislease.NewLeaseService(redisClient, logger)
	metricsCollector := prometheus.NewCollector()

	// Initialize application components
	agentRegistry := registry.NewRegistry(
		eventBus,
		metricsCollector,
		logger,
		cfg.Registry.LeaseDuration,
		cfg.Registry.SweepInterval,
	)

	dispatcher := dispatch.NewEventDispatcher(eventBus, logger)

	executionEngine := engine.NewEngine(
		instanceStore,
		taskQueue,
		agentRegistry,
		dispatcher,
		metricsCollector,
		logger,
		engine.Options{
			BackoffBase:    cfg.Engine.BackoffBase,
			BackoffCap:     cfg.Engine.BackoffCap,
			DefaultTimeout: cfg.Engine.DefaultTaskTimeout,
		},
	)

	orchestratorMgr := orchestrator.NewManager(
		instanceStore,
		stateStore,
		taskQueue,
		eventBus,
		executionEngine,
		agentRegistry,
		metricsCollector,
		logger,
		cfg.Engine.DefaultTaskTimeout,
		cfg.Engine.MaxRetries,
		cfg.Timeouts.WorkflowRetention,
	)
	executionEngine.SetNotifier(orchestratorMgr)

	stateMgr := state.NewManager(stateStore, eventBus, metricsCollector, logger)

	elector := leader.NewElector(
		leaseService,
		metricsCollector,
		logger,
		leader.Config{
			LeaseName:     cfg.Leader.LeaseName,
			ReplicaID:     cfg.ReplicaID,
			TTL:           cfg.Leader.LeaseTTL,
			RenewInterval: cfg.Leader.RenewInterval,
			RetryInterval: cfg.Leader.RetryInterval,
		},
		orchestratorMgr.Takeover,
		orchestratorMgr.Demote,
	)

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:         cfg.HTTPPort,
		Orchestrator: orchestratorMgr,
		State:        stateMgr,
		Registry:     agentRegistry,
		Engine:       executionEngine,
		IsLeader:     elector.IsLeader,
		Logger:       logger,
	})

	// Add WebSocket handler to HTTP server
	wsHandler := websocket.NewHandler(eventBus, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:     cfg.GRPCPort,
		IsLeader: elector.IsLeader,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start leader election and servers
	elector.Start()

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("taskherd orchestrator started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("lease_name", cfg.Leader.LeaseName))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	// Shutdown components. The HTTP server stops first so no new writes
	// arrive, then leadership is released so a peer can take over.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	elector.Stop()

	if err := orchestratorMgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if err := redisClient.Close(); err != nil {
		logger.Error("Redis close error", zap.Error(err))
	}

	logger.Info("taskherd orchestrator shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
