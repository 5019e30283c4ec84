package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	// Server configuration
	HTTPPort int    `env:"TASKHERD_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"TASKHERD_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// ReplicaID identifies this replica in logs, event consumer names,
	// and leadership reporting. Generated when unset.
	ReplicaID string `env:"TASKHERD_REPLICA_ID"`

	// Redis configuration
	Redis RedisConfig

	// Execution engine configuration
	Engine EngineConfig

	// Agent registry configuration
	Registry RegistryConfig

	// Leader election configuration
	Leader LeaderConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// EngineConfig holds execution engine defaults. Task definitions may
// override retries and the attempt timeout per task.
type EngineConfig struct {
	MaxRetries         int           `env:"ENGINE_MAX_RETRIES" envDefault:"3"`
	BackoffBase        time.Duration `env:"ENGINE_BACKOFF_BASE" envDefault:"2s"`
	BackoffCap         time.Duration `env:"ENGINE_BACKOFF_CAP" envDefault:"5m"`
	DefaultTaskTimeout time.Duration `env:"ENGINE_DEFAULT_TASK_TIMEOUT" envDefault:"5m"`
}

// RegistryConfig holds agent liveness configuration.
type RegistryConfig struct {
	LeaseDuration time.Duration `env:"REGISTRY_LEASE_DURATION" envDefault:"30s"`
	SweepInterval time.Duration `env:"REGISTRY_SWEEP_INTERVAL" envDefault:"10s"`
}

// LeaderConfig holds leader election configuration.
type LeaderConfig struct {
	LeaseName     string        `env:"LEADER_LEASE_NAME" envDefault:"taskherd-orchestrator"`
	LeaseTTL      time.Duration `env:"LEADER_LEASE_TTL" envDefault:"15s"`
	RenewInterval time.Duration `env:"LEADER_RENEW_INTERVAL" envDefault:"5s"`
	RetryInterval time.Duration `env:"LEADER_RETRY_INTERVAL" envDefault:"2s"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	// WorkflowRetention keeps terminal workflow records queryable before
	// storage reclaims them.
	WorkflowRetention time.Duration `env:"TIMEOUT_WORKFLOW_RETENTION" envDefault:"24h"`
	ShutdownTimeout   time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.ReplicaID == "" {
		cfg.ReplicaID = fmt.Sprintf("orchestrator-%s", uuid.New().String()[:8])
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	// Validate Redis config
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	// Validate engine config
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("engine max retries must be at least 1")
	}
	if c.Engine.BackoffBase <= 0 {
		return fmt.Errorf("engine backoff base must be positive")
	}
	if c.Engine.BackoffCap < c.Engine.BackoffBase {
		return fmt.Errorf("engine backoff cap must be at least the base")
	}
	if c.Engine.DefaultTaskTimeout <= 0 {
		return fmt.Errorf("engine default task timeout must be positive")
	}

	// Validate registry config
	if c.Registry.SweepInterval <= 0 {
		return fmt.Errorf("registry sweep interval must be positive")
	}
	if c.Registry.LeaseDuration <= c.Registry.SweepInterval {
		return fmt.Errorf("registry lease duration must exceed the sweep interval")
	}

	// A renewal interval at or above the TTL would let the lease lapse
	// between renewals.
	if c.Leader.LeaseTTL <= 0 {
		return fmt.Errorf("leader lease TTL must be positive")
	}
	if c.Leader.RenewInterval <= 0 || c.Leader.RenewInterval >= c.Leader.LeaseTTL {
		return fmt.Errorf("leader renew interval must be shorter than the lease TTL")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
