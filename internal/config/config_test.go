package config

import (
	"strings"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		HTTPPort: 8080,
		GRPCPort: 9090,
		LogLevel: "info",
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Engine: EngineConfig{
			MaxRetries:         3,
			BackoffBase:        2 * time.Second,
			BackoffCap:         5 * time.Minute,
			DefaultTaskTimeout: 5 * time.Minute,
		},
		Registry: RegistryConfig{
			LeaseDuration: 30 * time.Second,
			SweepInterval: 10 * time.Second,
		},
		Leader: LeaderConfig{
			LeaseName:     "taskherd-orchestrator",
			LeaseTTL:      15 * time.Second,
			RenewInterval: 5 * time.Second,
			RetryInterval: 2 * time.Second,
		},
		Timeouts: TimeoutConfig{
			WorkflowRetention: 24 * time.Hour,
			ShutdownTimeout:   30 * time.Second,
		},
	}
}

func TestValidate_Accepts(t *testing.T) {
	if err := baseConfig().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "http port out of range",
			mutate:  func(c *Config) { c.HTTPPort = 0 },
			wantMsg: "HTTP port",
		},
		{
			name:    "grpc port out of range",
			mutate:  func(c *Config) { c.GRPCPort = 70000 },
			wantMsg: "gRPC port",
		},
		{
			name:    "missing redis addr",
			mutate:  func(c *Config) { c.Redis.Addr = "" },
			wantMsg: "redis address",
		},
		{
			name:    "zero engine retries",
			mutate:  func(c *Config) { c.Engine.MaxRetries = 0 },
			wantMsg: "max retries",
		},
		{
			name:    "backoff cap below base",
			mutate:  func(c *Config) { c.Engine.BackoffCap = time.Second },
			wantMsg: "backoff cap",
		},
		{
			name:    "sweep interval at or above lease",
			mutate:  func(c *Config) { c.Registry.SweepInterval = 30 * time.Second },
			wantMsg: "lease duration",
		},
		{
			name:    "renew interval at or above lease ttl",
			mutate:  func(c *Config) { c.Leader.RenewInterval = 15 * time.Second },
			wantMsg: "renew interval",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "trace" },
			wantMsg: "log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() accepted an invalid config")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Validate() error = %q, want it to mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_DefaultsAndReplicaID(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.Engine.DefaultTaskTimeout != 5*time.Minute {
		t.Errorf("DefaultTaskTimeout = %v, want 5m", cfg.Engine.DefaultTaskTimeout)
	}
	if cfg.ReplicaID == "" {
		t.Error("ReplicaID not generated")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TASKHERD_HTTP_PORT", "18080")
	t.Setenv("ENGINE_MAX_RETRIES", "5")
	t.Setenv("TASKHERD_REPLICA_ID", "replica-a")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPPort != 18080 {
		t.Errorf("HTTPPort = %d, want 18080", cfg.HTTPPort)
	}
	if cfg.Engine.MaxRetries != 5 {
		t.Errorf("Engine.MaxRetries = %d, want 5", cfg.Engine.MaxRetries)
	}
	if cfg.ReplicaID != "replica-a" {
		t.Errorf("ReplicaID = %q, want replica-a", cfg.ReplicaID)
	}
	if cfg.GetHTTPAddr() != ":18080" {
		t.Errorf("GetHTTPAddr() = %q, want :18080", cfg.GetHTTPAddr())
	}
}
