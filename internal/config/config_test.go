package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// baseConfig returns a fully populated, valid production config for
// validation tests to mutate.
func baseConfig() *Config {
	return &Config{
		Environment: "production",
		LogLevel:    "info",
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8000,
			APIKey:         "test-key",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Driver: DriverConfig{
			Mode:       "gateway",
			GatewayURL: "http://127.0.0.1:18812",
			Timeout:    "15s",
		},
		Engine: EngineConfig{
			CacheTTL:           "2s",
			QueueCapacity:      100,
			WorkerIdleTick:     "50ms",
			WorkerErrorSleep:   "1s",
			CallerPollInterval: "100ms",
			CallerTimeout:      "10s",
			CarryoverLimit:     10,
		},
		History: HistoryConfig{
			WarmupInterval:   "30s",
			WarmupRange:      "2160h",
			SettleDelay:      "300ms",
			MaxRetries:       3,
			RetryBackoffUnit: "3s",
			DealsWindow:      "30m",
			EntryBackfill:    "168h",
			SLTPScan:         "1h",
		},
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("BRIDGE_API_KEY", "example-key")
	t.Setenv("GATEWAY_TOKEN", "example-token")

	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config to load successfully from example file, got error: %v", err)
	}

	if cfg.Server.APIKey != "example-key" {
		t.Errorf("Expected api_key expanded from environment, got %q", cfg.Server.APIKey)
	}
	if cfg.Driver.GatewayToken != "example-token" {
		t.Errorf("Expected gateway_token expanded from environment, got %q", cfg.Driver.GatewayToken)
	}
	if cfg.Engine.QueueCapacity != 100 {
		t.Errorf("Expected queue capacity 100, got %d", cfg.Engine.QueueCapacity)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, `
driver:
  mode: sim
engine:
  cache_tll: 2s
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "cache_tll") {
		t.Errorf("Expected error to name the unknown field, got: %v", err)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
driver:
  mode: sim
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected minimal sim config to load, got error: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("Expected default environment 'development', got %q", cfg.Environment)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got %q", cfg.LogLevel)
	}
	if got := cfg.Address(); got != "0.0.0.0:8000" {
		t.Errorf("Expected default address 0.0.0.0:8000, got %q", got)
	}
	if got := cfg.GetCacheTTL(); got != 2*time.Second {
		t.Errorf("Expected default cache TTL 2s, got %v", got)
	}
	if got := cfg.GetWorkerIdleTick(); got != 50*time.Millisecond {
		t.Errorf("Expected default idle tick 50ms, got %v", got)
	}
	if got := cfg.GetWarmupRange(); got != 90*24*time.Hour {
		t.Errorf("Expected default warmup range of 90 days, got %v", got)
	}
	if got := cfg.GetEntryBackfill(); got != 7*24*time.Hour {
		t.Errorf("Expected default entry backfill of 7 days, got %v", got)
	}
	if cfg.Engine.CarryoverLimit != 10 {
		t.Errorf("Expected default carryover limit 10, got %d", cfg.Engine.CarryoverLimit)
	}
	if cfg.History.MaxRetries != 3 {
		t.Errorf("Expected default max retries 3, got %d", cfg.History.MaxRetries)
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid base config", func(t *testing.T) {
		config := *baseConfig()
		if err := config.Validate(); err != nil {
			t.Errorf("Expected valid config, got error: %v", err)
		}
	})

	t.Run("unknown environment", func(t *testing.T) {
		config := *baseConfig()
		config.Environment = "staging"

		err := config.Validate()
		if err == nil {
			t.Fatal("Expected error for unknown environment, got nil")
		}
		if !strings.Contains(err.Error(), "environment must be") {
			t.Errorf("Expected environment error, got: %v", err)
		}
	})

	t.Run("api key required in production", func(t *testing.T) {
		config := *baseConfig()
		config.Server.APIKey = ""

		err := config.Validate()
		if err == nil {
			t.Fatal("Expected error for missing api key in production, got nil")
		}
		if !strings.Contains(err.Error(), "server.api_key is required in production") {
			t.Errorf("Expected api key error, got: %v", err)
		}
	})

	t.Run("api key optional in development", func(t *testing.T) {
		config := *baseConfig()
		config.Environment = "development"
		config.Server.APIKey = ""

		if err := config.Validate(); err != nil {
			t.Errorf("Expected development config without api key to validate, got: %v", err)
		}
	})

	t.Run("port out of range", func(t *testing.T) {
		config := *baseConfig()
		config.Server.Port = 70000

		err := config.Validate()
		if err == nil {
			t.Fatal("Expected error for out-of-range port, got nil")
		}
		if !strings.Contains(err.Error(), "server.port") {
			t.Errorf("Expected port error, got: %v", err)
		}
	})

	t.Run("unknown driver mode", func(t *testing.T) {
		config := *baseConfig()
		config.Driver.Mode = "pipe"

		err := config.Validate()
		if err == nil {
			t.Fatal("Expected error for unknown driver mode, got nil")
		}
		if !strings.Contains(err.Error(), "driver.mode") {
			t.Errorf("Expected driver mode error, got: %v", err)
		}
	})

	t.Run("gateway mode requires url", func(t *testing.T) {
		config := *baseConfig()
		config.Driver.GatewayURL = ""

		err := config.Validate()
		if err == nil {
			t.Fatal("Expected error for gateway mode without url, got nil")
		}
		if !strings.Contains(err.Error(), "driver.gateway_url is required") {
			t.Errorf("Expected gateway url error, got: %v", err)
		}
	})

	t.Run("sim mode needs no url", func(t *testing.T) {
		config := *baseConfig()
		config.Driver.Mode = "sim"
		config.Driver.GatewayURL = ""

		if err := config.Validate(); err != nil {
			t.Errorf("Expected sim config without url to validate, got: %v", err)
		}
	})

	t.Run("zero cache ttl", func(t *testing.T) {
		config := *baseConfig()
		config.Engine.CacheTTL = "0s"

		err := config.Validate()
		if err == nil {
			t.Fatal("Expected error for zero cache ttl, got nil")
		}
		if !strings.Contains(err.Error(), "engine.cache_ttl must be > 0") {
			t.Errorf("Expected cache ttl error, got: %v", err)
		}
	})

	t.Run("malformed duration", func(t *testing.T) {
		config := *baseConfig()
		config.Engine.CallerTimeout = "soon"

		err := config.Validate()
		if err == nil {
			t.Fatal("Expected error for malformed duration, got nil")
		}
		if !strings.Contains(err.Error(), "engine.caller_timeout invalid") {
			t.Errorf("Expected caller timeout error, got: %v", err)
		}
	})

	t.Run("negative queue capacity", func(t *testing.T) {
		config := *baseConfig()
		config.Engine.QueueCapacity = -1

		err := config.Validate()
		if err == nil {
			t.Fatal("Expected error for negative queue capacity, got nil")
		}
		if !strings.Contains(err.Error(), "engine.queue_capacity must be > 0") {
			t.Errorf("Expected queue capacity error, got: %v", err)
		}
	})

	t.Run("negative carryover limit", func(t *testing.T) {
		config := *baseConfig()
		config.Engine.CarryoverLimit = -2

		err := config.Validate()
		if err == nil {
			t.Fatal("Expected error for negative carryover limit, got nil")
		}
		if !strings.Contains(err.Error(), "engine.carryover_limit must be > 0") {
			t.Errorf("Expected carryover limit error, got: %v", err)
		}
	})

	t.Run("negative settle delay", func(t *testing.T) {
		config := *baseConfig()
		config.History.SettleDelay = "-10ms"

		err := config.Validate()
		if err == nil {
			t.Fatal("Expected error for negative settle delay, got nil")
		}
		if !strings.Contains(err.Error(), "history.settle_delay must be >= 0") {
			t.Errorf("Expected settle delay error, got: %v", err)
		}
	})

	t.Run("zero settle delay is valid", func(t *testing.T) {
		config := *baseConfig()
		config.History.SettleDelay = "0s"

		if err := config.Validate(); err != nil {
			t.Errorf("Expected zero settle delay to validate, got: %v", err)
		}
	})

	t.Run("negative max retries", func(t *testing.T) {
		config := *baseConfig()
		config.History.MaxRetries = -1

		err := config.Validate()
		if err == nil {
			t.Fatal("Expected error for negative max retries, got nil")
		}
		if !strings.Contains(err.Error(), "history.max_retries must be > 0") {
			t.Errorf("Expected max retries error, got: %v", err)
		}
	})
}

func TestCORSOrigins(t *testing.T) {
	config := baseConfig()
	if err := config.Validate(); err != nil {
		t.Fatalf("Expected valid config, got error: %v", err)
	}
	got := config.CORSOrigins()
	if len(got) != 1 || got[0] != "http://localhost:3000" {
		t.Errorf("Expected configured origins in production, got %v", got)
	}

	config.Environment = "development"
	got = config.CORSOrigins()
	if len(got) != 1 || got[0] != "*" {
		t.Errorf("Expected wildcard origin in development, got %v", got)
	}
}

func TestGetters_FallBackOnGarbage(t *testing.T) {
	config := baseConfig()
	config.Engine.CacheTTL = "junk"
	config.History.DealsWindow = ""

	if got := config.GetCacheTTL(); got != 2*time.Second {
		t.Errorf("Expected cache TTL fallback of 2s, got %v", got)
	}
	if got := config.GetDealsWindow(); got != 30*time.Minute {
		t.Errorf("Expected deals window fallback of 30m, got %v", got)
	}
}
