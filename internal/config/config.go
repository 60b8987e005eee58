// Package config provides configuration management for the bridge service.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied to unset fields. Durations are kept as strings so the
// YAML layer and the fallback path share one representation.
const (
	defaultEnvironment = "development"
	defaultLogLevel    = "info"

	defaultHost = "0.0.0.0"
	defaultPort = 8000

	defaultDriverMode    = "gateway"
	defaultDriverTimeout = "15s"

	defaultCacheTTL           = "2s"
	defaultQueueCapacity      = 100
	defaultWorkerIdleTick     = "50ms"
	defaultWorkerErrorSleep   = "1s"
	defaultCallerPollInterval = "100ms"
	defaultCallerTimeout      = "10s"
	defaultCarryoverLimit     = 10

	defaultWarmupInterval   = "30s"
	defaultWarmupRange      = "2160h" // 90 days
	defaultSettleDelay      = "300ms"
	defaultMaxRetries       = 3
	defaultRetryBackoffUnit = "3s"
	defaultDealsWindow      = "30m"
	defaultEntryBackfill    = "168h" // 7 days
	defaultSLTPScan         = "1h"
)

// Config represents the complete application configuration.
type Config struct {
	Environment string        `yaml:"environment"` // production | development | test
	LogLevel    string        `yaml:"log_level"`   // debug | info | warn | error
	Server      ServerConfig  `yaml:"server"`
	Driver      DriverConfig  `yaml:"driver"`
	Engine      EngineConfig  `yaml:"engine"`
	History     HistoryConfig `yaml:"history"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
	// AllowedOrigins is the CORS allowlist used outside development mode.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DriverConfig defines how the service talks to the trading terminal.
type DriverConfig struct {
	Mode         string `yaml:"mode"` // gateway | sim
	GatewayURL   string `yaml:"gateway_url"`
	GatewayToken string `yaml:"gateway_token"`
	Timeout      string `yaml:"timeout"`
	// CircuitBreaker wraps the gateway driver so a flapping terminal host
	// fails fast instead of stacking up slow requests.
	CircuitBreaker bool `yaml:"circuit_breaker"`
}

// EngineConfig defines the polling engine tuning knobs.
type EngineConfig struct {
	CacheTTL           string `yaml:"cache_ttl"`
	QueueCapacity      int    `yaml:"queue_capacity"`
	WorkerIdleTick     string `yaml:"worker_idle_tick"`
	WorkerErrorSleep   string `yaml:"worker_error_sleep"`
	CallerPollInterval string `yaml:"caller_poll_interval"`
	CallerTimeout      string `yaml:"caller_timeout"`
	// CarryoverLimit is how many polling cycles a closed position waits for
	// history data before it is dropped as closed-unknown.
	CarryoverLimit int `yaml:"carryover_limit"`
	// SnapshotPath persists position snapshots across restarts. Empty
	// disables checkpointing.
	SnapshotPath string `yaml:"snapshot_path"`
}

// HistoryConfig defines trade history reconstruction settings.
type HistoryConfig struct {
	WarmupInterval   string `yaml:"warmup_interval"`
	WarmupRange      string `yaml:"warmup_range"`
	SettleDelay      string `yaml:"settle_delay"`
	MaxRetries       int    `yaml:"max_retries"`
	RetryBackoffUnit string `yaml:"retry_backoff_unit"`
	DealsWindow      string `yaml:"deals_window"`
	EntryBackfill    string `yaml:"entry_backfill"`
	SLTPScan         string `yaml:"sltp_scan"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
// Unset fields are filled with defaults first.
func (c *Config) Validate() error {
	c.applyDefaults()

	// Environment validation
	if c.Environment != "production" && c.Environment != "development" && c.Environment != "test" {
		return fmt.Errorf("environment must be 'production', 'development' or 'test'")
	}

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Environment == "production" && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required in production")
	}

	// Driver validation
	if c.Driver.Mode != "gateway" && c.Driver.Mode != "sim" {
		return fmt.Errorf("driver.mode must be 'gateway' or 'sim'")
	}
	if c.Driver.Mode == "gateway" && c.Driver.GatewayURL == "" {
		return fmt.Errorf("driver.gateway_url is required in gateway mode")
	}
	if err := checkDuration("driver.timeout", c.Driver.Timeout); err != nil {
		return err
	}

	// Engine validation
	if c.Engine.QueueCapacity <= 0 {
		return fmt.Errorf("engine.queue_capacity must be > 0")
	}
	if c.Engine.CarryoverLimit <= 0 {
		return fmt.Errorf("engine.carryover_limit must be > 0")
	}
	for _, check := range []struct {
		field string
		value string
	}{
		{"engine.cache_ttl", c.Engine.CacheTTL},
		{"engine.worker_idle_tick", c.Engine.WorkerIdleTick},
		{"engine.worker_error_sleep", c.Engine.WorkerErrorSleep},
		{"engine.caller_poll_interval", c.Engine.CallerPollInterval},
		{"engine.caller_timeout", c.Engine.CallerTimeout},
	} {
		if err := checkDuration(check.field, check.value); err != nil {
			return err
		}
	}

	// History validation
	if c.History.MaxRetries <= 0 {
		return fmt.Errorf("history.max_retries must be > 0")
	}
	for _, check := range []struct {
		field string
		value string
	}{
		{"history.warmup_interval", c.History.WarmupInterval},
		{"history.warmup_range", c.History.WarmupRange},
		{"history.retry_backoff_unit", c.History.RetryBackoffUnit},
		{"history.deals_window", c.History.DealsWindow},
		{"history.entry_backfill", c.History.EntryBackfill},
		{"history.sltp_scan", c.History.SLTPScan},
	} {
		if err := checkDuration(check.field, check.value); err != nil {
			return err
		}
	}
	// Settle delay may be zero (useful against a sim terminal) but not negative.
	if d, err := time.ParseDuration(c.History.SettleDelay); err != nil {
		return fmt.Errorf("history.settle_delay invalid: %w", err)
	} else if d < 0 {
		return fmt.Errorf("history.settle_delay must be >= 0")
	}

	return nil
}

// IsProduction returns true if the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true if the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Address returns the host:port the HTTP server binds to.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// CORSOrigins returns the origins the HTTP layer accepts. Development mode
// allows any origin so local dashboards can connect without extra setup.
func (c *Config) CORSOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return c.Server.AllowedOrigins
}

// GetDriverTimeout returns the per-call terminal gateway timeout.
func (c *Config) GetDriverTimeout() time.Duration {
	return parseOr(c.Driver.Timeout, defaultDriverTimeout)
}

// GetCacheTTL returns how long a cached position list stays fresh.
func (c *Config) GetCacheTTL() time.Duration {
	return parseOr(c.Engine.CacheTTL, defaultCacheTTL)
}

// GetWorkerIdleTick returns the worker sleep between queue checks.
func (c *Config) GetWorkerIdleTick() time.Duration {
	return parseOr(c.Engine.WorkerIdleTick, defaultWorkerIdleTick)
}

// GetWorkerErrorSleep returns the worker backoff after a failed request.
func (c *Config) GetWorkerErrorSleep() time.Duration {
	return parseOr(c.Engine.WorkerErrorSleep, defaultWorkerErrorSleep)
}

// GetCallerPollInterval returns how often a waiting caller rechecks the cache.
func (c *Config) GetCallerPollInterval() time.Duration {
	return parseOr(c.Engine.CallerPollInterval, defaultCallerPollInterval)
}

// GetCallerTimeout returns how long a caller waits before giving up.
func (c *Config) GetCallerTimeout() time.Duration {
	return parseOr(c.Engine.CallerTimeout, defaultCallerTimeout)
}

// GetWarmupInterval returns the delay before the post-login history warmup.
func (c *Config) GetWarmupInterval() time.Duration {
	return parseOr(c.History.WarmupInterval, defaultWarmupInterval)
}

// GetWarmupRange returns how far back the history warmup reaches.
func (c *Config) GetWarmupRange() time.Duration {
	return parseOr(c.History.WarmupRange, defaultWarmupRange)
}

// GetSettleDelay returns the pause before the first history attempt.
func (c *Config) GetSettleDelay() time.Duration {
	return parseOr(c.History.SettleDelay, defaultSettleDelay)
}

// GetRetryBackoffUnit returns the linear backoff unit between history attempts.
func (c *Config) GetRetryBackoffUnit() time.Duration {
	return parseOr(c.History.RetryBackoffUnit, defaultRetryBackoffUnit)
}

// GetDealsWindow returns the deals lookback window around a closure.
func (c *Config) GetDealsWindow() time.Duration {
	return parseOr(c.History.DealsWindow, defaultDealsWindow)
}

// GetEntryBackfill returns the extended lookback for entry order data.
func (c *Config) GetEntryBackfill() time.Duration {
	return parseOr(c.History.EntryBackfill, defaultEntryBackfill)
}

// GetSLTPScan returns the order scan window for stop loss and take profit.
func (c *Config) GetSLTPScan() time.Duration {
	return parseOr(c.History.SLTPScan, defaultSLTPScan)
}

// applyDefaults fills unset fields with default values.
func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = defaultEnvironment
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Server.Host == "" {
		c.Server.Host = defaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Driver.Mode == "" {
		c.Driver.Mode = defaultDriverMode
	}
	if c.Driver.Timeout == "" {
		c.Driver.Timeout = defaultDriverTimeout
	}
	if c.Engine.CacheTTL == "" {
		c.Engine.CacheTTL = defaultCacheTTL
	}
	if c.Engine.QueueCapacity == 0 {
		c.Engine.QueueCapacity = defaultQueueCapacity
	}
	if c.Engine.WorkerIdleTick == "" {
		c.Engine.WorkerIdleTick = defaultWorkerIdleTick
	}
	if c.Engine.WorkerErrorSleep == "" {
		c.Engine.WorkerErrorSleep = defaultWorkerErrorSleep
	}
	if c.Engine.CallerPollInterval == "" {
		c.Engine.CallerPollInterval = defaultCallerPollInterval
	}
	if c.Engine.CallerTimeout == "" {
		c.Engine.CallerTimeout = defaultCallerTimeout
	}
	if c.Engine.CarryoverLimit == 0 {
		c.Engine.CarryoverLimit = defaultCarryoverLimit
	}
	if c.History.WarmupInterval == "" {
		c.History.WarmupInterval = defaultWarmupInterval
	}
	if c.History.WarmupRange == "" {
		c.History.WarmupRange = defaultWarmupRange
	}
	if c.History.SettleDelay == "" {
		c.History.SettleDelay = defaultSettleDelay
	}
	if c.History.MaxRetries == 0 {
		c.History.MaxRetries = defaultMaxRetries
	}
	if c.History.RetryBackoffUnit == "" {
		c.History.RetryBackoffUnit = defaultRetryBackoffUnit
	}
	if c.History.DealsWindow == "" {
		c.History.DealsWindow = defaultDealsWindow
	}
	if c.History.EntryBackfill == "" {
		c.History.EntryBackfill = defaultEntryBackfill
	}
	if c.History.SLTPScan == "" {
		c.History.SLTPScan = defaultSLTPScan
	}
}

// checkDuration validates that value parses as a positive duration.
func checkDuration(field, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s invalid: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be > 0", field)
	}
	return nil
}

// parseOr parses value as a duration, falling back to the default when the
// value is missing or malformed.
func parseOr(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}
