// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Aave V3 Ethereum mainnet deployments
const (
	DefaultPoolAddress         = "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"
	DefaultDataProviderAddress = "0x7B4EB56E7CD4b454BA8ff71E4518426369a138a3"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string `json:"port"`

	// Blockchain RPC endpoints. WSURL enables push log subscriptions; without it
	// the event listener polls RPCURL.
	RPCURL string `json:"rpc_url"`
	WSURL  string `json:"ws_url"`

	// Contract addresses
	PoolAddress         string `json:"pool_address"`
	DataProviderAddress string `json:"data_provider_address"`

	// Optional backing services; empty disables the component
	RedisURL    string `json:"redis_url"`
	DatabaseURL string `json:"database_url"`

	// Bearer secret for worker control and cron endpoints
	CronSecret string `json:"-"`

	// OpenTelemetry endpoint for observability
	OtelEndpoint string `json:"otel_endpoint"`

	// Chain reader settings
	FetchTimeout   time.Duration `json:"-"`
	ReadTimeout    time.Duration `json:"-"`
	PartialResults bool          `json:"partial_results"`
	RPCRetryMax    int           `json:"rpc_retry_max"`

	// Update worker settings
	DebounceDelay    time.Duration `json:"-"`
	FailureThreshold int           `json:"failure_threshold"`
	RestartDelay     time.Duration `json:"-"`
	AutoStartWorker  bool          `json:"auto_start_worker"`

	// Event listener settings
	LogPollInterval time.Duration `json:"-"`

	// Broadcast settings
	BroadcastChannel  string        `json:"broadcast_channel"`
	HeartbeatInterval time.Duration `json:"-"`

	// HTTP rate limiting and allowed browser origin
	RateLimitRPS   float64 `json:"rate_limit_rps"`
	RateLimitBurst int     `json:"rate_limit_burst"`
	CORSOrigin     string  `json:"cors_origin"`

	// Cron expression for the daily snapshot job
	SnapshotSchedule string `json:"snapshot_schedule"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		Port:                "8080",
		RPCURL:              "https://eth.llamarpc.com",
		PoolAddress:         DefaultPoolAddress,
		DataProviderAddress: DefaultDataProviderAddress,
		FetchTimeout:        30 * time.Second,
		ReadTimeout:         10 * time.Second,
		RPCRetryMax:         2,
		DebounceDelay:       500 * time.Millisecond,
		FailureThreshold:    5,
		RestartDelay:        10 * time.Second,
		AutoStartWorker:     true,
		LogPollInterval:     12 * time.Second,
		BroadcastChannel:    "yields",
		HeartbeatInterval:   30 * time.Second,
		RateLimitRPS:        20,
		RateLimitBurst:      40,
		CORSOrigin:          "*",
		SnapshotSchedule:    "0 0 * * *",
	}
}

// Load builds a Config from defaults, an optional JSON file named by CONFIG_FILE,
// and environment variables, in increasing order of precedence.
func Load() Config {
	cfg := Default()

	if path := GetEnvOrDefault("CONFIG_FILE", ""); path != "" {
		fileCfg, err := LoadFile(path, cfg)
		if err != nil {
			logrus.Warnf("Ignoring config file %s: %v", path, err)
		} else {
			cfg = fileCfg
		}
	}

	return applyEnv(cfg)
}

// applyEnv overrides cfg with any environment variables that are set
func applyEnv(cfg Config) Config {
	cfg.Port = GetEnvOrDefault("PORT", cfg.Port)
	cfg.RPCURL = GetEnvOrDefault("RPC_URL", cfg.RPCURL)
	cfg.WSURL = GetEnvOrDefault("RPC_WS_URL", cfg.WSURL)
	cfg.PoolAddress = GetEnvOrDefault("POOL_ADDRESS", cfg.PoolAddress)
	cfg.DataProviderAddress = GetEnvOrDefault("DATA_PROVIDER_ADDRESS", cfg.DataProviderAddress)
	cfg.RedisURL = GetEnvOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.DatabaseURL = GetEnvOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.CronSecret = GetEnvOrDefault("CRON_SECRET", cfg.CronSecret)
	cfg.OtelEndpoint = GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OtelEndpoint)

	cfg.FetchTimeout = GetEnvAsDuration("FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.ReadTimeout = GetEnvAsDuration("READ_TIMEOUT", cfg.ReadTimeout)
	cfg.PartialResults = GetEnvAsBool("FETCH_PARTIAL_RESULTS", cfg.PartialResults)
	cfg.RPCRetryMax = GetEnvAsInt("RPC_RETRY_MAX", cfg.RPCRetryMax)

	cfg.DebounceDelay = GetEnvAsDuration("DEBOUNCE_DELAY", cfg.DebounceDelay)
	cfg.FailureThreshold = GetEnvAsInt("FAILURE_THRESHOLD", cfg.FailureThreshold)
	cfg.RestartDelay = GetEnvAsDuration("RESTART_DELAY", cfg.RestartDelay)
	cfg.AutoStartWorker = GetEnvAsBool("AUTO_START_WORKER", cfg.AutoStartWorker)

	cfg.LogPollInterval = GetEnvAsDuration("LOG_POLL_INTERVAL", cfg.LogPollInterval)
	cfg.BroadcastChannel = GetEnvOrDefault("BROADCAST_CHANNEL", cfg.BroadcastChannel)
	cfg.HeartbeatInterval = GetEnvAsDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)

	cfg.RateLimitRPS = GetEnvAsFloat("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = GetEnvAsInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.CORSOrigin = GetEnvOrDefault("CORS_ORIGIN", cfg.CORSOrigin)
	cfg.SnapshotSchedule = GetEnvOrDefault("SNAPSHOT_SCHEDULE", cfg.SnapshotSchedule)

	return cfg
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists && strings.TrimSpace(value) != "" {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists && value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		} else {
			logrus.Warnf("Invalid integer in %s: %v, using default: %v", key, err, defaultValue)
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists && value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		} else {
			logrus.Warnf("Invalid float in %s: %v, using default: %v", key, err, defaultValue)
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		} else {
			logrus.Warnf("Invalid boolean in %s: %v, using default: %v", key, err, defaultValue)
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists && value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		} else {
			logrus.Warnf("Invalid duration in %s: %v, using default: %v", key, err, defaultValue)
		}
	}
	return defaultValue
}
