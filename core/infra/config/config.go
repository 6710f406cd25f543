package config

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultNATSURL     = "nats://localhost:4222"
	defaultRedisURL    = "redis://localhost:6379"
	defaultHTTPAddr    = ":8081"
	defaultMetricsAddr = ":9092"
	defaultPlanConfig  = "config/plans.yaml"

	defaultBrowserQueueCapacity = 256
	defaultLoadQueueCapacity    = 64

	defaultHeartbeatInterval = 15 * time.Second
	defaultPollInterval      = 3 * time.Second
	defaultRetryHintMillis   = 3000

	envNATSURL              = "NATS_URL"
	envRedisURL             = "REDIS_URL"
	envHTTPAddr             = "GATEWAY_HTTP_ADDR"
	envMetricsAddr          = "GATEWAY_METRICS_ADDR"
	envPlanConfigPath       = "PLAN_CONFIG_PATH"
	envBrowserQueueCapacity = "QUEUE_CAPACITY_BROWSER"
	envLoadQueueCapacity    = "QUEUE_CAPACITY_LOAD"
	envHeartbeatInterval    = "STREAM_HEARTBEAT_INTERVAL"
	envPollInterval         = "STREAM_POLL_INTERVAL"
	envRetryHintMillis      = "STREAM_RETRY_HINT_MS"
)

// Config holds runtime configuration for the gateway process.
type Config struct {
	NatsURL     string
	RedisURL    string
	HTTPAddr    string
	MetricsAddr string
	PlanConfig  string
	QueueLimits QueueLimits
	Stream      StreamConfig
}

// QueueLimits caps the number of admitted-but-unpicked tasks per engine.
type QueueLimits struct {
	Browser int
	Load    int
}

// StreamConfig controls the per-connection console stream broker.
type StreamConfig struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	RetryHintMillis   int
}

// Load returns configuration using environment variables with sane defaults.
// Non-positive or unparseable numeric overrides fall back to the default.
func Load() *Config {
	return &Config{
		NatsURL:     envOr(envNATSURL, defaultNATSURL),
		RedisURL:    envOr(envRedisURL, defaultRedisURL),
		HTTPAddr:    envOr(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr: envOr(envMetricsAddr, defaultMetricsAddr),
		PlanConfig:  envOr(envPlanConfigPath, defaultPlanConfig),
		QueueLimits: QueueLimits{
			Browser: positiveIntEnv(envBrowserQueueCapacity, defaultBrowserQueueCapacity),
			Load:    positiveIntEnv(envLoadQueueCapacity, defaultLoadQueueCapacity),
		},
		Stream: StreamConfig{
			HeartbeatInterval: positiveDurationEnv(envHeartbeatInterval, defaultHeartbeatInterval),
			PollInterval:      positiveDurationEnv(envPollInterval, defaultPollInterval),
			RetryHintMillis:   positiveIntEnv(envRetryHintMillis, defaultRetryHintMillis),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func positiveIntEnv(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func positiveDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	// Accept bare seconds for operator convenience.
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
