package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every externally supplied setting of the relay. All values are
// read once at process start and treated as read-only afterwards.
type Config struct {
	Addr string
	Env  string

	DirectoryURL          string
	DirectoryPollInterval time.Duration

	QueueTTL              time.Duration
	ValidationFailuresTTL time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string
	KafkaTopic   string

	RateLimitEnabled   bool
	RateLimitPerMinute int
	RateLimitWindow    time.Duration

	AllowedOrigins string
}

// Load reads configuration from the environment. In development a .env file
// is honoured if present. Required values missing or malformed fail the
// process at start rather than surfacing later on the hot path.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:                  getEnv("ADDR", ":3000"),
		Env:                   getEnv("ENV", "development"),
		DirectoryURL:          os.Getenv("CENTOPS_URL"),
		DirectoryPollInterval: getDuration("CENTOPS_POLL_INTERVAL_SEC", 60),
		QueueTTL:              getDurationMs("QUEUE_TTL_MS", 30000),
		ValidationFailuresTTL: getDurationMs("VALIDATION_FAILURES_TTL_MS", 86400000),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0),
		KafkaTopic:            getEnv("KAFKA_EVENTS_TOPIC", "dmr-events"),
		RateLimitEnabled:      getEnv("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:    getInt("RATE_LIMIT_PER_MINUTE", 60),
		RateLimitWindow:       getDuration("RATE_LIMIT_WINDOW_SEC", 60),
		AllowedOrigins:        os.Getenv("WS_ALLOWED_ORIGINS"),
	}

	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if b := strings.TrimSpace(part); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if cfg.DirectoryURL == "" {
		return nil, fmt.Errorf("CENTOPS_URL is required")
	}
	if cfg.DirectoryPollInterval <= 0 {
		return nil, fmt.Errorf("CENTOPS_POLL_INTERVAL_SEC must be positive")
	}
	if cfg.QueueTTL <= 0 {
		return nil, fmt.Errorf("QUEUE_TTL_MS must be positive")
	}
	if cfg.ValidationFailuresTTL <= 0 {
		return nil, fmt.Errorf("VALIDATION_FAILURES_TTL_MS must be positive")
	}
	return cfg, nil
}

// IsDevelopment reports whether the process runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getDuration(key string, defSec int) time.Duration {
	return time.Second * time.Duration(getInt(key, defSec))
}

func getDurationMs(key string, defMs int) time.Duration {
	return time.Millisecond * time.Duration(getInt(key, defMs))
}
