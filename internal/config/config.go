package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Redis   RedisConfig
	Feed    FeedConfig
	Rest    RestConfig
	Cache   CacheConfig
	Service ServiceConfig
	Symbols SymbolsConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	HTTPPort    int
	Environment string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type FeedConfig struct {
	// Enabled gates the ingestion role. Exactly one deployed instance
	// may run with the feed enabled; all others consume via pub/sub.
	Enabled        bool
	WSUrl          string
	SubscribeDelay time.Duration
	PingInterval   time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

type RestConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
}

type CacheConfig struct {
	PriceTTL             time.Duration
	CandleTTLMin         time.Duration
	CandleTTLMax         time.Duration
	SubscriberRetryDelay time.Duration
}

type ServiceConfig struct {
	StatsRefreshInterval  time.Duration
	StatsBatchSize        int
	StatsBatchPause       time.Duration
	FallbackCheckInterval time.Duration
	TickLivenessWindow    time.Duration
	SyntheticVolatility   float64
	MaxCandlesLimit       int
	DefaultCandlesLimit   int
}

type SymbolsConfig struct {
	File string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:    getEnvInt("HTTP_PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Feed: FeedConfig{
			Enabled:        getEnvBool("FEED_ENABLED", true),
			WSUrl:          getEnv("FEED_WS_URL", "wss://stream.binance.com:9443/ws"),
			SubscribeDelay: parseDuration(getEnv("FEED_SUBSCRIBE_DELAY", "1s"), 1*time.Second),
			PingInterval:   parseDuration(getEnv("FEED_PING_INTERVAL", "30s"), 30*time.Second),
			BackoffBase:    parseDuration(getEnv("FEED_BACKOFF_BASE", "1s"), 1*time.Second),
			BackoffMax:     parseDuration(getEnv("FEED_BACKOFF_MAX", "60s"), 60*time.Second),
		},
		Rest: RestConfig{
			BaseURL:        getEnv("REST_BASE_URL", "https://api.binance.com"),
			Timeout:        parseDuration(getEnv("REST_TIMEOUT", "10s"), 10*time.Second),
			RequestsPerSec: getEnvFloat("REST_REQUESTS_PER_SEC", 4.5),
			Burst:          getEnvInt("REST_BURST", 10),
		},
		Cache: CacheConfig{
			PriceTTL:             time.Duration(getEnvInt("CACHE_TTL_PRICE", 3600)) * time.Second,
			CandleTTLMin:         time.Duration(getEnvInt("CACHE_TTL_CANDLE_MIN", 60)) * time.Second,
			CandleTTLMax:         time.Duration(getEnvInt("CACHE_TTL_CANDLE_MAX", 120)) * time.Second,
			SubscriberRetryDelay: parseDuration(getEnv("CACHE_SUBSCRIBER_RETRY", "5s"), 5*time.Second),
		},
		Service: ServiceConfig{
			StatsRefreshInterval:  parseDuration(getEnv("STATS_REFRESH_INTERVAL", "5m"), 5*time.Minute),
			StatsBatchSize:        getEnvInt("STATS_BATCH_SIZE", 5),
			StatsBatchPause:       parseDuration(getEnv("STATS_BATCH_PAUSE", "1s"), 1*time.Second),
			FallbackCheckInterval: parseDuration(getEnv("FALLBACK_CHECK_INTERVAL", "3m"), 3*time.Minute),
			TickLivenessWindow:    parseDuration(getEnv("TICK_LIVENESS_WINDOW", "2m"), 2*time.Minute),
			SyntheticVolatility:   getEnvFloat("SYNTHETIC_VOLATILITY", 0.02),
			MaxCandlesLimit:       getEnvInt("MAX_CANDLES_LIMIT", 1000),
			DefaultCandlesLimit:   getEnvInt("DEFAULT_CANDLES_LIMIT", 100),
		},
		Symbols: SymbolsConfig{
			File: getEnv("SYMBOLS_FILE", "symbols.yaml"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.Feed.WSUrl == "" {
		return fmt.Errorf("FEED_WS_URL is required")
	}
	if c.Cache.CandleTTLMax <= c.Cache.CandleTTLMin {
		return fmt.Errorf("CACHE_TTL_CANDLE_MAX must be greater than CACHE_TTL_CANDLE_MIN")
	}
	if c.Service.StatsBatchSize <= 0 {
		return fmt.Errorf("STATS_BATCH_SIZE must be positive")
	}
	return nil
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}
