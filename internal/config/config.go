package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"market-watch/internal/timebucket"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Sync       SyncConfig
	Exchange   ExchangeConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	GRPCPort    int
	HTTPPort    int
	Environment string
}

type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

type RedisConfig struct {
	Enabled       bool
	Host          string
	Port          int
	Password      string
	DB            int
	ChannelPrefix string
}

type CacheConfig struct {
	SeriesTTL time.Duration
}

type SyncConfig struct {
	PollInterval         time.Duration
	MaxBars              int
	DefaultInterval      string
	UTCOffset            time.Duration
	WeekStart            string
	PlatformsFile        string
	ArchiveBatchSize     int
	ArchiveFlushInterval time.Duration
}

type ExchangeConfig struct {
	EnableBitstamp    bool
	EnableCoinbase    bool
	EnableStream      bool
	BitstampURL       string
	BitstampWSURL     string
	CoinbaseURL       string
	CoinbaseMaxPages  int
	RequestsPerSecond float64
	Burst             int
	HTTPTimeout       time.Duration
	ProxyURL          string
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
			GRPCPort:    getEnvInt("SERVER_PORT", 50051),
			HTTPPort:    getEnvInt("HTTP_PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Postgres: PostgresConfig{
			Host:            getEnv("POSTGRES_HOST", "localhost"),
			Port:            getEnvInt("POSTGRES_PORT", 5432),
			User:            getEnv("POSTGRES_USER", "postgres"),
			Password:        getEnv("POSTGRES_PASSWORD", ""),
			Database:        getEnv("POSTGRES_DB", "market_watch"),
			SSLMode:         getEnv("POSTGRES_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("POSTGRES_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("POSTGRES_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration(getEnv("POSTGRES_CONN_MAX_LIFETIME", "1h"), time.Hour),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
			Port:     getEnvInt("CLICKHOUSE_PORT", 9000),
			Database: getEnv("CLICKHOUSE_DATABASE", "market_watch"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Enabled:       getEnvBool("REDIS_ENABLED", true),
			Host:          getEnv("REDIS_HOST", "localhost"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			ChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "marketwatch"),
		},
		Cache: CacheConfig{
			SeriesTTL: time.Duration(getEnvInt("CACHE_TTL_SERIES", 30)) * time.Second,
		},
		Sync: SyncConfig{
			PollInterval:         parseDuration(getEnv("SYNC_INTERVAL", "30s"), 30*time.Second),
			MaxBars:              getEnvInt("MAX_BARS", 200),
			DefaultInterval:      getEnv("DEFAULT_INTERVAL", "15m"),
			UTCOffset:            parseDuration(getEnv("UTC_OFFSET", "0s"), 0),
			WeekStart:            getEnv("WEEK_START", "monday"),
			PlatformsFile:        getEnv("PLATFORMS_FILE", "platforms.yaml"),
			ArchiveBatchSize:     getEnvInt("ARCHIVE_BATCH_SIZE", 100),
			ArchiveFlushInterval: parseDuration(getEnv("ARCHIVE_FLUSH_INTERVAL", "5s"), 5*time.Second),
		},
		Exchange: ExchangeConfig{
			EnableBitstamp:    getEnvBool("ENABLE_BITSTAMP", true),
			EnableCoinbase:    getEnvBool("ENABLE_COINBASE", true),
			EnableStream:      getEnvBool("ENABLE_TRADE_STREAM", false),
			BitstampURL:       getEnv("BITSTAMP_URL", "https://www.bitstamp.net"),
			BitstampWSURL:     getEnv("BITSTAMP_WS_URL", "wss://ws.bitstamp.net"),
			CoinbaseURL:       getEnv("COINBASE_URL", "https://api.exchange.coinbase.com"),
			CoinbaseMaxPages:  getEnvInt("COINBASE_MAX_PAGES", 50),
			RequestsPerSecond: getEnvFloat("EXCHANGE_RPS", 5),
			Burst:             getEnvInt("EXCHANGE_BURST", 5),
			HTTPTimeout:       parseDuration(getEnv("EXCHANGE_HTTP_TIMEOUT", "15s"), 15*time.Second),
			ProxyURL:          getEnv("EXCHANGE_PROXY_URL", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Postgres.Host == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.ClickHouse.Enabled && c.ClickHouse.Host == "" {
		return fmt.Errorf("CLICKHOUSE_HOST is required")
	}
	if c.Sync.MaxBars < 1 {
		return fmt.Errorf("MAX_BARS must be positive, got %d", c.Sync.MaxBars)
	}
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive")
	}
	if _, err := timebucket.Parse(c.Sync.DefaultInterval); err != nil {
		return fmt.Errorf("DEFAULT_INTERVAL: %w", err)
	}
	if _, err := c.Sync.Location(); err != nil {
		return err
	}
	if !c.Exchange.EnableBitstamp && !c.Exchange.EnableCoinbase {
		return fmt.Errorf("at least one exchange must be enabled")
	}
	return nil
}

// Location builds the bucketing frame from UTC_OFFSET and WEEK_START.
func (c *SyncConfig) Location() (timebucket.Location, error) {
	weekStart, err := parseWeekday(c.WeekStart)
	if err != nil {
		return timebucket.Location{}, err
	}
	return timebucket.NewLocation(int64(c.UTCOffset/time.Second), weekStart)
}

func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

func (c *ClickHouseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func parseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v := strings.ToLower(strings.TrimSpace(s)); v == name || v == name[:3] {
			return d, nil
		}
	}
	return time.Monday, fmt.Errorf("WEEK_START: unknown weekday %q", s)
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
