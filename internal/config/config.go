package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Proxy kinds served by this module.
const (
	KindBrowser = "browser"
	KindToken   = "token"
)

// Config holds configuration shared by both proxies plus the settings of the one being run.
type Config struct {
	Kind           string
	HTTPPort       string
	InternalAPIKey string
	LogLevel       string
	AccessLog      string // "stdout", "off" or a file path
	Database       DatabaseConfig
	Redis          RedisConfig
	Auth           AuthConfig
	Usage          UsageConfig
	Browser        BrowserConfig
	Token          TokenConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// AuthConfig controls the credential cache
type AuthConfig struct {
	CachePrefix string
	CacheTTL    time.Duration
}

// UsageConfig controls the metering stream and its consumer
type UsageConfig struct {
	Stream        string
	Group         string
	Consumer      string
	FlushInterval time.Duration
	BatchSize     int
	UseRedis      bool
}

// BrowserConfig holds browser-proxy settings
type BrowserConfig struct {
	BrowserlessURL        string
	MaxConcurrentSessions int
	MaxSessionDuration    time.Duration
	AcceptMode            string // "eager" or "upstream-first"
	HandshakeTimeout      time.Duration
	DiscoveryCacheTTL     time.Duration
}

// TokenConfig holds token-proxy settings
type TokenConfig struct {
	APIKey          string
	Provider        string
	Model           string
	UpstreamBaseURL string
	RequestTimeout  time.Duration
	RateLimitRPS    int
	LimitCacheTTL   time.Duration
}

// Tunnel accept modes
const (
	AcceptEager         = "eager"
	AcceptUpstreamFirst = "upstream-first"
)

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvMillis reads an integer millisecond value such as MAX_SESSION_DURATION_MS.
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil || ms < 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func mustEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return val, nil
}

// NormalizeDatabaseURL rewrites SQLAlchemy async driver URLs into a form lib/pq accepts.
func NormalizeDatabaseURL(url string) string {
	for _, prefix := range []string{"postgresql+asyncpg://", "postgres+asyncpg://"} {
		if strings.HasPrefix(url, prefix) {
			return "postgres://" + strings.TrimPrefix(url, prefix)
		}
	}
	return url
}

// SplitModel splits "provider/model" into its parts. A bare model name has no provider.
func SplitModel(value string) (string, string) {
	provider, model, ok := strings.Cut(value, "/")
	if !ok {
		return "", value
	}
	return provider, model
}

// loadDotEnv loads a .env file when present. Real environment variables win.
func loadDotEnv() {
	path := getEnvString("ENV_FILE", ".env")
	if _, err := os.Stat(path); err == nil {
		_ = godotenv.Load(path)
	}
}

// loadCommon reads settings used by both proxies.
func loadCommon(kind, defaultPort string) (*Config, error) {
	loadDotEnv()

	dbURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Kind:           kind,
		HTTPPort:       getEnvString("PORT", defaultPort),
		InternalAPIKey: getEnvString("INTERNAL_API_KEY", ""),
		LogLevel:       getEnvString("LOG_LEVEL", "info"),
		AccessLog:      getEnvString("ACCESS_LOG", "stdout"),
		Database: DatabaseConfig{
			URL:             NormalizeDatabaseURL(dbURL),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Redis: RedisConfig{
			URL:          getEnvString("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Auth: AuthConfig{
			CacheTTL: getEnvDuration("AUTH_CACHE_TTL", 300*time.Second),
		},
		Usage: UsageConfig{
			FlushInterval: getEnvMillis("USAGE_FLUSH_INTERVAL_MS", 5000*time.Millisecond),
			BatchSize:     getEnvInt("USAGE_FLUSH_BATCH_SIZE", 100),
			UseRedis:      getEnvString("USAGE_QUEUE_BACKEND", "redis") == "redis",
		},
	}

	if cfg.Usage.BatchSize <= 0 {
		cfg.Usage.BatchSize = 100
	}
	if cfg.Usage.FlushInterval <= 0 {
		cfg.Usage.FlushInterval = 5 * time.Second
	}

	return cfg, nil
}

// LoadBrowserProxy reads the browser-proxy configuration from the environment.
func LoadBrowserProxy() (*Config, error) {
	cfg, err := loadCommon(KindBrowser, "9223")
	if err != nil {
		return nil, err
	}

	browserlessURL, err := mustEnv("BROWSERLESS_URL")
	if err != nil {
		return nil, err
	}

	cfg.Auth.CachePrefix = "browser-auth:"
	cfg.Usage.Stream = "browser-usage:events"
	cfg.Usage.Group = "browser-consumers"
	cfg.Usage.Consumer = getEnvString("USAGE_CONSUMER_NAME", "browser-worker")
	cfg.Browser = BrowserConfig{
		BrowserlessURL:        browserlessURL,
		MaxConcurrentSessions: getEnvInt("MAX_CONCURRENT_SESSIONS", 2),
		MaxSessionDuration:    getEnvMillis("MAX_SESSION_DURATION_MS", 600000*time.Millisecond),
		AcceptMode:            getEnvString("TUNNEL_ACCEPT_MODE", AcceptEager),
		HandshakeTimeout:      getEnvDuration("TUNNEL_HANDSHAKE_TIMEOUT", 30*time.Second),
		DiscoveryCacheTTL:     getEnvDuration("DISCOVERY_CACHE_TTL", 30*time.Second),
	}

	if cfg.Browser.AcceptMode != AcceptEager && cfg.Browser.AcceptMode != AcceptUpstreamFirst {
		return nil, fmt.Errorf("invalid TUNNEL_ACCEPT_MODE %q", cfg.Browser.AcceptMode)
	}

	return cfg, nil
}

// LoadTokenProxy reads the token-proxy configuration from the environment.
func LoadTokenProxy() (*Config, error) {
	cfg, err := loadCommon(KindToken, "8080")
	if err != nil {
		return nil, err
	}

	apiKey, err := mustEnv("KIMI_API_KEY")
	if err != nil {
		return nil, err
	}

	provider, model := SplitModel(getEnvString("MODEL", "kimi-coding/k2p5"))

	cfg.Auth.CachePrefix = "proxy_token:"
	cfg.Usage.Stream = "usage:events"
	cfg.Usage.Group = "proxy-consumers"
	cfg.Usage.Consumer = getEnvString("USAGE_CONSUMER_NAME", "proxy-worker")
	cfg.Token = TokenConfig{
		APIKey:          apiKey,
		Provider:        provider,
		Model:           model,
		UpstreamBaseURL: getEnvString("UPSTREAM_BASE_URL", "https://api.moonshot.ai/v1"),
		RequestTimeout:  getEnvDuration("UPSTREAM_REQUEST_TIMEOUT", 5*time.Minute),
		RateLimitRPS:    getEnvInt("RATE_LIMIT_RPS", 10),
		LimitCacheTTL:   getEnvDuration("LIMIT_CACHE_TTL", 60*time.Second),
	}

	return cfg, nil
}
