package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDatabaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgresql+asyncpg://u:p@db:5432/app", "postgres://u:p@db:5432/app"},
		{"postgres+asyncpg://u:p@db/app", "postgres://u:p@db/app"},
		{"postgres://u:p@db/app", "postgres://u:p@db/app"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeDatabaseURL(tt.in))
	}
}

func TestSplitModel(t *testing.T) {
	provider, model := SplitModel("kimi-coding/k2p5")
	assert.Equal(t, "kimi-coding", provider)
	assert.Equal(t, "k2p5", model)

	provider, model = SplitModel("gpt-4o")
	assert.Empty(t, provider)
	assert.Equal(t, "gpt-4o", model)
}

func TestLoadBrowserProxy_Defaults(t *testing.T) {
	t.Setenv("ENV_FILE", "does-not-exist.env")
	t.Setenv("DATABASE_URL", "postgresql+asyncpg://u:p@db/app")
	t.Setenv("BROWSERLESS_URL", "http://browserless:3000?token=abc")

	cfg, err := LoadBrowserProxy()
	require.NoError(t, err)

	assert.Equal(t, "9223", cfg.HTTPPort)
	assert.Equal(t, "stdout", cfg.AccessLog)
	assert.Equal(t, "postgres://u:p@db/app", cfg.Database.URL)
	assert.Equal(t, 2, cfg.Browser.MaxConcurrentSessions)
	assert.Equal(t, 10*time.Minute, cfg.Browser.MaxSessionDuration)
	assert.Equal(t, AcceptEager, cfg.Browser.AcceptMode)
	assert.Equal(t, "browser-auth:", cfg.Auth.CachePrefix)
	assert.Equal(t, 300*time.Second, cfg.Auth.CacheTTL)
	assert.Equal(t, "browser-usage:events", cfg.Usage.Stream)
	assert.Equal(t, "browser-consumers", cfg.Usage.Group)
	assert.Equal(t, 5*time.Second, cfg.Usage.FlushInterval)
	assert.Equal(t, 100, cfg.Usage.BatchSize)
}

func TestLoadBrowserProxy_Overrides(t *testing.T) {
	t.Setenv("ENV_FILE", "does-not-exist.env")
	t.Setenv("DATABASE_URL", "postgres://db/app")
	t.Setenv("BROWSERLESS_URL", "http://browserless:3000")
	t.Setenv("MAX_CONCURRENT_SESSIONS", "5")
	t.Setenv("MAX_SESSION_DURATION_MS", "1500")
	t.Setenv("USAGE_FLUSH_INTERVAL_MS", "250")
	t.Setenv("TUNNEL_ACCEPT_MODE", "upstream-first")

	cfg, err := LoadBrowserProxy()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Browser.MaxConcurrentSessions)
	assert.Equal(t, 1500*time.Millisecond, cfg.Browser.MaxSessionDuration)
	assert.Equal(t, 250*time.Millisecond, cfg.Usage.FlushInterval)
	assert.Equal(t, AcceptUpstreamFirst, cfg.Browser.AcceptMode)
}

func TestLoadBrowserProxy_RequiresBrowserlessURL(t *testing.T) {
	t.Setenv("ENV_FILE", "does-not-exist.env")
	t.Setenv("DATABASE_URL", "postgres://db/app")
	t.Setenv("BROWSERLESS_URL", "")

	_, err := LoadBrowserProxy()
	assert.Error(t, err)
}

func TestLoadBrowserProxy_RejectsUnknownAcceptMode(t *testing.T) {
	t.Setenv("ENV_FILE", "does-not-exist.env")
	t.Setenv("DATABASE_URL", "postgres://db/app")
	t.Setenv("BROWSERLESS_URL", "http://browserless:3000")
	t.Setenv("TUNNEL_ACCEPT_MODE", "lazy")

	_, err := LoadBrowserProxy()
	assert.Error(t, err)
}

func TestLoadTokenProxy(t *testing.T) {
	t.Setenv("ENV_FILE", "does-not-exist.env")
	t.Setenv("DATABASE_URL", "postgres://db/app")
	t.Setenv("KIMI_API_KEY", "sk-test")
	t.Setenv("MODEL", "")
	t.Setenv("RATE_LIMIT_RPS", "")

	cfg, err := LoadTokenProxy()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "kimi-coding", cfg.Token.Provider)
	assert.Equal(t, "k2p5", cfg.Token.Model)
	assert.Equal(t, 10, cfg.Token.RateLimitRPS)
	assert.Equal(t, "proxy_token:", cfg.Auth.CachePrefix)
	assert.Equal(t, "usage:events", cfg.Usage.Stream)
	assert.Equal(t, "proxy-consumers", cfg.Usage.Group)
	assert.Equal(t, "proxy-worker", cfg.Usage.Consumer)
}

func TestLoadTokenProxy_RequiresAPIKey(t *testing.T) {
	t.Setenv("ENV_FILE", "does-not-exist.env")
	t.Setenv("DATABASE_URL", "postgres://db/app")
	t.Setenv("KIMI_API_KEY", "")

	_, err := LoadTokenProxy()
	assert.Error(t, err)
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("ENV_FILE", "does-not-exist.env")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BROWSERLESS_URL", "http://browserless:3000")

	_, err := LoadBrowserProxy()
	assert.Error(t, err)
}
