package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"openclaw_proxy/internal/auth"
	"openclaw_proxy/internal/billing"
	"openclaw_proxy/internal/config"
	"openclaw_proxy/internal/metering"
	"openclaw_proxy/internal/metrics"
	"openclaw_proxy/internal/middleware"
	"openclaw_proxy/internal/providers"
	"openclaw_proxy/internal/queue"
	"openclaw_proxy/internal/ratelimit"
	"openclaw_proxy/internal/session"
	"openclaw_proxy/internal/storage"
	"openclaw_proxy/internal/translator"
	"openclaw_proxy/internal/tunnel"
	"openclaw_proxy/internal/utils"
)

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Config        *config.Config
	Authenticator middleware.Authenticator
	Emitter       tunnel.Emitter
	Metrics       *metrics.Collector

	// Browser proxy
	Registry *session.Registry
	Tunnel   http.Handler
	Sessions SessionStore

	// Token proxy
	RateLimit   ratelimit.Limiter
	Limits      billing.Checker
	Translator  *translator.Translator
	Credentials CredentialStore
	Usage       UsageReader

	// Owned infrastructure, released by Close
	db          *storage.DB
	redis       *storage.RedisClient
	streamRedis *storage.RedisClient
	stream      queue.Stream
	emitter     *metering.Emitter
	consumer    *metering.Consumer
	provider    providers.Provider
}

// infrastructure is what both proxies build from the shared configuration
type infrastructure struct {
	db          *storage.DB
	redis       *storage.RedisClient
	streamRedis *storage.RedisClient
	producer    queue.Stream
	consumer    queue.Stream
}

func newInfrastructure(cfg *config.Config) (*infrastructure, error) {
	db, err := storage.NewDB(storage.DBConfig{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	redisCfg := storage.RedisConfig{
		URL:          cfg.Redis.URL,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}

	redisClient, err := storage.NewRedisClient(redisCfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	infra := &infrastructure{db: db, redis: redisClient}

	streamCfg := queue.DefaultConfig(cfg.Usage.Stream, cfg.Usage.Group, cfg.Usage.Consumer)
	streamCfg.UseRedis = cfg.Usage.UseRedis

	if !streamCfg.UseRedis {
		mem := queue.NewMemoryStream(streamCfg)
		infra.producer = mem
		infra.consumer = mem
		return infra, nil
	}

	// The consumer blocks on XREADGROUP, so it gets its own connection pool
	streamRedis, err := storage.NewBlockingRedisClient(redisCfg)
	if err != nil {
		infra.close()
		return nil, fmt.Errorf("failed to initialize Redis stream client: %w", err)
	}
	infra.streamRedis = streamRedis

	if infra.producer, err = queue.NewRedisStream(redisClient.Client(), streamCfg); err != nil {
		infra.close()
		return nil, fmt.Errorf("failed to create usage stream: %w", err)
	}
	if infra.consumer, err = queue.NewRedisStream(streamRedis.Client(), streamCfg); err != nil {
		infra.close()
		return nil, fmt.Errorf("failed to create usage stream: %w", err)
	}

	return infra, nil
}

func (i *infrastructure) close() {
	if i.streamRedis != nil {
		i.streamRedis.Close()
	}
	if i.redis != nil {
		i.redis.Close()
	}
	if i.db != nil {
		i.db.Close()
	}
}

func newMetrics(subsystem string) *metrics.Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return metrics.NewCollector(subsystem, registry)
}

// NewBrowserRouter builds the browser proxy: tunnel, discovery, internal routes
func NewBrowserRouter(cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	infra, err := newInfrastructure(cfg)
	if err != nil {
		return nil, nil, err
	}

	m := newMetrics("browser_proxy")
	credentials := storage.NewCredentialRepository(infra.db)
	authenticator := auth.NewAuthenticator(credentials, infra.redis.Client(), cfg.Auth.CachePrefix, cfg.Auth.CacheTTL, m)
	registry := session.NewRegistry(cfg.Browser.MaxConcurrentSessions, cfg.Browser.MaxSessionDuration, m)
	emitter := metering.NewEmitter(infra.producer, m)

	consumer := metering.NewConsumer(
		infra.consumer,
		storage.NewUsageRepository(infra.db),
		nil,
		metering.ConsumerConfig{BatchSize: cfg.Usage.BatchSize, FlushInterval: cfg.Usage.FlushInterval},
		m,
		"browser-usage-worker",
	)
	consumer.Start(context.Background())

	deps := &Dependencies{
		Config:        cfg,
		Authenticator: authenticator,
		Emitter:       emitter,
		Metrics:       m,
		Registry:      registry,
		Tunnel:        tunnel.NewProxy(cfg.Browser, authenticator, registry, emitter, m),
		Sessions:      storage.NewSessionRepository(infra.db),
		db:            infra.db,
		redis:         infra.redis,
		streamRedis:   infra.streamRedis,
		stream:        infra.producer,
		emitter:       emitter,
		consumer:      consumer,
	}

	mux := http.NewServeMux()
	registerBrowserRoutes(mux, deps)

	return mux, deps, nil
}

// NewTokenRouter builds the token proxy: chat completions and internal routes
func NewTokenRouter(cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	provider, err := providers.NewOpenAICompatibleProvider(providers.OpenAIConfig{
		BaseURL: cfg.Token.UpstreamBaseURL,
		APIKey:  cfg.Token.APIKey,
		Model:   cfg.Token.Model,
		Timeout: cfg.Token.RequestTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize provider: %w", err)
	}

	infra, err := newInfrastructure(cfg)
	if err != nil {
		return nil, nil, err
	}

	m := newMetrics("token_proxy")
	credentials := storage.NewCredentialRepository(infra.db)
	usage := storage.NewUsageRepository(infra.db)
	authenticator := auth.NewAuthenticator(credentials, infra.redis.Client(), cfg.Auth.CachePrefix, cfg.Auth.CacheTTL, m)
	limits := billing.NewLimitChecker(infra.redis.Client(), usage, cfg.Token.LimitCacheTTL)
	emitter := metering.NewEmitter(infra.producer, m)

	consumer := metering.NewConsumer(
		infra.consumer,
		usage,
		limits,
		metering.ConsumerConfig{BatchSize: cfg.Usage.BatchSize, FlushInterval: cfg.Usage.FlushInterval},
		m,
		"token-usage-worker",
	)
	consumer.Start(context.Background())

	deps := &Dependencies{
		Config:        cfg,
		Authenticator: authenticator,
		Emitter:       emitter,
		Metrics:       m,
		RateLimit:     ratelimit.NewTokenBucketLimiter(infra.redis.Client(), cfg.Token.RateLimitRPS),
		Limits:        limits,
		Translator:    translator.New(provider),
		Credentials:   auth.NewIssuer(credentials, authenticator),
		Usage:         usage,
		db:            infra.db,
		redis:         infra.redis,
		streamRedis:   infra.streamRedis,
		stream:        infra.producer,
		emitter:       emitter,
		consumer:      consumer,
		provider:      provider,
	}

	mux := http.NewServeMux()
	registerTokenRoutes(mux, deps)

	return mux, deps, nil
}

// DrainSessions closes every live tunnel and waits until their relays have
// torn down, so their end events are emitted before Close drains the emitter.
func (d *Dependencies) DrainSessions(ctx context.Context) {
	if d.Registry == nil {
		return
	}
	if n := d.Registry.CloseAll(); n > 0 {
		utils.NewLogger("shutdown").Info("Closing live browser sessions", "count", n)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for d.Registry.Count() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close drains pending appends, stops the consumer after its final flush and
// releases connections
func (d *Dependencies) Close() {
	logger := utils.NewLogger("shutdown")

	if d.emitter != nil {
		d.emitter.Close()
	}
	if d.consumer != nil {
		d.consumer.Stop()
	}
	if d.stream != nil {
		if err := d.stream.Close(); err != nil {
			logger.Warn("Failed to close usage stream", "error", err)
		}
	}
	if d.provider != nil {
		d.provider.Close()
	}
	if d.streamRedis != nil {
		d.streamRedis.Close()
	}
	if d.redis != nil {
		d.redis.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
}

func registerCommonRoutes(mux *http.ServeMux, deps *Dependencies) {
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}
	mux.HandleFunc("GET /ready", deps.handleReady)
}

// handleReady reports whether Postgres, Redis and the usage stream answer
func (d *Dependencies) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if d.db != nil {
		checks["database"] = "ok"
		if err := d.db.Health(ctx); err != nil {
			utils.NewLogger("ready").Warn("Database not ready", "error", err)
			checks["database"] = "unavailable"
			ready = false
		}
	}
	if d.redis != nil {
		checks["redis"] = "ok"
		if err := d.redis.Health(ctx); err != nil {
			utils.NewLogger("ready").Warn("Redis not ready", "error", err)
			checks["redis"] = "unavailable"
			ready = false
		}
	}

	body := map[string]any{"checks": checks}
	if d.stream != nil {
		backlog, err := streamBacklog(ctx, d.stream)
		if err != nil {
			utils.NewLogger("ready").Warn("Usage stream not ready", "error", err)
			checks["usage_stream"] = "unavailable"
			ready = false
		} else {
			checks["usage_stream"] = "ok"
			body["usage_stream"] = backlog
		}
	}

	body["status"] = "ready"
	code := http.StatusOK
	if !ready {
		body["status"], code = "not_ready", http.StatusServiceUnavailable
	}
	utils.RespondWithJSON(w, code, body)
}

// streamBacklog reports how many usage events are stored and how many were
// read but not yet flushed
func streamBacklog(ctx context.Context, stream queue.Stream) (map[string]int64, error) {
	length, err := stream.Len(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := stream.Pending(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"length": length, "pending": pending}, nil
}

// internal wraps h with the shared-key check
func internal(deps *Dependencies, h http.HandlerFunc) http.Handler {
	return middleware.InternalKeyMiddleware(deps.Config.InternalAPIKey)(h)
}
