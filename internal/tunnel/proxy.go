package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"openclaw_proxy/internal/auth"
	"openclaw_proxy/internal/config"
	"openclaw_proxy/internal/metering"
	"openclaw_proxy/internal/metrics"
	"openclaw_proxy/internal/middleware"
	"openclaw_proxy/internal/session"
	"openclaw_proxy/internal/storage"
	"openclaw_proxy/internal/utils"
)

const (
	discoveryCacheSize  = 64
	maxDiscoveryBody    = 4 << 20
	upstreamUnavailable = "Failed to reach Browserless"
)

// Emitter records usage events without blocking.
// *metering.Emitter satisfies it.
type Emitter interface {
	Emit(event metering.Event)
}

// Proxy serves WebSocket tunnels and discovery endpoints in front of Browserless
type Proxy struct {
	cfg        config.BrowserConfig
	auth       middleware.Authenticator
	registry   *session.Registry
	emitter    Emitter
	metrics    *metrics.Collector
	upgrader   websocket.Upgrader
	dialer     *websocket.Dialer
	httpClient *http.Client
	discovery  *storage.LRUCache
	logger     *utils.Logger
}

// NewProxy creates a new tunnel proxy
func NewProxy(cfg config.BrowserConfig, authenticator middleware.Authenticator, registry *session.Registry, emitter Emitter, m *metrics.Collector) *Proxy {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.DiscoveryCacheTTL <= 0 {
		cfg.DiscoveryCacheTTL = 30 * time.Second
	}
	if cfg.AcceptMode == "" {
		cfg.AcceptMode = config.AcceptEager
	}

	return &Proxy{
		cfg:      cfg,
		auth:     authenticator,
		registry: registry,
		emitter:  emitter,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   32 * 1024,
			WriteBufferSize:  32 * 1024,
		},
		httpClient: &http.Client{Timeout: cfg.HandshakeTimeout},
		discovery:  storage.NewLRUCache(discoveryCacheSize, cfg.DiscoveryCacheTTL),
		logger:     utils.NewLogger("tunnel"),
	}
}

// ServeHTTP routes upgrades to the tunnel and /json*, /devtools* GETs to discovery
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		p.ServeWebSocket(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/json") || strings.HasPrefix(r.URL.Path, "/devtools") {
		p.ServeDiscovery(w, r)
		return
	}

	utils.RespondWithAPIError(w, &utils.ProxyError{Status: http.StatusNotFound, Type: "not_found", Message: "Not found"})
}

// ServeWebSocket authenticates, admits and relays one tunnel session
func (p *Proxy) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	token := middleware.ExtractToken(r, true)
	if token == "" {
		utils.RespondWithAPIError(w, utils.NewAuthError("Missing or invalid Authorization header"))
		return
	}

	identity, err := p.auth.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrMissingToken) {
			utils.RespondWithAPIError(w, utils.NewAuthError("Invalid proxy token"))
			return
		}
		p.logger.Error("Authentication failed", "error", err)
		utils.RespondWithAPIError(w, err)
		return
	}

	upstreamURL, err := UpstreamWSURL(p.cfg.BrowserlessURL, r.URL.RequestURI())
	if err != nil {
		p.logger.Error("Failed to build upstream URL", "error", err)
		utils.RespondWithAPIError(w, err)
		return
	}

	relay := NewRelay(nil)
	sess, err := p.registry.Register(identity.CustomerID, identity.BoxID, func() {
		relay.Close(websocket.CloseNormalClosure, "Session timeout")
	})
	if err != nil {
		p.metrics.AdmissionRejected("session_limit")
		utils.RespondWithAPIError(w, utils.NewSessionLimitError(
			fmt.Sprintf("Max concurrent sessions (%d) reached", p.registry.Limit())))
		return
	}

	// Until the client is accepted, failures only release the slot
	release := func() { p.registry.Remove(sess.ID) }
	if !relay.OnTeardown(release) {
		// Closed by the registry before we got here
		release()
		utils.RespondWithAPIError(w, &utils.ProxyError{
			Status:  http.StatusServiceUnavailable,
			Type:    "server_error",
			Message: "Session closed before it was established",
		})
		return
	}

	var upstream *websocket.Conn
	if p.cfg.AcceptMode == config.AcceptUpstreamFirst {
		upstream, err = p.dial(upstreamURL)
		if err != nil {
			p.logger.Error("Upstream connect failed", "session_id", sess.ID, "error", err)
			p.metrics.UpstreamError("connect")
			relay.Close(websocket.CloseNormalClosure, "")
			utils.RespondWithAPIError(w, utils.NewUpstreamError(upstreamUnavailable, err))
			return
		}
	}

	client, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		p.logger.Warn("WebSocket upgrade failed", "error", err)
		if upstream != nil {
			upstream.Close()
		}
		relay.Close(websocket.CloseNormalClosure, "")
		return
	}

	// The end event must be wired before the start event goes out. If the
	// relay closed during the upgrade the slot is already released and no
	// session is recorded.
	if !relay.OnTeardown(func() { p.finish(sess) }) {
		if upstream != nil {
			upstream.Close()
		}
		relay.Start(client)
		return
	}

	p.logger.Info("Session opened", "session_id", sess.ID, "customer_id", sess.CustomerID)
	p.emitter.Emit(metering.SessionStart{CustomerID: sess.CustomerID, BoxID: sess.BoxID, SessionID: sess.ID})

	relay.Start(client)

	if upstream == nil {
		upstream, err = p.dial(upstreamURL)
		if err != nil {
			p.logger.Error("Upstream connect failed", "session_id", sess.ID, "error", err)
			p.metrics.UpstreamError("connect")
			relay.Close(websocket.CloseInternalServerErr, upstreamUnavailable)
			<-relay.Done()
			return
		}
	}
	relay.Attach(upstream)

	<-relay.Done()
}

// finish releases the session slot and records its duration. Remove reports
// true only once, so a duplicate teardown emits nothing.
func (p *Proxy) finish(sess *session.Session) {
	d, ok := p.registry.Remove(sess.ID)
	if !ok {
		return
	}
	p.logger.Info("Session closed", "session_id", sess.ID, "customer_id", sess.CustomerID, "duration_ms", d.Milliseconds())
	p.emitter.Emit(metering.SessionEnd{CustomerID: sess.CustomerID, BoxID: sess.BoxID, SessionID: sess.ID, Duration: d})
}

func (p *Proxy) dial(upstreamURL string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := p.dialer.DialContext(ctx, upstreamURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ServeDiscovery forwards /json* and /devtools* requests and rewrites the
// debugger URLs in the response to point at this proxy
func (p *Proxy) ServeDiscovery(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	isVersion := strings.HasPrefix(r.URL.Path, "/json/version")

	if isVersion {
		// Health checkers poll /json/version with the token they will open the
		// tunnel with; resolving it now makes the upgrade a cache hit.
		if token := r.URL.Query().Get("token"); token != "" {
			if _, err := p.auth.Authenticate(r.Context(), token); err != nil {
				p.logger.Debug("Pre-warm authentication failed", "error", err)
			}
		}

		if cached, ok := p.discovery.Get(host); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(cached.([]byte))
			return
		}
	}

	upstreamURL, err := UpstreamHTTPURL(p.cfg.BrowserlessURL, r.URL.RequestURI())
	if err != nil {
		utils.RespondWithAPIError(w, err)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, nil)
	if err != nil {
		utils.RespondWithAPIError(w, err)
		return
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Error("Browserless discovery request failed", "path", r.URL.Path, "error", err)
		p.metrics.UpstreamError("discovery")
		utils.RespondWithAPIError(w, utils.NewUpstreamError(upstreamUnavailable, err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBody))
	if err != nil {
		p.metrics.UpstreamError("discovery")
		utils.RespondWithAPIError(w, utils.NewUpstreamError(upstreamUnavailable, err))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	if rewritten, ok := RewriteDiscovery(body, host); ok {
		body = rewritten
		if isVersion && resp.StatusCode == http.StatusOK {
			p.discovery.Set(host, rewritten)
		}
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}
