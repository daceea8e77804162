package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"openclaw_proxy/internal/config"
	"openclaw_proxy/internal/httpapi"
	"openclaw_proxy/internal/logging"
	"openclaw_proxy/internal/utils"
)

func main() {
	// Load configuration
	cfg, err := config.LoadBrowserProxy()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	utils.SetDefaultLogLevel(utils.ParseLogLevel(cfg.LogLevel))

	accessLog, err := logging.Open(cfg.AccessLog, 0, 0)
	if err != nil {
		log.Fatalf("Failed to open access log: %v", err)
	}

	// Create router with all dependencies
	mux, deps, err := httpapi.NewBrowserRouter(cfg)
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}

	// Tunnels are hijacked, so the timeouts only bound discovery and internal routes
	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      accessLog.Middleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Browser proxy listening on %s (upstream %s, mode %s)", addr, redactedUpstream(cfg.Browser.BrowserlessURL), cfg.Browser.AcceptMode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Shutdown does not track hijacked connections
	deps.DrainSessions(ctx)
	deps.Close()
	accessLog.Shutdown()

	log.Println("Server exited")
}

// redactedUpstream drops the Browserless token before the URL is logged
func redactedUpstream(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Scheme + "://" + u.Host
}
