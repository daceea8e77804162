package main

import (
	"context"
	"log"
	"net/http"
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
	cfg, err := config.LoadTokenProxy()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	utils.SetDefaultLogLevel(utils.ParseLogLevel(cfg.LogLevel))

	accessLog, err := logging.Open(cfg.AccessLog, 0, 0)
	if err != nil {
		log.Fatalf("Failed to open access log: %v", err)
	}

	// Create router with all dependencies
	mux, deps, err := httpapi.NewTokenRouter(cfg)
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}

	// Streamed completions can outlive any fixed write deadline; the upstream
	// request timeout bounds them instead
	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      accessLog.Middleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Token proxy listening on %s (model %s/%s)", addr, cfg.Token.Provider, cfg.Token.Model)
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

	// Flush usage of completed requests before the connections go away
	deps.Close()
	accessLog.Shutdown()

	log.Println("Server exited")
}
