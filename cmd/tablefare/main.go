package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tablefare/tablefare/internal/tablefare/config"
	"github.com/tablefare/tablefare/internal/tablefare/server"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	// Load configuration
	cfg := config.NewConfig()

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	// One-shot mode for external schedulers
	if cfg.ExpireOnce {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		processed, err := srv.ExpireOnce(ctx)
		if err != nil {
			log.Fatalf("Expiration sweep failed: %v (processed %d)", err, processed)
		}
		slog.Info("expiration sweep done", "processed", processed)
		return
	}

	go func() {
		if err := srv.Run(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for termination signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	slog.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	slog.Info("server stopped")
}
