package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/handset/internal/banner"
	"github.com/sebas/handset/internal/gateway/config"
	"github.com/sebas/handset/internal/gateway/server"
	"github.com/sebas/handset/internal/gateway/store"
	"github.com/sebas/handset/internal/gateway/token"
	"github.com/sebas/handset/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	// Pick the call record store
	var calls store.CallStore
	storeKind := "memory"
	if cfg.RedisAddr != "" {
		redisStore, err := store.NewRedisStore(store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			slog.Error("Failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		calls = redisStore
		storeKind = "redis (" + cfg.RedisAddr + ")"
	} else {
		calls = store.NewMemoryStore()
	}
	defer calls.Close()

	minter := token.NewMinter(cfg.TokenSecret, time.Duration(cfg.TokenTTLSeconds)*time.Second)

	srv := server.NewServer(server.Options{
		Addr:            cfg.Addr(),
		Minter:          minter,
		Calls:           calls,
		CallerNumber:    cfg.CallerNumber,
		DefaultIdentity: cfg.DefaultIdentity,
		AllowedOrigin:   cfg.AllowedOrigin,
	})

	banner.Print("CALL GATEWAY", []banner.ConfigLine{
		{Label: "HTTP Listen", Value: cfg.Addr()},
		{Label: "Caller Number", Value: cfg.CallerNumber},
		{Label: "Default Identity", Value: cfg.DefaultIdentity},
		{Label: "Call Store", Value: storeKind},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	slog.Info("Shutting down gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
}
