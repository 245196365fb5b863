package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/drouter/internal/banner"
	"github.com/sebas/drouter/internal/drouting/app"
	"github.com/sebas/drouter/internal/drouting/config"
	"github.com/sebas/drouter/internal/logger"
)

func main() {
	logger.InitLogger(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dr, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to start routing service", "error", err)
		os.Exit(1)
	}
	defer dr.Close()

	printBanner(cfg)

	if err := dr.Run(ctx); err != nil {
		slog.Error("Routing service stopped with error", "error", err)
		dr.Close()
		os.Exit(1)
	}
	slog.Info("Routing service stopped")
}

func printBanner(cfg *config.Config) {
	opts := cfg.Selector()
	keepalive := "off"
	if cfg.Keepalive {
		keepalive = cfg.KeepaliveInterval.String()
	}
	lines := []banner.ConfigLine{
		{Label: "SIP", Value: fmt.Sprintf("udp %s (advertise %s)", cfg.SIPAddr(), cfg.AdvertiseAddr)},
		{Label: "API", Value: cfg.APIAddr},
		{Label: "Database", Value: cfg.DBDriver},
		{Label: "Sort order", Value: opts.Order.String()},
		{Label: "Keepalive", Value: keepalive},
	}
	if cfg.GRPCAddr != "" {
		lines = append(lines, banner.ConfigLine{Label: "gRPC health", Value: cfg.GRPCAddr})
	}
	if cfg.RedisAddr != "" {
		lines = append(lines, banner.ConfigLine{Label: "Group cache", Value: "redis " + cfg.RedisAddr})
	}
	if cfg.ReloadSchedule != "" {
		lines = append(lines, banner.ConfigLine{Label: "Reload schedule", Value: cfg.ReloadSchedule})
	}
	banner.Print("drouter - dynamic SIP routing", lines)
}
