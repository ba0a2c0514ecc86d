// cmd/intensityd runs the trading intensity engine: it consumes order book
// snapshots from Redis Streams, keeps one rolling intensity estimate per
// instrument and publishes the results to Redis, SQLite and WebSocket clients.
//
// Usage:
//
//	go run ./cmd/intensityd --config=config/intensityd.yaml
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"trading-intensity/config"
	"trading-intensity/internal/intensityd"
	"trading-intensity/internal/logger"
)

func main() {
	cfgPath := flag.String("config", "", "Path to the config file (default: search ./intensityd.yaml, ./config/intensityd.yaml)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Init("intensityd", "info").Fatal("config load failed", zap.Error(err))
	}
	log := logger.Init("intensityd", cfg.LogLevel)
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	svc, err := intensityd.New(cfg, log)
	if err != nil {
		log.Fatal("init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		log.Fatal("fatal", zap.Error(err))
	}
}
