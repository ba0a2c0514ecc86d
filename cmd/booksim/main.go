// cmd/booksim publishes synthetic order books to the Redis book streams so
// intensityd can run without a live exchange feed. Books can also be archived
// to SQLite for cmd/backtest.
//
// Redis address and instruments come from the intensityd config (file, env
// or .env); flags tune the generated market.
//
// Usage:
//
//	go run ./cmd/booksim --interval=200ms --batch=100 --mid=100 --spread=0.1
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"trading-intensity/config"
	"trading-intensity/internal/logger"
	"trading-intensity/internal/marketdata/synth"
	"trading-intensity/internal/model"
	redisstore "trading-intensity/internal/store/redis"
	sqlitestore "trading-intensity/internal/store/sqlite"
)

func main() {
	cfgPath := flag.String("config", "", "Path to the intensityd config file")
	seed := flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
	interval := flag.Duration("interval", 200*time.Millisecond, "Time between books of one instrument")
	batch := flag.Int("batch", 100, "Books generated per instrument and batch")
	rounds := flag.Int("rounds", 0, "Batches to publish (0=until interrupted)")
	mid := flag.Float64("mid", 100, "Nominal mid-price")
	spread := flag.Float64("spread", 0.1, "Nominal spread")
	amount := flag.Float64("amount", 1, "Nominal amount per level")
	volatility := flag.Float64("volatility", 0.001, "Mid stdev as a fraction of mid")
	archive := flag.Bool("archive", false, "Also archive the books to the configured SQLite database")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Init("booksim", "info").Fatal("config load failed", zap.Error(err))
	}
	log := logger.Init("booksim", cfg.LogLevel)
	defer log.Sync()

	writer, err := redisstore.New(redisstore.WriterConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}, log)
	if err != nil {
		log.Fatal("redis connect failed", zap.Error(err))
	}
	defer writer.Close()

	var sqlWriter *sqlitestore.Writer
	if *archive {
		sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath}, log)
		if err != nil {
			log.Fatal("sqlite open failed", zap.Error(err))
		}
		defer sqlWriter.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gen := synth.New(*seed)
	log.Info("publishing synthetic books",
		zap.Strings("instruments", cfg.Instruments),
		zap.Int64("seed", *seed),
		zap.Duration("interval", *interval))

	n := *batch
	published := 0
	for round := 0; *rounds == 0 || round < *rounds; round++ {
		var books []model.BookSnapshot
		for _, inst := range cfg.Instruments {
			exchange, token := model.SplitKey(inst)
			books = append(books, gen.MakeOrderBooks(synth.Params{
				Token:       token,
				Exchange:    exchange,
				Mid:         *mid,
				Spread:      *spread,
				Amount:      *amount,
				Volatility:  *volatility,
				SpreadStdev: *spread / 10,
				AmountStdev: *amount / 100,
				Samples:     n,
			})...)
		}

		// Books are stamped when published.
		for i := 0; i < n; i++ {
			step := make([]model.BookSnapshot, 0, len(cfg.Instruments))
			for j := range cfg.Instruments {
				b := books[j*n+i]
				b.TS = time.Now().UTC()
				step = append(step, b)
			}
			if err := writer.PublishBooks(ctx, step); err != nil {
				log.Warn("publish failed", zap.Error(err))
			} else {
				published += len(step)
			}
			if sqlWriter != nil {
				if err := sqlWriter.InsertBooks(step); err != nil {
					log.Warn("archive failed", zap.Error(err))
				}
			}

			select {
			case <-ctx.Done():
				log.Info("stopped", zap.Int("published", published))
				return
			case <-time.After(*interval):
			}
		}
		log.Debug("batch published", zap.Int("round", round), zap.Int("published", published))
	}
	log.Info("done", zap.Int("published", published))
}
