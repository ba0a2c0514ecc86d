// cmd/backtest replays archived order books from SQLite through the intensity
// engine to compare indicator settings without live market data.
//
// Usage:
//
//	go run ./cmd/backtest --speed=100 --instruments=NSE:26000 --buffer=200 --depth=cumulative
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"trading-intensity/internal/intensity"
	"trading-intensity/internal/logger"
	"trading-intensity/internal/marketdata/replay"
	"trading-intensity/internal/model"
	sqlitestore "trading-intensity/internal/store/sqlite"
)

const writeBatch = 500

func main() {
	speed := flag.Float64("speed", 0, "Playback speed multiplier (0=max, 1=realtime, 100=100x)")
	instStr := flag.String("instruments", "", "Comma-separated exchange:token keys (default: all archived)")
	fromTS := flag.Int64("from", 0, "Unix ms timestamp to start replay from (0=all)")
	dbPath := flag.String("db", "data/intensity.db", "Path to SQLite database")
	bufferLength := flag.Int("buffer", 200, "Rolling buffer length")
	depth := flag.String("depth", string(intensity.DepthLevel), "Depth mode: level, cumulative or tail")
	policy := flag.String("policy", string(intensity.PolicyHealthySide), "Side policy: healthy_side or drop_sample")
	write := flag.Bool("write", false, "Store confirmed results in the database")
	fromSnap := flag.Bool("from-snapshot", false, "Warm the engine from the newest stored snapshot and replay only books after it")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log := logger.Init("backtest", *level)
	defer log.Sync()

	cfg := intensity.Config{
		BufferLength: *bufferLength,
		Depth:        intensity.DepthMode(*depth),
		Policy:       intensity.SidePolicy(*policy),
	}
	reader, err := sqlitestore.NewReader(*dbPath)
	if err != nil {
		log.Fatal("sqlite open failed", zap.Error(err))
	}
	defer reader.Close()

	var snap *intensity.EngineSnapshot
	if *fromSnap {
		snap, err = reader.ReadLatestSnapshot(context.Background())
		if err != nil {
			log.Fatal("snapshot load failed", zap.Error(err))
		}
		if snap == nil {
			log.Warn("no stored snapshot, starting cold")
		} else if *fromTS == 0 {
			*fromTS = snap.CreatedAt.UnixMilli()
		}
	}
	engine, err := intensity.NewRestorer(cfg, log).RestoreFromSnap(snap)
	if err != nil {
		log.Fatal("engine init failed", zap.Error(err))
	}

	var writer *sqlitestore.Writer
	if *write {
		writer, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: *dbPath}, log)
		if err != nil {
			log.Fatal("sqlite writer init failed", zap.Error(err))
		}
		defer writer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	replayer := replay.New(reader, log)
	bookCh := make(chan model.BookSnapshot, 10000)
	go func() {
		defer close(bookCh)
		if _, err := replayer.Run(ctx, splitInstruments(*instStr), *fromTS, *speed, bookCh); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("replay failed", zap.Error(err))
		}
	}()

	var (
		processed, rejected int
		pending             []model.IntensityResult
		written             int
	)
	flush := func() {
		if writer == nil || len(pending) == 0 {
			return
		}
		if err := writer.WriteResultBatch(context.Background(), pending); err != nil {
			log.Warn("result write failed", zap.Int("results", len(pending)), zap.Error(err))
		} else {
			written += len(pending)
		}
		pending = pending[:0]
	}

	for book := range bookCh {
		res, err := engine.Process(book)
		processed++
		if err != nil {
			rejected++
			continue
		}
		if !res.Ready {
			continue
		}
		if processed <= 10 || processed%1000 == 0 {
			fmt.Printf("  [%s] %s alpha=%.6f kappa=%.6f samples=%d\n",
				res.TS.Format("15:04:05.000"), res.Key(), res.Alpha, res.Kappa, res.Samples)
		}
		pending = append(pending, res)
		if len(pending) >= writeBatch {
			flush()
		}
	}
	flush()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║            BACKTEST COMPLETE                 ║")
	fmt.Println("╠══════════════════════════════════════════════╣")
	fmt.Printf("║  Books processed:  %-25d ║\n", processed)
	fmt.Printf("║  Books rejected:   %-25d ║\n", rejected)
	fmt.Printf("║  Results stored:   %-25d ║\n", written)
	fmt.Printf("║  Buffer / depth:   %-25s ║\n", fmt.Sprintf("%d / %s", cfg.BufferLength, cfg.Depth))
	fmt.Println("╠══════════════════════════════════════════════╣")
	for _, key := range engine.Keys() {
		res, _ := engine.Value(key)
		stats, _ := engine.Stats(key)
		fmt.Printf("║  %-16s a=%-10.5g k=%-10.5g ║\n", key, res.Alpha, res.Kappa)
		fmt.Printf("║  %-16s acc=%d deg=%d rej=%d\n", "", stats.Accepted, stats.Degenerate, stats.Rejected)
	}
	fmt.Println("╚══════════════════════════════════════════════╝")
}

func splitInstruments(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
