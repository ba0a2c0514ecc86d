package redis

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"trading-intensity/internal/model"
)

const (
	defaultResultMaxLen = 10000
	defaultBookMaxLen   = 5000
	defaultLatestTTL    = 30 * time.Minute
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr         string // Redis address, e.g. "localhost:6379"
	Password     string
	DB           int
	ResultMaxLen int64 // approximate MAXLEN of each result stream
}

// Writer publishes intensity results and book snapshots to Redis.
type Writer struct {
	client       *goredis.Client
	resultMaxLen int64
	logger       *zap.Logger
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	maxLen := cfg.ResultMaxLen
	if maxLen <= 0 {
		maxLen = defaultResultMaxLen
	}
	logger = logger.With(zap.String("component", "redis-writer"))
	logger.Info("connected", zap.String("addr", cfg.Addr))
	return &Writer{client: client, resultMaxLen: maxLen, logger: logger}, nil
}

// WriteResultBatch writes multiple results in a single Redis pipeline.
// Confirmed results get XADD + SET latest + PUBLISH; live previews are
// published only. Results that are neither ready nor live are skipped.
func (w *Writer) WriteResultBatch(ctx context.Context, results []model.IntensityResult) error {
	pipe := w.client.Pipeline()
	queued := 0
	for i := range results {
		res := &results[i]
		if !res.Ready && !res.Live {
			continue
		}

		jsonBytes := res.JSON()
		// Zero-copy []byte→string (safe: jsonBytes is not mutated after this)
		jsonData := *(*string)(unsafe.Pointer(&jsonBytes))
		queued++

		if res.Live {
			pipe.Publish(ctx, res.PubSubChannel(), jsonData)
			continue
		}

		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: res.StreamKey(),
			MaxLen: w.resultMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": jsonData},
		})
		pipe.Set(ctx, res.LatestKey(), jsonData, defaultLatestTTL)
		pipe.Publish(ctx, res.PubSubChannel(), jsonData)
	}
	if queued == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis result pipeline (%d results): %w", len(results), err)
	}
	return nil
}

// PublishBooks appends book snapshots to their book streams in one pipeline.
func (w *Writer) PublishBooks(ctx context.Context, books []model.BookSnapshot) error {
	if len(books) == 0 {
		return nil
	}

	pipe := w.client.Pipeline()
	for i := range books {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: books[i].StreamKey(),
			MaxLen: defaultBookMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": string(books[i].JSON())},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis book pipeline (%d books): %w", len(books), err)
	}
	return nil
}

// ReadLatest returns the most recent confirmed result JSON for an instrument,
// or nil if none is stored.
func (w *Writer) ReadLatest(ctx context.Context, exchange, token string) ([]byte, error) {
	key := (&model.IntensityResult{Exchange: exchange, Token: token}).LatestKey()
	data, err := w.client.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
