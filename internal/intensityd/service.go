package intensityd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trading-intensity/config"
	"trading-intensity/internal/gateway"
	"trading-intensity/internal/intensity"
	"trading-intensity/internal/metrics"
	"trading-intensity/internal/model"
	redisstore "trading-intensity/internal/store/redis"
	sqlitestore "trading-intensity/internal/store/sqlite"
)

const (
	bookChanSize     = 5000
	pelInterval      = 30 * time.Second
	pelMinIdle       = 60 * time.Second
	livenessInterval = 10 * time.Second
	shutdownTimeout  = 3 * time.Second
)

var (
	_ model.BookConsumer  = (*redisstore.Reader)(nil)
	_ model.SnapshotStore = (*redisstore.Reader)(nil)
	_ model.ResultWriter  = (*redisstore.BufferedWriter)(nil)
	_ model.BookArchive   = (*sqlitestore.Writer)(nil)
	_ model.SnapshotStore = (*sqlitestore.Writer)(nil)
	_ model.BookReader    = (*sqlitestore.Reader)(nil)
)

// snapshotTarget is a named snapshot store, tried in order on restore.
type snapshotTarget struct {
	name  string
	store model.SnapshotStore
}

// resultHistory reads archived results for the HTTP API.
type resultHistory interface {
	ReadResults(exchange, token string, limit int) ([]model.IntensityResult, error)
}

// latestReader reads the latest result persisted by a previous run.
type latestReader interface {
	ReadLatest(ctx context.Context, exchange, token string) ([]byte, error)
}

// Service is the top-level orchestrator for intensityd.
// It wires all dependencies, manages lifecycle, and coordinates goroutines.
type Service struct {
	cfg    *config.Config
	logger *zap.Logger
	runID  string

	prom   *metrics.Metrics
	health *metrics.HealthStatus
	hub    *gateway.Hub

	redisReader *redisstore.Reader
	redisWriter *redisstore.Writer
	sqlReader   *sqlitestore.Reader
	sqlWriter   *sqlitestore.Writer

	results   model.ResultWriter
	snapshots []snapshotTarget
	history   resultHistory
	archive   model.BookReader
	persisted latestReader

	// engine is only touched with engineMu held; the process loop is the
	// sole caller of Process.
	engineMu sync.Mutex
	engine   *intensity.Engine

	latestMu sync.RWMutex
	latest   map[string]model.IntensityResult

	bookCh    chan model.BookSnapshot
	archiveCh chan model.BookSnapshot
	resultCh  chan model.IntensityResult
}

// New creates a Service from the given Config.
// Redis is required; SQLite failures only disable archiving and backfill.
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := newService(cfg, logger)

	var err error
	svc.redisReader, err = redisstore.NewReader(redisstore.ReaderConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		ConsumerGroup: cfg.ConsumerGroup,
		ConsumerName:  cfg.ConsumerName,
		SnapshotKey:   cfg.SnapshotKey,
	}, logger)
	if err != nil {
		return nil, err
	}

	svc.redisWriter, err = redisstore.New(redisstore.WriterConfig{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		ResultMaxLen: cfg.ResultMaxLen,
	}, logger)
	if err != nil {
		svc.redisReader.Close()
		return nil, err
	}
	svc.health.SetRedisConnected(true)

	cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to redisstore.State) {
		svc.prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			svc.prom.RedisCircuitBreakerTrips.Inc()
		}
		svc.logger.Warn("redis circuit breaker", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	buffered := redisstore.NewBufferedWriter(context.Background(), svc.redisWriter, cb, 10000, logger)
	buffered.OnBuffer = func(n int) { svc.prom.RedisBufferedWrites.Add(float64(n)) }
	svc.results = buffered
	svc.persisted = svc.redisWriter
	svc.snapshots = append(svc.snapshots, snapshotTarget{name: "redis", store: svc.redisReader})

	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	svc.sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath}, logger)
	if err != nil {
		svc.logger.Warn("sqlite writer init failed, continuing without archive", zap.Error(err))
		return svc, nil
	}
	svc.sqlWriter.OnCommit = func(d time.Duration) { svc.prom.SQLiteCommitDur.Observe(d.Seconds()) }
	svc.health.SetSQLiteOK(true)
	svc.archiveCh = make(chan model.BookSnapshot, bookChanSize)
	svc.resultCh = make(chan model.IntensityResult, bookChanSize)
	svc.snapshots = append(svc.snapshots, snapshotTarget{name: "sqlite", store: svc.sqlWriter})

	svc.sqlReader, err = sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		svc.logger.Warn("sqlite reader init failed, continuing without backfill", zap.Error(err))
		return svc, nil
	}
	svc.history = svc.sqlReader
	svc.archive = svc.sqlReader
	return svc, nil
}

// newService builds the storage-independent part of a Service.
func newService(cfg *config.Config, logger *zap.Logger) *Service {
	runID := uuid.NewString()
	svc := &Service{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "intensityd"), zap.String("run_id", runID)),
		runID:  runID,
		prom:   metrics.NewMetrics(),
		health: metrics.NewHealthStatus(),
		latest: make(map[string]model.IntensityResult, len(cfg.Instruments)),
		bookCh: make(chan model.BookSnapshot, bookChanSize),
	}
	svc.hub = gateway.NewHub(logger)
	svc.hub.OnClientCount = func(n int) { svc.prom.WSClients.Set(float64(n)) }
	return svc
}

// Run starts all subsystems and blocks until ctx is cancelled or one of
// them fails.
func (svc *Service) Run(ctx context.Context) error {
	cfg := svc.cfg
	svc.logger.Info("starting intensity engine",
		zap.Strings("instruments", cfg.Instruments),
		zap.Int("buffer_length", cfg.Indicator.BufferLength),
		zap.String("depth", string(cfg.Indicator.Depth)),
		zap.String("policy", string(cfg.Indicator.Policy)))

	if err := svc.restoreEngine(ctx); err != nil {
		return err
	}
	svc.health.SetEngineOK(true)

	streams := cfg.BookStreams()
	if err := svc.redisReader.EnsureConsumerGroup(ctx, streams); err != nil {
		svc.logger.Warn("consumer group setup failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Pending entries from a previous run go first; the process loop is
		// already draining bookCh.
		if err := svc.redisReader.RecoverPending(gctx, streams, svc.bookCh); err != nil {
			svc.logger.Warn("pending recovery failed", zap.Error(err))
		}
		if err := svc.redisReader.ConsumeBooks(gctx, streams, svc.bookCh); err != nil && gctx.Err() == nil {
			return fmt.Errorf("consumer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		svc.redisReader.StartPELReclaimer(gctx, streams, pelInterval, pelMinIdle, svc.bookCh, func(count int) {
			svc.prom.PELMessagesReclaimed.Add(float64(count))
			svc.logger.Info("reclaimed stale PEL messages", zap.Int("count", count))
		})
		return nil
	})
	g.Go(func() error {
		svc.processLoop(gctx)
		return nil
	})
	g.Go(func() error {
		svc.snapshotLoop(gctx)
		return nil
	})
	g.Go(func() error {
		svc.configSubscriber(gctx)
		return nil
	})
	g.Go(func() error {
		svc.health.RunLivenessChecker(gctx, svc.redisReader.Client(), svc.sqlDB(), livenessInterval)
		return nil
	})
	if svc.sqlWriter != nil {
		g.Go(func() error {
			svc.sqlWriter.RunBooks(gctx, svc.archiveCh)
			return nil
		})
		g.Go(func() error {
			svc.sqlWriter.RunResults(gctx, svc.resultCh)
			return nil
		})
	}
	g.Go(func() error {
		return svc.serveHTTP(gctx)
	})

	svc.logger.Info("all systems running",
		zap.Strings("streams", streams),
		zap.String("http", cfg.HTTPAddr),
		zap.Duration("snapshot_interval", cfg.SnapshotInterval))

	err := g.Wait()
	svc.shutdown()
	return err
}

func (svc *Service) sqlDB() *sql.DB {
	if svc.sqlWriter == nil {
		return nil
	}
	return svc.sqlWriter.DB()
}

// serveHTTP runs the API server until ctx is done.
func (svc *Service) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              svc.cfg.HTTPAddr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		svc.logger.Info("http server listening", zap.String("addr", svc.cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// shutdown saves a final snapshot and closes connections.
func (svc *Service) shutdown() {
	svc.logger.Info("shutting down, saving final snapshot")

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	svc.saveSnapshot(shutCtx, streamMarker(time.Now()))

	if svc.sqlReader != nil {
		svc.sqlReader.Close()
	}
	if svc.sqlWriter != nil {
		svc.sqlWriter.Close()
	}
	if svc.redisWriter != nil {
		svc.redisWriter.Close()
	}
	if svc.redisReader != nil {
		svc.redisReader.Close()
	}
	svc.logger.Info("shutdown complete")
}
