package intensity

import (
	"go.uber.org/zap"

	"trading-intensity/internal/model"
)

// Restorer orchestrates engine state restoration on startup.
// It follows a priority chain: Redis snapshot → SQLite snapshot → cold start,
// then warms instruments up from archived books.
type Restorer struct {
	cfg    Config
	logger *zap.Logger
}

// NewRestorer creates a new Restorer for the given indicator config.
func NewRestorer(cfg Config, logger *zap.Logger) *Restorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Restorer{cfg: cfg, logger: logger.With(zap.String("component", "restorer"))}
}

// RestoreFromSnap restores an engine from a snapshot.
// If snap is nil, or restoring fails, it returns a fresh engine (cold start).
func (r *Restorer) RestoreFromSnap(snap *EngineSnapshot) (*Engine, error) {
	if snap == nil {
		r.logger.Info("no snapshot found, cold starting intensity engine")
		return NewEngine(r.cfg, r.logger)
	}

	r.logger.Info("restoring from snapshot",
		zap.Int("version", snap.Version),
		zap.String("stream_id", snap.StreamID),
		zap.Int("instruments", len(snap.Instruments)))

	engine, err := RestoreEngine(r.cfg, snap, r.logger)
	if err != nil {
		r.logger.Warn("snapshot restore failed, falling back to cold start", zap.Error(err))
		return NewEngine(r.cfg, r.logger)
	}
	return engine, nil
}

// ReplayBooks feeds books into the engine to catch up. Rejected books are
// skipped. Returns the number of books replayed.
func (r *Restorer) ReplayBooks(engine *Engine, books []model.BookSnapshot, onResult func(model.IntensityResult)) int {
	count := 0
	for _, book := range books {
		res, err := engine.Process(book)
		if err != nil {
			continue
		}
		if onResult != nil {
			onResult(res)
		}
		count++
	}
	return count
}

// BackfillFromSQLite reads archived books newer than afterTS (unix ms) and
// feeds the newest BufferLength of them per instrument into the engine.
// Older books would be evicted anyway.
func (r *Restorer) BackfillFromSQLite(engine *Engine, reader model.BookReader, afterTS int64, onResult func(model.IntensityResult)) int {
	if reader == nil {
		return 0
	}

	books, err := reader.ReadAllBooks(afterTS, 0)
	if err != nil {
		r.logger.Warn("failed to read archived books", zap.Error(err))
		return 0
	}

	perKey := make(map[string]int, 16)
	for _, b := range books {
		perKey[b.Key()]++
	}
	limit := engine.Config().BufferLength
	seen := make(map[string]int, len(perKey))
	tail := books[:0:0]
	for _, b := range books {
		key := b.Key()
		seen[key]++
		if perKey[key]-seen[key] < limit {
			tail = append(tail, b)
		}
	}

	fed := r.ReplayBooks(engine, tail, onResult)
	if fed > 0 {
		r.logger.Info("backfilled books from SQLite",
			zap.Int("books", fed),
			zap.Int("instruments", len(perKey)))
	}
	return fed
}
