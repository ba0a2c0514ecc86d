package intensityd

import (
	"context"

	"go.uber.org/zap"

	"trading-intensity/internal/intensity"
	"trading-intensity/internal/model"
)

// loadSnapshot walks the snapshot stores in order and returns the first
// decodable snapshot, or nil when none has one.
func (svc *Service) loadSnapshot(ctx context.Context) *intensity.EngineSnapshot {
	for _, target := range svc.snapshots {
		data, err := target.store.ReadLatestSnapshotJSON(ctx)
		if err != nil {
			svc.logger.Warn("snapshot read failed", zap.String("target", target.name), zap.Error(err))
			continue
		}
		snap, err := intensity.DecodeSnapshot(data)
		if err != nil {
			svc.logger.Warn("snapshot decode failed", zap.String("target", target.name), zap.Error(err))
			continue
		}
		if snap != nil {
			svc.logger.Info("loaded snapshot",
				zap.String("target", target.name),
				zap.Time("created_at", snap.CreatedAt))
			return snap
		}
	}
	return nil
}

// restoreEngine restores the engine from the first available snapshot, then
// backfills books archived after it. Backfilled results are archived and
// published so downstream consumers see the warmed-up estimate.
func (svc *Service) restoreEngine(ctx context.Context) error {
	restorer := intensity.NewRestorer(svc.cfg.Indicator, svc.logger)

	snap := svc.loadSnapshot(ctx)
	engine, err := restorer.RestoreFromSnap(snap)
	if err != nil {
		return err
	}

	var afterTS int64
	if snap != nil {
		afterTS = snap.CreatedAt.UnixMilli()
	}

	var warmed []model.IntensityResult
	onResult := func(res model.IntensityResult) {
		warmed = append(warmed, res)
	}
	var n int
	if svc.archive != nil {
		n = restorer.BackfillFromSQLite(engine, svc.archive, afterTS, onResult)
	} else if snap != nil && snap.StreamID != "" {
		n = svc.replayDelta(ctx, restorer, engine, snap.StreamID, onResult)
	}

	svc.engineMu.Lock()
	svc.engine = engine
	svc.engineMu.Unlock()

	for _, res := range warmed {
		svc.storeLatest(res)
	}
	if n > 0 && svc.results != nil {
		if err := svc.results.WriteResultBatch(ctx, latestOnly(warmed)); err != nil {
			svc.logger.Warn("backfill publish failed", zap.Error(err))
		}
	}
	svc.health.SetInstruments(len(engine.Keys()))
	svc.logger.Info("engine ready",
		zap.Int("instruments", len(engine.Keys())),
		zap.Int("backfilled", n))
	return nil
}

// latestOnly keeps the newest result per instrument, in first-seen order.
func latestOnly(results []model.IntensityResult) []model.IntensityResult {
	idx := make(map[string]int, 8)
	out := make([]model.IntensityResult, 0, 8)
	for _, res := range results {
		key := res.Key()
		if i, ok := idx[key]; ok {
			out[i] = res
			continue
		}
		idx[key] = len(out)
		out = append(out, res)
	}
	return out
}

// replayDelta feeds the books added to the Redis streams after the snapshot
// marker. Used when there is no SQLite archive to backfill from.
func (svc *Service) replayDelta(ctx context.Context, restorer *intensity.Restorer, engine *intensity.Engine, fromID string, onResult func(model.IntensityResult)) int {
	if svc.redisReader == nil {
		return 0
	}
	total := 0
	for _, stream := range svc.cfg.BookStreams() {
		last, err := svc.redisReader.LastStreamID(ctx, stream)
		if err != nil || last == "0-0" {
			continue
		}

		ch := make(chan model.BookSnapshot, 1000)
		go func() {
			defer close(ch)
			if _, err := svc.redisReader.ReplayFromID(ctx, stream, fromID, ch); err != nil {
				svc.logger.Warn("delta replay failed", zap.String("stream", stream), zap.Error(err))
			}
		}()

		var books []model.BookSnapshot
		for book := range ch {
			books = append(books, book)
		}
		total += restorer.ReplayBooks(engine, books, onResult)
	}
	if total > 0 {
		svc.logger.Info("replayed delta books", zap.String("from", fromID), zap.Int("books", total))
	}
	return total
}
