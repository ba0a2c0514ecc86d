package intensityd

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"trading-intensity/internal/intensity"
)

// snapshotLoop periodically checkpoints engine state to every snapshot store.
func (svc *Service) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(svc.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.saveSnapshot(ctx, streamMarker(time.Now()))
		}
	}
}

// saveSnapshot encodes the engine once and writes it to every store.
// Returns the number of stores written.
func (svc *Service) saveSnapshot(ctx context.Context, streamID string) int {
	svc.engineMu.Lock()
	if svc.engine == nil {
		svc.engineMu.Unlock()
		return 0
	}
	snap := intensity.SnapshotEngine(svc.engine, streamID)
	svc.engineMu.Unlock()

	data, err := snap.Encode()
	if err != nil {
		svc.logger.Warn("snapshot encode failed", zap.Error(err))
		return 0
	}

	saved := 0
	for _, target := range svc.snapshots {
		if err := target.store.SaveSnapshotJSON(ctx, data); err != nil {
			svc.logger.Warn("snapshot write failed", zap.String("target", target.name), zap.Error(err))
			continue
		}
		svc.prom.SnapshotsTotal.WithLabelValues(target.name).Inc()
		saved++
	}
	svc.logger.Debug("checkpoint saved",
		zap.Int("instruments", len(snap.Instruments)),
		zap.Int("stores", saved))
	return saved
}

// streamMarker returns a time-based stream ID, usable as an XRANGE start.
func streamMarker(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10) + "-0"
}
