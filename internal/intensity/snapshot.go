package intensity

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// snapshotVersion is bumped on incompatible checkpoint schema changes.
const snapshotVersion = 1

// IndicatorSnapshot holds the serialized state of one instrument's indicator.
type IndicatorSnapshot struct {
	Key          string       `json:"key"` // "exchange:token"
	BufferLength int          `json:"buffer_length"`
	Depth        DepthMode    `json:"depth"`
	Policy       SidePolicy   `json:"policy"`
	Pairs        []FittedPair `json:"pairs"` // oldest first
	Stats        Stats        `json:"stats"`
	LastTS       time.Time    `json:"last_ts"`
}

// EngineSnapshot holds the full state of the intensity engine.
type EngineSnapshot struct {
	StreamID    string              `json:"stream_id"` // stream ID marker at checkpoint time
	CreatedAt   time.Time           `json:"created_at"`
	Version     int                 `json:"version"`
	Instruments []IndicatorSnapshot `json:"instruments"`
}

// Encode serializes the snapshot to JSON.
func (es *EngineSnapshot) Encode() ([]byte, error) {
	return json.Marshal(es)
}

// DecodeSnapshot parses a JSON snapshot. A nil or empty input yields nil, nil.
func DecodeSnapshot(data []byte) (*EngineSnapshot, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var snap EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("%w: version %d is newer than %d", ErrInvalidSnapshot, snap.Version, snapshotVersion)
	}
	return &snap, nil
}

// Snapshot serializes the indicator state for checkpoint persistence.
func (ti *TradingIntensity) Snapshot() IndicatorSnapshot {
	return IndicatorSnapshot{
		BufferLength: ti.window.Cap(),
		Depth:        ti.depth,
		Policy:       ti.policy,
		Pairs:        ti.window.Slice(),
		Stats:        ti.stats,
	}
}

// RestoreFromSnapshot replaces the window with the snapshot's pairs. The
// indicator keeps its own buffer length; when the snapshot holds more pairs
// than fit, only the newest are kept. Pairs fitted under another depth mode
// or side policy, non-finite pairs and negative-kappa pairs make the whole
// snapshot invalid and leave the indicator untouched.
func (ti *TradingIntensity) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	fitted := Config{Depth: snap.Depth, Policy: snap.Policy}
	if !fitted.sameFit(Config{Depth: ti.depth, Policy: ti.policy}) {
		fitted = fitted.withDefaults()
		return fmt.Errorf("%w: pairs fitted with depth=%s policy=%s, indicator uses depth=%s policy=%s",
			ErrInvalidSnapshot, fitted.Depth, fitted.Policy, ti.depth, ti.policy)
	}
	for i, p := range snap.Pairs {
		if !p.finite() || p.Kappa < 0 {
			return fmt.Errorf("%w: pair %d (%v, %v)", ErrInvalidSnapshot, i, p.Alpha, p.Kappa)
		}
	}

	pairs := snap.Pairs
	if len(pairs) > ti.window.Cap() {
		pairs = pairs[len(pairs)-ti.window.Cap():]
	}
	ti.window.Reset()
	for _, p := range pairs {
		ti.window.Push(p)
	}
	ti.stats = snap.Stats
	return nil
}

// SnapshotEngine captures the full state of an Engine.
func SnapshotEngine(e *Engine, streamID string) *EngineSnapshot {
	snap := &EngineSnapshot{
		StreamID:    streamID,
		CreatedAt:   time.Now().UTC(),
		Version:     snapshotVersion,
		Instruments: make([]IndicatorSnapshot, 0, len(e.state)),
	}
	for _, key := range e.Keys() {
		st := e.state[key]
		is := st.ind.Snapshot()
		is.Key = key
		is.LastTS = st.lastTS
		snap.Instruments = append(snap.Instruments, is)
	}
	return snap
}

// RestoreEngine rebuilds an Engine from a snapshot using the current config.
// Instruments whose state cannot be restored start cold. A buffer length
// change keeps the newest pairs; a depth mode or side policy change starts
// every instrument cold.
func RestoreEngine(cfg Config, snap *EngineSnapshot, logger *zap.Logger) (*Engine, error) {
	e, err := NewEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return e, nil
	}

	restored, cold := 0, 0
	for _, is := range snap.Instruments {
		if is.Key == "" {
			continue
		}
		ind, err := cfg.newIndicator()
		if err != nil {
			return nil, err
		}
		st := &instrumentState{ind: ind}
		if err := ind.RestoreFromSnapshot(is); err != nil {
			// Non-fatal: log and leave cold
			e.logger.Warn("instrument cold-started", zap.String("key", is.Key), zap.Error(err))
			cold++
		} else {
			st.lastTS = is.LastTS
			restored++
		}
		e.state[is.Key] = st
	}

	e.logger.Info("engine restored from snapshot",
		zap.String("stream_id", snap.StreamID),
		zap.Int("restored", restored),
		zap.Int("cold", cold))
	return e, nil
}
