package redis

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"trading-intensity/internal/model"
)

// batchWriter is the part of Writer the BufferedWriter drives.
type batchWriter interface {
	WriteResultBatch(ctx context.Context, results []model.IntensityResult) error
}

// BufferedWriter wraps a result writer with a circuit breaker.
// While the circuit is open, confirmed results are buffered locally and
// flushed when the circuit closes again. Live previews are never buffered.
type BufferedWriter struct {
	writer batchWriter
	cb     *CircuitBreaker
	ctx    context.Context
	logger *zap.Logger

	mu     sync.Mutex
	buffer []model.IntensityResult
	maxBuf int // max buffered results before dropping oldest (default: 10000)

	// Callbacks
	OnBuffer func(count int) // called when results are buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered results
}

// NewBufferedWriter creates a BufferedWriter wrapping w.
func NewBufferedWriter(ctx context.Context, w batchWriter, cb *CircuitBreaker, maxBufferSize int, logger *zap.Logger) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bw := &BufferedWriter{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		logger: logger.With(zap.String("component", "buffered-writer")),
		buffer: make([]model.IntensityResult, 0, 256),
		maxBuf: maxBufferSize,
	}

	// Register flush on circuit close
	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bw.flush()
		}
	}

	return bw
}

// WriteResultBatch writes results through the circuit breaker. When the
// circuit is open the confirmed results are buffered and nil is returned.
func (bw *BufferedWriter) WriteResultBatch(ctx context.Context, results []model.IntensityResult) error {
	err := bw.cb.Execute(func() error {
		return bw.writer.WriteResultBatch(ctx, results)
	})
	if err == ErrCircuitOpen {
		bw.bufferResults(results)
		return nil // buffered, not lost
	}
	return err
}

func (bw *BufferedWriter) bufferResults(results []model.IntensityResult) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	n := 0
	for _, res := range results {
		if res.Live || !res.Ready {
			continue
		}
		if len(bw.buffer) >= bw.maxBuf {
			// Buffer full, drop oldest
			bw.buffer = bw.buffer[1:]
		}
		bw.buffer = append(bw.buffer, res)
		n++
	}

	if n > 0 && bw.OnBuffer != nil {
		bw.OnBuffer(n)
	}
}

// flush replays all buffered results through the underlying writer.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	// Take ownership of the buffer
	toFlush := bw.buffer
	bw.buffer = make([]model.IntensityResult, 0, 256)
	bw.mu.Unlock()

	if err := bw.writer.WriteResultBatch(bw.ctx, toFlush); err != nil {
		bw.logger.Warn("flush failed, results dropped", zap.Int("count", len(toFlush)), zap.Error(err))
		return
	}

	bw.logger.Info("flushed buffered results", zap.Int("count", len(toFlush)))
	if bw.OnFlush != nil {
		bw.OnFlush(len(toFlush))
	}
}

// PendingCount returns the number of buffered results waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Close is a no-op; the underlying writer is owned by the caller.
func (bw *BufferedWriter) Close() error { return nil }
