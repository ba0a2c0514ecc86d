package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-intensity/internal/model"
)

type fakeBatchWriter struct {
	mu      sync.Mutex
	err     error
	batches [][]model.IntensityResult
	flushed chan int
}

func (f *fakeBatchWriter) WriteResultBatch(_ context.Context, results []model.IntensityResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, results)
	return nil
}

func (f *fakeBatchWriter) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func ready(token string, alpha float64) model.IntensityResult {
	return model.IntensityResult{Exchange: "NSE", Token: token, Alpha: alpha, Ready: true}
}

func TestBufferedWriter_BuffersWhileOpenAndFlushesOnClose(t *testing.T) {
	fw := &fakeBatchWriter{}
	cb, clk := newTestBreaker(1, time.Second)
	bw := NewBufferedWriter(context.Background(), fw, cb, 0, nil)

	flushed := make(chan int, 1)
	buffered := 0
	bw.OnBuffer = func(n int) { buffered += n }
	bw.OnFlush = func(n int) { flushed <- n }

	// Trip the breaker with a failing write.
	fw.setErr(errors.New("connection refused"))
	assert.Error(t, bw.WriteResultBatch(context.Background(), []model.IntensityResult{ready("1", 1)}))
	require.Equal(t, StateOpen, cb.CurrentState())

	// While open: confirmed results are buffered, previews are not.
	live := ready("1", 9)
	live.Live = true
	require.NoError(t, bw.WriteResultBatch(context.Background(), []model.IntensityResult{ready("1", 2), live, ready("2", 3)}))
	assert.Equal(t, 2, bw.PendingCount())
	assert.Equal(t, 2, buffered)

	// Redis comes back; the probe write closes the circuit and flushes.
	fw.setErr(nil)
	clk.advance(2 * time.Second)
	require.NoError(t, bw.WriteResultBatch(context.Background(), []model.IntensityResult{ready("1", 4)}))

	select {
	case n := <-flushed:
		assert.Equal(t, 2, n)
	case <-time.After(2 * time.Second):
		t.Fatal("buffered results were not flushed")
	}
	assert.Equal(t, 0, bw.PendingCount())

	fw.mu.Lock()
	defer fw.mu.Unlock()
	require.Len(t, fw.batches, 2)
	assert.Equal(t, []model.IntensityResult{ready("1", 2), ready("2", 3)}, fw.batches[1])
}

func TestBufferedWriter_DropsOldestWhenFull(t *testing.T) {
	fw := &fakeBatchWriter{err: errors.New("down")}
	cb, _ := newTestBreaker(1, time.Hour)
	bw := NewBufferedWriter(context.Background(), fw, cb, 2, nil)

	_ = bw.WriteResultBatch(context.Background(), []model.IntensityResult{ready("0", 0)})
	require.NoError(t, bw.WriteResultBatch(context.Background(), []model.IntensityResult{
		ready("1", 1), ready("2", 2), ready("3", 3),
	}))

	assert.Equal(t, 2, bw.PendingCount())
	bw.mu.Lock()
	defer bw.mu.Unlock()
	assert.Equal(t, "2", bw.buffer[0].Token)
	assert.Equal(t, "3", bw.buffer[1].Token)
}
