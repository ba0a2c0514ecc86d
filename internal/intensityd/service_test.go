package intensityd

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trading-intensity/config"
	"trading-intensity/internal/intensity"
	"trading-intensity/internal/model"
)

var t0 = time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)

const testKey = "NSE:26000"

// fakeResults records every batch written.
type fakeResults struct {
	mu      sync.Mutex
	batches [][]model.IntensityResult
	err     error
}

func (f *fakeResults) WriteResultBatch(_ context.Context, results []model.IntensityResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]model.IntensityResult(nil), results...))
	return f.err
}

func (f *fakeResults) Close() error { return nil }

func (f *fakeResults) all() []model.IntensityResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.IntensityResult
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

// memSnapshots is an in-memory snapshot store.
type memSnapshots struct {
	data    []byte
	readErr error
	saves   int
}

func (m *memSnapshots) SaveSnapshotJSON(_ context.Context, data []byte) error {
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}

func (m *memSnapshots) ReadLatestSnapshotJSON(context.Context) ([]byte, error) {
	return m.data, m.readErr
}

// fakeArchive serves archived books filtered by timestamp.
type fakeArchive struct {
	books []model.BookSnapshot
}

func (f *fakeArchive) ReadBooks(exchange, token string, afterTS int64, limit int) ([]model.BookSnapshot, error) {
	var out []model.BookSnapshot
	for _, b := range f.books {
		if b.Exchange == exchange && b.Token == token && b.TS.UnixMilli() > afterTS {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeArchive) ReadAllBooks(afterTS int64, limit int) ([]model.BookSnapshot, error) {
	var out []model.BookSnapshot
	for _, b := range f.books {
		if b.TS.UnixMilli() > afterTS {
			out = append(out, b)
		}
	}
	return out, nil
}

func expRows(sign, alpha, kappa float64) []model.OrderBookRow {
	dists := []float64{0.5, 1, 1.5, 2, 3, 4}
	rows := make([]model.OrderBookRow, len(dists))
	for i, d := range dists {
		rows[i] = model.OrderBookRow{Price: 100 + sign*d, Amount: alpha * math.Exp(-kappa*d), UpdateID: 1}
	}
	return rows
}

func makeBook(key string, ts time.Time, alpha, kappa float64) model.BookSnapshot {
	exchange, token := model.SplitKey(key)
	return model.BookSnapshot{
		Exchange: exchange,
		Token:    token,
		TS:       ts,
		Bids:     expRows(-1, alpha, kappa),
		Asks:     expRows(1, alpha, kappa),
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Instruments: []string{testKey},
		Indicator: intensity.Config{
			BufferLength: 10,
			Depth:        intensity.DepthLevel,
			Policy:       intensity.PolicyHealthySide,
		},
		SnapshotInterval: time.Second,
		SnapshotKey:      "intensity:snapshot",
		ConfigChannel:    "config:intensity",
	}
}

func newTestService(t *testing.T) (*Service, *fakeResults) {
	t.Helper()
	svc := newService(testConfig(), zap.NewNop())
	engine, err := intensity.NewEngine(svc.cfg.Indicator, nil)
	require.NoError(t, err)
	svc.engine = engine
	fr := &fakeResults{}
	svc.results = fr
	return svc, fr
}

func TestHandleBook_PublishesReadyResult(t *testing.T) {
	svc, fr := newTestService(t)

	require.True(t, svc.handleBook(context.Background(), makeBook(testKey, t0, 2, 0.5)))

	written := fr.all()
	require.Len(t, written, 1)
	assert.True(t, written[0].Ready)
	assert.False(t, written[0].Live)
	assert.InEpsilon(t, 2, written[0].Alpha, 1e-9)
	assert.InEpsilon(t, 0.5, written[0].Kappa, 1e-9)

	res, ok := svc.latestResult(testKey)
	require.True(t, ok)
	assert.Equal(t, 1, res.Samples)

	assert.Equal(t, 1.0, testutil.ToFloat64(svc.prom.BooksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.prom.ResultsTotal))
	assert.InEpsilon(t, 2, testutil.ToFloat64(svc.prom.Alpha.WithLabelValues(testKey)), 1e-9)
}

func TestHandleBook_RejectsShallowBook(t *testing.T) {
	svc, fr := newTestService(t)

	book := makeBook(testKey, t0, 2, 0.5)
	book.Bids = book.Bids[:1]
	assert.False(t, svc.handleBook(context.Background(), book))

	assert.Empty(t, fr.all())
	_, ok := svc.latestResult(testKey)
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.prom.BooksRejected))
}

func TestHandleBook_CountsDegenerateSamples(t *testing.T) {
	svc, fr := newTestService(t)

	book := makeBook(testKey, t0, 2, 0.5)
	for i := range book.Bids {
		book.Bids[i].Amount = 0
		book.Asks[i].Amount = 0
	}
	assert.True(t, svc.handleBook(context.Background(), book))

	// Nothing fitted yet, so nothing is published.
	assert.Empty(t, fr.all())
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.prom.SamplesDegenerate))
}

func TestHandleBook_FeedsArchiveChannels(t *testing.T) {
	svc, _ := newTestService(t)
	svc.archiveCh = make(chan model.BookSnapshot, 4)
	svc.resultCh = make(chan model.IntensityResult, 4)

	svc.handleBook(context.Background(), makeBook(testKey, t0, 2, 0.5))

	assert.Len(t, svc.archiveCh, 1)
	assert.Len(t, svc.resultCh, 1)
}

func TestHandleBook_WriteErrorIsNotFatal(t *testing.T) {
	svc, fr := newTestService(t)
	fr.err = errors.New("redis down")

	assert.True(t, svc.handleBook(context.Background(), makeBook(testKey, t0, 2, 0.5)))
	_, ok := svc.latestResult(testKey)
	assert.True(t, ok)
}

func TestPeek(t *testing.T) {
	svc, fr := newTestService(t)
	ctx := context.Background()

	_, ok := svc.peek(ctx, makeBook(testKey, t0, 2, 0.5))
	assert.False(t, ok, "unseen instrument")

	svc.handleBook(ctx, makeBook(testKey, t0, 2, 0.5))
	res, ok := svc.peek(ctx, makeBook(testKey, t0.Add(time.Second), 4, 0.5))
	require.True(t, ok)
	assert.True(t, res.Live)
	assert.InEpsilon(t, 3, res.Alpha, 1e-9)

	latest, _ := svc.latestResult(testKey)
	assert.InEpsilon(t, 2, latest.Alpha, 1e-9, "previews never replace the confirmed estimate")

	written := fr.all()
	require.Len(t, written, 2)
	assert.True(t, written[1].Live)
}

func TestSaveSnapshot_RestoresInNewService(t *testing.T) {
	svc, _ := newTestService(t)
	redisSnap, sqliteSnap := &memSnapshots{}, &memSnapshots{}
	svc.snapshots = []snapshotTarget{{"redis", redisSnap}, {"sqlite", sqliteSnap}}

	ctx := context.Background()
	for i, alpha := range []float64{2, 4, 6} {
		svc.handleBook(ctx, makeBook(testKey, t0.Add(time.Duration(i)*time.Second), alpha, 0.5))
	}

	assert.Equal(t, 2, svc.saveSnapshot(ctx, streamMarker(t0)))
	assert.Equal(t, 1, redisSnap.saves)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.prom.SnapshotsTotal.WithLabelValues("sqlite")))

	// Redis lost its key; the SQLite copy is used.
	restored, fr := newTestService(t)
	restored.snapshots = []snapshotTarget{{"redis", &memSnapshots{}}, {"sqlite", sqliteSnap}}
	require.NoError(t, restored.restoreEngine(ctx))

	res, ok := restored.engine.Value(testKey)
	require.True(t, ok)
	assert.Equal(t, 3, res.Samples)
	assert.InEpsilon(t, 4, res.Alpha, 1e-9)
	assert.Empty(t, fr.all(), "nothing to backfill")
}

func TestRestoreEngine_SkipsUnreadableSnapshot(t *testing.T) {
	good, _ := newTestService(t)
	store := &memSnapshots{}
	good.snapshots = []snapshotTarget{{"sqlite", store}}
	good.handleBook(context.Background(), makeBook(testKey, t0, 2, 0.5))
	good.saveSnapshot(context.Background(), streamMarker(t0))

	svc, _ := newTestService(t)
	svc.snapshots = []snapshotTarget{
		{"redis", &memSnapshots{data: []byte("{")}},
		{"redis-down", &memSnapshots{readErr: errors.New("timeout")}},
		{"sqlite", store},
	}
	require.NoError(t, svc.restoreEngine(context.Background()))
	assert.Equal(t, []string{testKey}, svc.engine.Keys())
}

func TestRestoreEngine_ColdStartWithBackfill(t *testing.T) {
	svc, fr := newTestService(t)
	svc.archive = &fakeArchive{books: []model.BookSnapshot{
		makeBook(testKey, t0, 2, 0.5),
		makeBook("NSE:26009", t0, 5, 1),
		makeBook(testKey, t0.Add(time.Second), 4, 0.5),
	}}

	require.NoError(t, svc.restoreEngine(context.Background()))

	res, ok := svc.latestResult(testKey)
	require.True(t, ok)
	assert.Equal(t, 2, res.Samples)
	assert.InEpsilon(t, 3, res.Alpha, 1e-9)

	// One published result per instrument.
	written := fr.all()
	require.Len(t, written, 2)
	assert.Equal(t, testKey, written[0].Key())
	assert.Equal(t, 2, written[0].Samples)
}

func TestRestoreEngine_BackfillStartsAfterSnapshot(t *testing.T) {
	src, _ := newTestService(t)
	store := &memSnapshots{}
	src.snapshots = []snapshotTarget{{"sqlite", store}}
	src.handleBook(context.Background(), makeBook(testKey, t0, 2, 0.5))
	src.saveSnapshot(context.Background(), streamMarker(t0))

	snap, err := intensity.DecodeSnapshot(store.data)
	require.NoError(t, err)

	svc, _ := newTestService(t)
	svc.snapshots = []snapshotTarget{{"sqlite", store}}
	svc.archive = &fakeArchive{books: []model.BookSnapshot{
		makeBook(testKey, snap.CreatedAt.Add(-time.Minute), 100, 0.5),
		makeBook(testKey, snap.CreatedAt.Add(time.Minute), 4, 0.5),
	}}
	require.NoError(t, svc.restoreEngine(context.Background()))

	res, _ := svc.engine.Value(testKey)
	assert.Equal(t, 2, res.Samples)
	assert.InEpsilon(t, 3, res.Alpha, 1e-9)
}

func TestLatestOnly(t *testing.T) {
	in := []model.IntensityResult{
		{Exchange: "NSE", Token: "1", Samples: 1},
		{Exchange: "NSE", Token: "2", Samples: 1},
		{Exchange: "NSE", Token: "1", Samples: 2},
	}
	out := latestOnly(in)
	require.Len(t, out, 2)
	assert.Equal(t, "1", out[0].Token)
	assert.Equal(t, 2, out[0].Samples)
	assert.Equal(t, "2", out[1].Token)
}

func TestStreamMarker(t *testing.T) {
	assert.Equal(t, "1709284500000-0", streamMarker(t0))
}
