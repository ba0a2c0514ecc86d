package intensity

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-intensity/internal/model"
)

func meanPairs(pairs []FittedPair) FittedPair {
	var sum FittedPair
	for _, p := range pairs {
		sum.Alpha += p.Alpha
		sum.Kappa += p.Kappa
	}
	n := float64(len(pairs))
	return FittedPair{Alpha: sum.Alpha / n, Kappa: sum.Kappa / n}
}

func assertPairClose(t *testing.T, want, got FittedPair) {
	t.Helper()
	assert.InDelta(t, want.Alpha, got.Alpha, 1e-9, "alpha")
	assert.InDelta(t, want.Kappa, got.Kappa, 1e-9, "kappa")
}

func TestNew_InvalidConfig(t *testing.T) {
	for _, n := range []int{0, -1, -200} {
		_, err := New(n)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	}
	_, err := New(10, WithDepthMode("deep"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(10, WithSidePolicy("either"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	ti, err := New(1)
	require.NoError(t, err)
	assert.Equal(t, 1, ti.BufferLength())
	assert.Equal(t, DepthLevel, ti.DepthMode())
	assert.Equal(t, PolicyHealthySide, ti.SidePolicy())
	assert.Equal(t, "TRADING_INTENSITY", ti.Name())
}

func TestCurrentValue_EmptyBuffer(t *testing.T) {
	ti, err := New(5)
	require.NoError(t, err)

	_, err = ti.CurrentValue()
	assert.ErrorIs(t, err, ErrEmptyBuffer)
	assert.False(t, ti.Ready())
}

func TestAddSample_RejectsShallowBook(t *testing.T) {
	ti, err := New(5)
	require.NoError(t, err)
	bids, asks := expBook(1, 1)

	err = ti.AddSample(bids[:1], asks)
	assert.ErrorIs(t, err, ErrInsufficientDepth)
	assert.Equal(t, 0, ti.Len())
	assert.Equal(t, uint64(1), ti.Stats().Rejected)

	_, err = ti.CurrentValue()
	assert.ErrorIs(t, err, ErrEmptyBuffer)
}

func TestAddSample_WindowMean(t *testing.T) {
	ti, err := New(3)
	require.NoError(t, err)

	var fitted []FittedPair
	for i := 0; i < 5; i++ {
		bids, asks := expBook(1+float64(i), 0.2*float64(i+1))
		fit, err := FitSample(bids, asks, DepthLevel, PolicyHealthySide)
		require.NoError(t, err)
		fitted = append(fitted, fit.Pair)

		require.NoError(t, ti.AddSample(bids, asks))
		want := fitted
		if len(want) > 3 {
			want = want[len(want)-3:]
		}
		assert.Equal(t, len(want), ti.Len())

		got, err := ti.CurrentValue()
		require.NoError(t, err)
		assertPairClose(t, meanPairs(want), got)
	}
	assert.Equal(t, fitted[2:], ti.Pairs())
	assert.Equal(t, uint64(5), ti.Stats().Accepted)
}

func TestAddSample_DegenerateLeavesValue(t *testing.T) {
	ti, err := New(4)
	require.NoError(t, err)

	bids, asks := expBook(2, 0.5)
	require.NoError(t, ti.AddSample(bids, asks))
	before, err := ti.CurrentValue()
	require.NoError(t, err)

	badBids, badAsks := expBook(2, 0.5)
	badBids[0].Amount = 0
	badAsks[3].Amount = -2
	require.NoError(t, ti.AddSample(badBids, badAsks))

	after, err := ti.CurrentValue()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, ti.Len())
	assert.Equal(t, uint64(1), ti.Stats().Degenerate)
}

func TestAddSample_PartialCounted(t *testing.T) {
	ti, err := New(4)
	require.NoError(t, err)

	bids, asks := expBook(2, 0.5)
	asks[1].Amount = 0
	require.NoError(t, ti.AddSample(bids, asks))
	assert.Equal(t, 1, ti.Len())
	assert.Equal(t, Stats{Accepted: 1, Partial: 1}, ti.Stats())

	drop, err := New(4, WithSidePolicy(PolicyDropSample))
	require.NoError(t, err)
	require.NoError(t, drop.AddSample(bids, asks))
	assert.Equal(t, 0, drop.Len())
	assert.Equal(t, Stats{Degenerate: 1}, drop.Stats())
}

func TestPeek_MatchesAddSampleWithoutMutating(t *testing.T) {
	ti, err := New(3)
	require.NoError(t, err)
	shadow, err := New(3)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		bids, asks := expBook(1+0.5*float64(i), 0.3+0.1*float64(i))

		pairsBefore := ti.Pairs()
		peeked, err := ti.Peek(bids, asks)
		require.NoError(t, err)
		assert.Equal(t, pairsBefore, ti.Pairs(), "peek must not mutate")

		require.NoError(t, shadow.AddSample(bids, asks))
		want, err := shadow.CurrentValue()
		require.NoError(t, err)
		assertPairClose(t, want, peeked)

		require.NoError(t, ti.AddSample(bids, asks))
	}
}

func TestPeek_ShallowAndDegenerate(t *testing.T) {
	ti, err := New(3)
	require.NoError(t, err)
	bids, asks := expBook(1, 1)

	_, err = ti.Peek(bids[:1], asks)
	assert.ErrorIs(t, err, ErrInsufficientDepth)

	bids[2].Amount = 0
	asks[2].Amount = 0
	_, err = ti.Peek(bids, asks)
	assert.ErrorIs(t, err, ErrEmptyBuffer)
}

func TestAddDecimalSample_MatchesFloat(t *testing.T) {
	toDecimal := func(rows []model.OrderBookRow) []model.DecimalRow {
		out := make([]model.DecimalRow, len(rows))
		for i, r := range rows {
			out[i] = model.DecimalRow{
				Price:  decimal.NewFromFloat(r.Price),
				Amount: decimal.NewFromFloat(r.Amount),
			}
		}
		return out
	}

	bids := flatSide(100, -1, 3, 2.5, 2, 1.25, 1)
	asks := flatSide(100, 1, 4, 3, 2.25, 1.5, 0.75)

	ti, err := New(2)
	require.NoError(t, err)
	require.NoError(t, ti.AddSample(bids, asks))
	want, err := ti.CurrentValue()
	require.NoError(t, err)

	td, err := New(2)
	require.NoError(t, err)
	require.NoError(t, td.AddDecimalSample(toDecimal(bids), toDecimal(asks)))
	got, err := td.CurrentValue()
	require.NoError(t, err)

	assert.Equal(t, want, got)
}

func TestReset(t *testing.T) {
	ti, err := New(3)
	require.NoError(t, err)
	bids, asks := expBook(1, 1)
	require.NoError(t, ti.AddSample(bids, asks))

	ti.Reset()
	assert.Equal(t, 0, ti.Len())
	assert.Equal(t, Stats{}, ti.Stats())
	assert.Equal(t, 3, ti.BufferLength())
	_, err = ti.CurrentValue()
	assert.ErrorIs(t, err, ErrEmptyBuffer)
}
