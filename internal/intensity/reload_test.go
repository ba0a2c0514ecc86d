package intensity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReload(t *testing.T) {
	e := newTestEngine(t, 4)
	for i := 0; i < 4; i++ {
		_, err := e.Process(makeBook("NSE", "1", t0.Add(time.Duration(i)*time.Second), 1+float64(i), 1))
		require.NoError(t, err)
	}
	_, err := e.Process(makeBook("NSE", "2", t0, 5, 1))
	require.NoError(t, err)

	t.Run("unchanged", func(t *testing.T) {
		preserved, rebuilt, err := e.Reload(Config{BufferLength: 4})
		require.NoError(t, err)
		assert.Equal(t, 2, preserved)
		assert.Equal(t, 0, rebuilt)
	})

	t.Run("invalid", func(t *testing.T) {
		_, _, err := e.Reload(Config{BufferLength: 0})
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Equal(t, 4, e.Config().BufferLength)
	})

	t.Run("shrink keeps newest", func(t *testing.T) {
		preserved, rebuilt, err := e.Reload(Config{BufferLength: 2, Depth: DepthLevel})
		require.NoError(t, err)
		assert.Equal(t, 0, preserved)
		assert.Equal(t, 2, rebuilt)
		assert.Equal(t, 2, e.Config().BufferLength)

		v, ok := e.Value("NSE:1")
		require.True(t, ok)
		assert.Equal(t, 2, v.Samples)
		assert.InEpsilon(t, 3.5, v.Alpha, 1e-9)
		assert.Equal(t, t0.Add(3*time.Second), v.TS)
	})

	t.Run("depth switch starts cold", func(t *testing.T) {
		preserved, rebuilt, err := e.Reload(Config{BufferLength: 2, Depth: DepthTail})
		require.NoError(t, err)
		assert.Equal(t, 0, preserved)
		assert.Equal(t, 2, rebuilt)

		v, ok := e.Value("NSE:1")
		require.True(t, ok)
		assert.False(t, v.Ready)
		assert.Equal(t, 0, v.Samples)

		book := makeBook("NSE", "1", t0.Add(5*time.Second), 3, 0.7)
		got, err := e.Process(book)
		require.NoError(t, err)

		fresh, err := New(2, WithDepthMode(DepthTail))
		require.NoError(t, err)
		require.NoError(t, fresh.AddSample(book.Bids, book.Asks))
		want, err := fresh.CurrentValue()
		require.NoError(t, err)
		assert.Equal(t, 1, got.Samples)
		assert.Equal(t, want.Alpha, got.Alpha)
		assert.Equal(t, want.Kappa, got.Kappa)
	})

	t.Run("policy switch starts cold", func(t *testing.T) {
		_, rebuilt, err := e.Reload(Config{BufferLength: 2, Depth: DepthTail, Policy: PolicyDropSample})
		require.NoError(t, err)
		assert.Equal(t, 2, rebuilt)
		v, _ := e.Value("NSE:1")
		assert.False(t, v.Ready)
	})
}
