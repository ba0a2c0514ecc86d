package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_BasicPush(t *testing.T) {
	r := New[string](4)

	r.Push("A")
	r.Push("B")
	require.Equal(t, 2, r.Len())
	assert.False(t, r.Full())
	assert.Equal(t, "A", r.At(0))
	assert.Equal(t, "B", r.At(1))
	assert.Equal(t, []string{"A", "B"}, r.Slice())
}

func TestRing_EvictsOldestWhenFull(t *testing.T) {
	r := New[int](3)

	for i := 1; i <= 3; i++ {
		_, evicted := r.Push(i)
		assert.False(t, evicted, "push %d should not evict", i)
	}
	require.True(t, r.Full())

	old, evicted := r.Push(4)
	require.True(t, evicted)
	assert.Equal(t, 1, old)
	assert.Equal(t, []int{2, 3, 4}, r.Slice())
	assert.Equal(t, 3, r.Len())
}

func TestRing_Wraparound(t *testing.T) {
	r := New[int](4)

	// Push well past capacity; contents must always be the last 4, in order.
	for i := 0; i < 23; i++ {
		r.Push(i)
		want := make([]int, 0, 4)
		for j := i - 3; j <= i; j++ {
			if j >= 0 {
				want = append(want, j)
			}
		}
		require.Equal(t, want, r.Slice(), "after push %d", i)
	}

	assert.Equal(t, 22, r.At(r.Len()-1))
	assert.Equal(t, 19, r.At(0))
}

func TestRing_ExactCapacity(t *testing.T) {
	for _, capacity := range []int{1, 3, 5, 200} {
		r := New[int](capacity)
		assert.Equal(t, capacity, r.Cap())
	}
	assert.Equal(t, 1, New[int](0).Cap())
}

func TestRing_Reset(t *testing.T) {
	r := New[int](2)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	r.Reset()

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Slice())

	r.Push(9)
	assert.Equal(t, []int{9}, r.Slice())
}

func TestRing_AtOutOfRangePanics(t *testing.T) {
	r := New[int](2)
	r.Push(1)
	assert.Panics(t, func() { r.At(1) })
	assert.Panics(t, func() { r.At(-1) })
}
