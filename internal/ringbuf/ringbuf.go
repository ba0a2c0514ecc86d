// Package ringbuf provides a fixed-capacity FIFO ring that evicts its oldest
// element when a push would exceed capacity. It backs rolling estimator windows.
//
// A Ring is not safe for concurrent use; it is owned by a single goroutine.
package ringbuf

// Ring is a fixed-capacity circular FIFO. Capacity is exact, not rounded.
type Ring[T any] struct {
	buf   []T
	head  int // index of the oldest element
	count int
}

// New creates a ring holding at most capacity elements.
// Capacity below 1 is raised to 1; callers validate configuration first.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v as the newest element. When the ring is full the oldest
// element is removed and returned with evicted=true.
func (r *Ring[T]) Push(v T) (old T, evicted bool) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = v
		r.count++
		return old, false
	}

	old = r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	return old, true
}

// At returns the i-th element counting from the oldest (0) to the newest (Len-1).
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.count {
		panic("ringbuf: index out of range")
	}
	return r.buf[(r.head+i)%len(r.buf)]
}

// Do calls fn for every element from oldest to newest.
func (r *Ring[T]) Do(fn func(v T)) {
	for i := 0; i < r.count; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

// Slice returns a copy of the contents, oldest first.
func (r *Ring[T]) Slice() []T {
	out := make([]T, 0, r.count)
	r.Do(func(v T) { out = append(out, v) })
	return out
}

// Len returns the current number of elements.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Full reports whether the next Push will evict.
func (r *Ring[T]) Full() bool { return r.count == len(r.buf) }

// Reset empties the ring without releasing its storage.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.count = 0
}
