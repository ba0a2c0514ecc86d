// Package intensity estimates the order-arrival intensity model
//
//	lambda(delta) = alpha * exp(-kappa * delta)
//
// from live order-book snapshots. Each two-sided book yields one fitted
// (alpha, kappa) pair; a TradingIntensity keeps the most recent pairs in a
// fixed-capacity window and reports their mean as the current estimate.
//
// A TradingIntensity and an Engine are driven from a single goroutine; no
// locks. Callers sharing one instance across producers must serialize calls.
package intensity

import (
	"fmt"

	"trading-intensity/internal/model"
	"trading-intensity/internal/ringbuf"
)

// Stats counts what happened to the samples offered to an indicator.
type Stats struct {
	Accepted   uint64 `json:"accepted"`   // pushed into the window
	Partial    uint64 `json:"partial"`    // accepted from a single healthy side
	Degenerate uint64 `json:"degenerate"` // dropped for numerical degeneracy
	Rejected   uint64 `json:"rejected"`   // refused with ErrInsufficientDepth
}

// TradingIntensity is the rolling trading intensity indicator.
type TradingIntensity struct {
	depth  DepthMode
	policy SidePolicy
	window *ringbuf.Ring[FittedPair]
	stats  Stats
}

// Option configures a TradingIntensity.
type Option func(*TradingIntensity)

// WithDepthMode selects the depth quantity to fit. Default DepthLevel.
func WithDepthMode(m DepthMode) Option {
	return func(ti *TradingIntensity) { ti.depth = m }
}

// WithSidePolicy selects the single-side policy. Default PolicyHealthySide.
func WithSidePolicy(p SidePolicy) Option {
	return func(ti *TradingIntensity) { ti.policy = p }
}

// New creates an indicator that smooths over the last bufferLength samples.
func New(bufferLength int, opts ...Option) (*TradingIntensity, error) {
	if bufferLength <= 0 {
		return nil, fmt.Errorf("%w: buffer length %d must be positive", ErrInvalidConfig, bufferLength)
	}
	ti := &TradingIntensity{
		depth:  DepthLevel,
		policy: PolicyHealthySide,
	}
	for _, opt := range opts {
		opt(ti)
	}
	if _, err := ParseDepthMode(string(ti.depth)); err != nil {
		return nil, err
	}
	if _, err := ParseSidePolicy(string(ti.policy)); err != nil {
		return nil, err
	}
	ti.window = ringbuf.New[FittedPair](bufferLength)
	return ti, nil
}

func (ti *TradingIntensity) Name() string { return "TRADING_INTENSITY" }

// AddSample fits one two-sided book and pushes the result, evicting the
// oldest pair when the window is full. A side with fewer than two levels
// rejects the sample with ErrInsufficientDepth. Numerically degenerate
// samples are dropped silently; the window is either fully updated or
// left untouched.
func (ti *TradingIntensity) AddSample(bids, asks []model.OrderBookRow) error {
	fit, err := FitSample(bids, asks, ti.depth, ti.policy)
	if err != nil {
		ti.stats.Rejected++
		return err
	}
	if !fit.Valid {
		ti.stats.Degenerate++
		return nil
	}
	if !fit.Bid || !fit.Ask {
		ti.stats.Partial++
	}
	ti.stats.Accepted++
	ti.window.Push(fit.Pair)
	return nil
}

// AddDecimalSample converts arbitrary-precision rows to float64 once and
// then behaves like AddSample.
func (ti *TradingIntensity) AddDecimalSample(bids, asks []model.DecimalRow) error {
	return ti.AddSample(model.RowsFromDecimal(bids), model.RowsFromDecimal(asks))
}

// CurrentValue returns the elementwise mean of every pair in the window.
func (ti *TradingIntensity) CurrentValue() (FittedPair, error) {
	n := ti.window.Len()
	if n == 0 {
		return FittedPair{}, ErrEmptyBuffer
	}
	var sum FittedPair
	ti.window.Do(func(p FittedPair) {
		sum.Alpha += p.Alpha
		sum.Kappa += p.Kappa
	})
	return FittedPair{Alpha: sum.Alpha / float64(n), Kappa: sum.Kappa / float64(n)}, nil
}

// Peek computes what CurrentValue would be after AddSample(bids, asks),
// WITHOUT mutating internal state. A degenerate sample peeks the current value.
func (ti *TradingIntensity) Peek(bids, asks []model.OrderBookRow) (FittedPair, error) {
	pair, _, err := ti.peek(bids, asks)
	return pair, err
}

// peek also returns how many pairs the preview averages.
func (ti *TradingIntensity) peek(bids, asks []model.OrderBookRow) (FittedPair, int, error) {
	fit, err := FitSample(bids, asks, ti.depth, ti.policy)
	if err != nil {
		return FittedPair{}, 0, err
	}
	if !fit.Valid {
		pair, err := ti.CurrentValue()
		return pair, ti.window.Len(), err
	}

	var sum FittedPair
	n := ti.window.Len()
	skip := 0
	if ti.window.Full() {
		// the oldest pair would be evicted
		skip = 1
		n--
	}
	for i := skip; i < ti.window.Len(); i++ {
		p := ti.window.At(i)
		sum.Alpha += p.Alpha
		sum.Kappa += p.Kappa
	}
	sum.Alpha += fit.Pair.Alpha
	sum.Kappa += fit.Pair.Kappa
	n++
	return FittedPair{Alpha: sum.Alpha / float64(n), Kappa: sum.Kappa / float64(n)}, n, nil
}

// Ready reports whether CurrentValue will succeed.
func (ti *TradingIntensity) Ready() bool { return ti.window.Len() > 0 }

// Len returns the number of pairs in the window.
func (ti *TradingIntensity) Len() int { return ti.window.Len() }

// BufferLength returns the window capacity.
func (ti *TradingIntensity) BufferLength() int { return ti.window.Cap() }

// DepthMode returns the configured depth mode.
func (ti *TradingIntensity) DepthMode() DepthMode { return ti.depth }

// SidePolicy returns the configured side policy.
func (ti *TradingIntensity) SidePolicy() SidePolicy { return ti.policy }

// Pairs returns a copy of the window, oldest first.
func (ti *TradingIntensity) Pairs() []FittedPair { return ti.window.Slice() }

// Stats returns the sample counters.
func (ti *TradingIntensity) Stats() Stats { return ti.stats }

// Reset clears the window and counters for reuse.
func (ti *TradingIntensity) Reset() {
	ti.window.Reset()
	ti.stats = Stats{}
}
