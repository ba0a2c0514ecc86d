package intensity

import (
	"fmt"
	"math"

	"trading-intensity/internal/model"
)

// minLevels is the smallest side that leaves a regression one degree of freedom.
const minLevels = 2

// DepthMode selects the per-level quantity that is log-linearized against
// distance from mid.
type DepthMode string

const (
	// DepthLevel fits the amount resting at each level (order density).
	DepthLevel DepthMode = "level"
	// DepthCumulative fits the amount from the best level out to each level.
	DepthCumulative DepthMode = "cumulative"
	// DepthTail fits the amount resting at or beyond each level.
	DepthTail DepthMode = "tail"
)

// ParseDepthMode parses a depth mode name. Empty means DepthLevel.
func ParseDepthMode(s string) (DepthMode, error) {
	switch DepthMode(s) {
	case "":
		return DepthLevel, nil
	case DepthLevel, DepthCumulative, DepthTail:
		return DepthMode(s), nil
	}
	return "", fmt.Errorf("%w: unknown depth mode %q", ErrInvalidConfig, s)
}

// SidePolicy decides what happens when only one book side yields a fit.
type SidePolicy string

const (
	// PolicyHealthySide lets a single healthy side stand in for the pair.
	PolicyHealthySide SidePolicy = "healthy_side"
	// PolicyDropSample drops the sample unless both sides fit.
	PolicyDropSample SidePolicy = "drop_sample"
)

// ParseSidePolicy parses a side policy name. Empty means PolicyHealthySide.
func ParseSidePolicy(s string) (SidePolicy, error) {
	switch SidePolicy(s) {
	case "":
		return PolicyHealthySide, nil
	case PolicyHealthySide, PolicyDropSample:
		return SidePolicy(s), nil
	}
	return "", fmt.Errorf("%w: unknown side policy %q", ErrInvalidConfig, s)
}

// FittedPair holds the intensity model parameters estimated from one sample,
// or the smoothed estimate over a window of samples.
type FittedPair struct {
	Alpha float64 `json:"alpha"`
	Kappa float64 `json:"kappa"`
}

func (p FittedPair) finite() bool {
	return isFinite(p.Alpha) && isFinite(p.Kappa)
}

// SampleFit is the outcome of fitting one two-sided book.
type SampleFit struct {
	Pair  FittedPair
	Bid   bool // bid side produced a fit
	Ask   bool // ask side produced a fit
	Valid bool // Pair should be pushed into the buffer
}

// FitSide regresses log depth on distance from mid for one book side:
//
//	log(depth_i) = log(alpha) - kappa * |price_i - mid|
//
// It returns false when the side cannot be fitted: fewer than two levels,
// identical distances, a non-positive amount, any non-finite input, or an
// inverted profile where depth grows with distance (kappa < 0).
func FitSide(rows []model.OrderBookRow, mid float64, mode DepthMode) (FittedPair, bool) {
	n := len(rows)
	if n < minLevels || !isFinite(mid) {
		return FittedPair{}, false
	}

	xs := make([]float64, n)
	ys := make([]float64, n)
	minX, maxX := math.Inf(1), math.Inf(-1)
	for i, r := range rows {
		if !isFinite(r.Price) || !isFinite(r.Amount) || r.Amount <= 0 {
			return FittedPair{}, false
		}
		x := math.Abs(r.Price - mid)
		xs[i] = x
		ys[i] = r.Amount
		minX = math.Min(minX, x)
		maxX = math.Max(maxX, x)
	}
	if minX == maxX {
		return FittedPair{}, false
	}

	switch mode {
	case DepthCumulative:
		for i := 1; i < n; i++ {
			ys[i] += ys[i-1]
		}
	case DepthTail:
		for i := n - 2; i >= 0; i-- {
			ys[i] += ys[i+1]
		}
	}

	var meanX, meanY float64
	for i := range ys {
		ys[i] = math.Log(ys[i])
		meanX += xs[i]
		meanY += ys[i]
	}
	meanX /= float64(n)
	meanY /= float64(n)

	// Second pass on centred values keeps the sums well conditioned when
	// distances sit far from zero.
	var sxx, sxy float64
	for i := range xs {
		dx := xs[i] - meanX
		sxx += dx * dx
		sxy += dx * (ys[i] - meanY)
	}
	if sxx == 0 {
		return FittedPair{}, false
	}

	slope := sxy / sxx
	if slope > 0 {
		return FittedPair{}, false
	}

	pair := FittedPair{Alpha: math.Exp(meanY - slope*meanX), Kappa: -slope}
	if !pair.finite() {
		return FittedPair{}, false
	}
	return pair, true
}

// FitSample fits both sides of a book against the shared mid-price and
// combines them by arithmetic mean. It returns ErrInsufficientDepth when
// either side has fewer than two levels; numerical degeneracy is reported
// through SampleFit.Valid and never as an error.
func FitSample(bids, asks []model.OrderBookRow, mode DepthMode, policy SidePolicy) (SampleFit, error) {
	if len(bids) < minLevels || len(asks) < minLevels {
		return SampleFit{}, fmt.Errorf("%w: bids=%d asks=%d, need at least %d per side",
			ErrInsufficientDepth, len(bids), len(asks), minLevels)
	}

	mid := (bids[0].Price + asks[0].Price) / 2
	bid, bidOK := FitSide(bids, mid, mode)
	ask, askOK := FitSide(asks, mid, mode)

	fit := SampleFit{Bid: bidOK, Ask: askOK}
	switch {
	case bidOK && askOK:
		fit.Pair = FittedPair{
			Alpha: (bid.Alpha + ask.Alpha) / 2,
			Kappa: (bid.Kappa + ask.Kappa) / 2,
		}
		fit.Valid = true
	case policy == PolicyDropSample:
		// one or both sides missing
	case bidOK:
		fit.Pair, fit.Valid = bid, true
	case askOK:
		fit.Pair, fit.Valid = ask, true
	}
	return fit, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
