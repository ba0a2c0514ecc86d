// Package synth generates synthetic two-sided order books around a noisy
// mid-price. The books have flat expected depth (per-level amounts drawn
// around the best level's amount), so a trading intensity fit over them
// should come out near alpha = Amount, kappa = 0.
//
// Prices are quantized to StepFraction of the nominal mid and every book
// spans the largest best-price excursion across the whole batch.
package synth

import (
	"math"
	"math/rand"
	"time"

	"trading-intensity/internal/model"
)

// Params describes a batch of synthetic books.
type Params struct {
	Token    string
	Exchange string

	Mid          float64 // nominal mid-price
	Spread       float64 // nominal best ask - best bid
	Amount       float64 // nominal amount per level
	Volatility   float64 // mid stdev as a fraction of Mid
	SpreadStdev  float64
	AmountStdev  float64
	StepFraction float64 // price step as a fraction of Mid; default 0.001
	Samples      int

	// Start and Interval stamp the books; defaults are the Unix epoch and 1s.
	Start    time.Time
	Interval time.Duration
}

func (p *Params) defaults() {
	if p.StepFraction == 0 {
		p.StepFraction = 0.001
	}
	if p.Interval == 0 {
		p.Interval = time.Second
	}
	if p.Start.IsZero() {
		p.Start = time.Unix(0, 0).UTC()
	}
}

// Generator draws books from a seeded pseudo-random source.
// Not safe for concurrent use.
type Generator struct {
	rng *rand.Rand
}

// New creates a deterministic generator.
func New(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// normal draws n samples from N(mean, stdev).
func (g *Generator) normal(mean, stdev float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = mean + stdev*g.rng.NormFloat64()
	}
	return out
}

// MakeOrderBooks generates p.Samples books. All best-price quotes are drawn
// first so the common book depth can be sized from their range.
func (g *Generator) MakeOrderBooks(p Params) []model.BookSnapshot {
	p.defaults()
	if p.Samples <= 0 {
		return nil
	}

	mids := g.normal(p.Mid, p.Volatility*p.Mid, p.Samples)
	spreads := g.normal(p.Spread, p.SpreadStdev, p.Samples)

	bidPrices := make([]float64, p.Samples)
	askPrices := make([]float64, p.Samples)
	for i := range mids {
		bidPrices[i] = mids[i] - spreads[i]/2
		askPrices[i] = mids[i] + spreads[i]/2
	}

	bidAmounts := g.normal(p.Amount, p.AmountStdev, p.Samples)
	askAmounts := g.normal(p.Amount, p.AmountStdev, p.Samples)

	depth := math.Max(span(bidPrices), span(askPrices))
	step := p.Mid * p.StepFraction

	books := make([]model.BookSnapshot, p.Samples)
	for i := range books {
		bids, asks := g.MakeOrderBook(bidPrices[i], bidAmounts[i], askPrices[i], askAmounts[i], depth, step, p.AmountStdev)
		books[i] = model.BookSnapshot{
			Token:    p.Token,
			Exchange: p.Exchange,
			TS:       p.Start.Add(time.Duration(i) * p.Interval),
			UpdateID: int64(i + 1),
			Bids:     bids,
			Asks:     asks,
		}
	}
	return books
}

// MakeOrderBook builds one book. Each side has ceil(depth/step) levels
// spaced linearly from the best price out to best ± depth; per-level amounts
// are drawn around the best level's amount, and the best level keeps it exactly.
func (g *Generator) MakeOrderBook(bidPrice, bidAmount, askPrice, askAmount, depth, step, amountStdev float64) (bids, asks []model.OrderBookRow) {
	levels := int(math.Ceil(depth / step))
	if levels < 2 {
		levels = 2
	}

	bidLevels := linspace(bidPrice, bidPrice-depth, levels)
	bidAmts := g.normal(bidAmount, amountStdev, levels)
	bidAmts[0] = bidAmount

	askLevels := linspace(askPrice, askPrice+depth, levels)
	askAmts := g.normal(askAmount, amountStdev, levels)
	askAmts[0] = askAmount

	bids = make([]model.OrderBookRow, levels)
	asks = make([]model.OrderBookRow, levels)
	for i := 0; i < levels; i++ {
		bids[i] = model.OrderBookRow{Price: bidLevels[i], Amount: bidAmts[i], UpdateID: 1}
		asks[i] = model.OrderBookRow{Price: askLevels[i], Amount: askAmts[i], UpdateID: 1}
	}
	return bids, asks
}

// linspace returns n evenly spaced values from start to stop inclusive.
func linspace(start, stop float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}

func span(xs []float64) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range xs {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return hi - lo
}
