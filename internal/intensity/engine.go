package intensity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"trading-intensity/internal/model"
)

// Config specifies how every per-instrument indicator is built.
type Config struct {
	BufferLength int        `json:"buffer_length"`
	Depth        DepthMode  `json:"depth"`
	Policy       SidePolicy `json:"policy"`
}

// ValidateConfig checks a Config for errors.
func ValidateConfig(cfg Config) error {
	if cfg.BufferLength <= 0 {
		return fmt.Errorf("%w: buffer length %d must be positive", ErrInvalidConfig, cfg.BufferLength)
	}
	if _, err := ParseDepthMode(string(cfg.Depth)); err != nil {
		return err
	}
	if _, err := ParseSidePolicy(string(cfg.Policy)); err != nil {
		return err
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Depth == "" {
		cfg.Depth = DepthLevel
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyHealthySide
	}
	return cfg
}

// sameFit reports whether pairs fitted under cfg and other are comparable:
// same depth mode and side policy, whatever the buffer lengths.
func (cfg Config) sameFit(other Config) bool {
	a, b := cfg.withDefaults(), other.withDefaults()
	return a.Depth == b.Depth && a.Policy == b.Policy
}

func (cfg Config) newIndicator() (*TradingIntensity, error) {
	opts := []Option{}
	if cfg.Depth != "" {
		opts = append(opts, WithDepthMode(cfg.Depth))
	}
	if cfg.Policy != "" {
		opts = append(opts, WithSidePolicy(cfg.Policy))
	}
	return New(cfg.BufferLength, opts...)
}

// instrumentState holds the live indicator for one instrument.
type instrumentState struct {
	ind    *TradingIntensity
	lastTS time.Time
}

// Engine runs one TradingIntensity per instrument ("exchange:token").
// Designed for single-goroutine usage; no locks needed.
type Engine struct {
	cfg    Config
	state  map[string]*instrumentState
	logger *zap.Logger
}

// NewEngine creates an engine with the given indicator config.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		state:  make(map[string]*instrumentState, 64),
		logger: logger.With(zap.String("component", "intensity-engine")),
	}, nil
}

// Config returns the active indicator config.
func (e *Engine) Config() Config { return e.cfg }

// Process adds a book to its instrument's indicator and returns the current
// estimate. The result has Ready=false until the instrument's first accepted
// sample. ErrInsufficientDepth is returned wrapped with the instrument key.
func (e *Engine) Process(book model.BookSnapshot) (model.IntensityResult, error) {
	key := book.Key()
	st, exists := e.state[key]
	if !exists {
		// First book for this instrument: create its indicator
		ind, err := e.cfg.newIndicator()
		if err != nil {
			return model.IntensityResult{}, err
		}
		st = &instrumentState{ind: ind}
		e.state[key] = st
	}

	if err := st.ind.AddSample(book.Bids, book.Asks); err != nil {
		return e.result(book, st), fmt.Errorf("%s: %w", key, err)
	}
	st.lastTS = book.TS
	return e.result(book, st), nil
}

// ProcessPeek computes a live preview for a book using Peek().
// Does NOT mutate indicator state. Returns false if the instrument hasn't
// been seen yet or the book is too shallow.
func (e *Engine) ProcessPeek(book model.BookSnapshot) (model.IntensityResult, bool) {
	st, exists := e.state[book.Key()]
	if !exists {
		return model.IntensityResult{}, false
	}
	pair, n, err := st.ind.peek(book.Bids, book.Asks)
	if err != nil {
		return model.IntensityResult{}, false
	}
	return model.IntensityResult{
		Token:    book.Token,
		Exchange: book.Exchange,
		TS:       book.TS,
		Alpha:    pair.Alpha,
		Kappa:    pair.Kappa,
		Samples:  n,
		Ready:    true,
		Live:     true,
	}, true
}

// Value returns the current estimate for an instrument key.
func (e *Engine) Value(key string) (model.IntensityResult, bool) {
	st, exists := e.state[key]
	if !exists {
		return model.IntensityResult{}, false
	}
	exchange, token := model.SplitKey(key)
	return e.result(model.BookSnapshot{Token: token, Exchange: exchange, TS: st.lastTS}, st), true
}

// Stats returns the sample counters for an instrument key.
func (e *Engine) Stats(key string) (Stats, bool) {
	st, exists := e.state[key]
	if !exists {
		return Stats{}, false
	}
	return st.ind.Stats(), true
}

// Keys returns the tracked instrument keys in sorted order.
func (e *Engine) Keys() []string {
	keys := make([]string, 0, len(e.state))
	for k := range e.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Run consumes books and emits results. Blocks until ctx done or in closed.
func (e *Engine) Run(ctx context.Context, in <-chan model.BookSnapshot, out chan<- model.IntensityResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case book, ok := <-in:
			if !ok {
				return
			}
			res, err := e.Process(book)
			if err != nil {
				e.logger.Debug("book rejected", zap.String("key", book.Key()), zap.Error(err))
				continue
			}
			select {
			case out <- res:
			default:
				// drop if channel full
			}
		}
	}
}

func (e *Engine) result(book model.BookSnapshot, st *instrumentState) model.IntensityResult {
	res := model.IntensityResult{
		Token:    book.Token,
		Exchange: book.Exchange,
		TS:       book.TS,
		Samples:  st.ind.Len(),
	}
	if pair, err := st.ind.CurrentValue(); err == nil {
		res.Alpha = pair.Alpha
		res.Kappa = pair.Kappa
		res.Ready = true
	}
	return res
}
