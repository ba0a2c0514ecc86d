package intensityd

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"trading-intensity/internal/intensity"
	"trading-intensity/internal/logger"
	"trading-intensity/internal/model"
)

// processLoop consumes books from the stream channel and updates the engine.
// It is the only goroutine that feeds the engine.
func (svc *Service) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case book, ok := <-svc.bookCh:
			if !ok {
				return
			}
			svc.handleBook(ctx, book)
		}
	}
}

// handleBook runs one book through the engine and fans the result out.
// Returns false if the book was rejected.
func (svc *Service) handleBook(ctx context.Context, book model.BookSnapshot) bool {
	svc.prom.BooksTotal.Inc()
	svc.health.SetLastBookTime(book.TS)

	select {
	case svc.archiveCh <- book:
	default:
	}

	key := book.Key()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(key, book.TS))
	svc.engineMu.Lock()
	before, _ := svc.engine.Stats(key)
	start := time.Now()
	res, err := svc.engine.Process(book)
	svc.prom.FitDur.Observe(time.Since(start).Seconds())
	after, _ := svc.engine.Stats(key)
	instruments := len(svc.engine.Keys())
	svc.engineMu.Unlock()

	svc.health.SetInstruments(instruments)
	if d := after.Degenerate - before.Degenerate; d > 0 {
		svc.prom.SamplesDegenerate.Add(float64(d))
	}
	if d := after.Partial - before.Partial; d > 0 {
		svc.prom.SamplesPartial.Add(float64(d))
	}

	if err != nil {
		svc.prom.BooksRejected.Inc()
		if errors.Is(err, intensity.ErrInsufficientDepth) {
			svc.logger.Debug("book rejected", append(logger.LogWithTrace(ctx), zap.Error(err))...)
		} else {
			svc.logger.Warn("book processing failed", append(logger.LogWithTrace(ctx), zap.Error(err))...)
		}
		return false
	}

	svc.prom.ObserveResult(res)
	if !res.Ready {
		return true
	}
	svc.storeLatest(res)
	svc.hub.Publish(res)

	select {
	case svc.resultCh <- res:
	default:
	}

	if svc.results != nil {
		start = time.Now()
		if err := svc.results.WriteResultBatch(ctx, []model.IntensityResult{res}); err != nil {
			svc.logger.Warn("result write failed", append(logger.LogWithTrace(ctx), zap.Error(err))...)
		}
		svc.prom.RedisWriteDur.Observe(time.Since(start).Seconds())
	}
	return true
}

// peek computes a live preview for a book without mutating the engine.
// The preview is pushed to WebSocket clients and Redis pub/sub subscribers.
func (svc *Service) peek(ctx context.Context, book model.BookSnapshot) (model.IntensityResult, bool) {
	svc.engineMu.Lock()
	res, ok := svc.engine.ProcessPeek(book)
	svc.engineMu.Unlock()
	if !ok {
		return res, false
	}

	svc.hub.Publish(res)
	if svc.results != nil {
		if err := svc.results.WriteResultBatch(ctx, []model.IntensityResult{res}); err != nil {
			svc.logger.Warn("preview publish failed", zap.String("key", book.Key()), zap.Error(err))
		}
	}
	return res, true
}

func (svc *Service) storeLatest(res model.IntensityResult) {
	if !res.Ready || res.Live {
		return
	}
	svc.latestMu.Lock()
	svc.latest[res.Key()] = res
	svc.latestMu.Unlock()
}

// latestResult returns the last confirmed result for an instrument key.
func (svc *Service) latestResult(key string) (model.IntensityResult, bool) {
	svc.latestMu.RLock()
	defer svc.latestMu.RUnlock()
	res, ok := svc.latest[key]
	return res, ok
}

// latestAll returns a copy of every confirmed result.
func (svc *Service) latestAll() map[string]model.IntensityResult {
	svc.latestMu.RLock()
	defer svc.latestMu.RUnlock()
	out := make(map[string]model.IntensityResult, len(svc.latest))
	for k, v := range svc.latest {
		out[k] = v
	}
	return out
}
