package intensityd

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"trading-intensity/internal/intensity"
)

// ReloadRequest is a partial indicator config update. Omitted fields keep
// their current value.
type ReloadRequest struct {
	BufferLength *int    `json:"buffer_length,omitempty"`
	Depth        *string `json:"depth,omitempty"`
	Policy       *string `json:"policy,omitempty"`
}

// ReloadResult reports how a reload was applied.
type ReloadResult struct {
	Config    intensity.Config `json:"config"`
	Preserved int              `json:"preserved"`
	Rebuilt   int              `json:"rebuilt"`
}

// ParseReloadRequest decodes a reload payload such as
// {"buffer_length":300,"depth":"cumulative"}.
func ParseReloadRequest(data []byte) (ReloadRequest, error) {
	var req ReloadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("%w: %v", intensity.ErrInvalidConfig, err)
	}
	return req, nil
}

// Merge applies the request on top of cur.
func (req ReloadRequest) Merge(cur intensity.Config) (intensity.Config, error) {
	next := cur
	if req.BufferLength != nil {
		next.BufferLength = *req.BufferLength
	}
	if req.Depth != nil {
		m, err := intensity.ParseDepthMode(*req.Depth)
		if err != nil {
			return cur, err
		}
		next.Depth = m
	}
	if req.Policy != nil {
		p, err := intensity.ParseSidePolicy(*req.Policy)
		if err != nil {
			return cur, err
		}
		next.Policy = p
	}
	if err := intensity.ValidateConfig(next); err != nil {
		return cur, err
	}
	return next, nil
}

// applyReload merges req into the running indicator config and reloads the
// engine. Invalid requests leave the engine untouched.
func (svc *Service) applyReload(req ReloadRequest) (ReloadResult, error) {
	svc.engineMu.Lock()
	defer svc.engineMu.Unlock()

	next, err := req.Merge(svc.engine.Config())
	if err != nil {
		return ReloadResult{}, err
	}
	preserved, rebuilt, err := svc.engine.Reload(next)
	if err != nil {
		return ReloadResult{}, err
	}
	svc.cfg.Indicator = next
	svc.prom.ConfigReloads.Inc()
	return ReloadResult{Config: next, Preserved: preserved, Rebuilt: rebuilt}, nil
}

// configSubscriber listens on Redis Pub/Sub for indicator config updates.
func (svc *Service) configSubscriber(ctx context.Context) {
	if svc.redisReader == nil {
		return
	}
	pubsub := svc.redisReader.SubscribeChannel(ctx, svc.cfg.ConfigChannel)
	if pubsub == nil {
		svc.logger.Warn("config reload subscription unavailable", zap.String("channel", svc.cfg.ConfigChannel))
		return
	}
	defer pubsub.Close()
	svc.logger.Info("subscribed for dynamic reload", zap.String("channel", svc.cfg.ConfigChannel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			svc.handleReloadPayload([]byte(msg.Payload))
		}
	}
}

func (svc *Service) handleReloadPayload(payload []byte) {
	req, err := ParseReloadRequest(payload)
	if err != nil {
		svc.logger.Warn("invalid reload payload", zap.ByteString("payload", payload), zap.Error(err))
		return
	}
	res, err := svc.applyReload(req)
	if err != nil {
		svc.logger.Warn("reload rejected", zap.Error(err))
		return
	}
	svc.logger.Info("reloaded",
		zap.Int("buffer_length", res.Config.BufferLength),
		zap.Int("preserved", res.Preserved),
		zap.Int("rebuilt", res.Rebuilt))
}
