package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"trading-intensity/internal/model"
)

const snapshotTTL = 24 * time.Hour

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string // consumer group name, e.g. "intensity_group"
	ConsumerName  string // unique consumer name
	SnapshotKey   string // key holding the engine snapshot
}

// Reader consumes book snapshots from Redis Streams via consumer groups
// and manages engine snapshots.
type Reader struct {
	client        *goredis.Client
	consumerGroup string
	consumerName  string
	snapshotKey   string
	logger        *zap.Logger
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig, logger *zap.Logger) (*Reader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	group := cfg.ConsumerGroup
	if group == "" {
		group = "intensity_group"
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = "worker-1"
	}
	snapKey := cfg.SnapshotKey
	if snapKey == "" {
		snapKey = "intensity:snapshot"
	}

	logger = logger.With(zap.String("component", "redis-reader"))
	logger.Info("connected",
		zap.String("addr", cfg.Addr),
		zap.String("group", group),
		zap.String("consumer", consumer))
	return &Reader{
		client:        client,
		consumerGroup: group,
		consumerName:  consumer,
		snapshotKey:   snapKey,
		logger:        logger,
	}, nil
}

// Client returns the underlying Redis client for health checks.
func (r *Reader) Client() *goredis.Client { return r.client }

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// EnsureConsumerGroup creates a consumer group on the given streams if it doesn't exist.
// Uses "$" as start ID (only new messages) for fresh groups.
func (r *Reader) EnsureConsumerGroup(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		err := r.client.XGroupCreateMkStream(ctx, stream, r.consumerGroup, "$").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

// decodeBook parses a stream message body of the form {"data": <json book>}.
func decodeBook(values map[string]interface{}) (model.BookSnapshot, error) {
	var book model.BookSnapshot
	data, ok := values["data"].(string)
	if !ok {
		return book, errors.New("missing data field")
	}
	if err := json.Unmarshal([]byte(data), &book); err != nil {
		return book, fmt.Errorf("unmarshal book: %w", err)
	}
	if book.Token == "" {
		return book, errors.New("book without token")
	}
	return book, nil
}

// deliver decodes msg, sends it to out and ACKs it. Undecodable messages are
// ACKed too so a poison pill never blocks the group.
func (r *Reader) deliver(ctx context.Context, stream, group string, msg goredis.XMessage, out chan<- model.BookSnapshot) (bool, error) {
	book, err := decodeBook(msg.Values)
	if err != nil {
		r.logger.Warn("dropping malformed book",
			zap.String("stream", stream),
			zap.String("id", msg.ID),
			zap.Error(err))
		r.client.XAck(ctx, stream, group, msg.ID)
		return false, nil
	}

	select {
	case out <- book:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	r.client.XAck(ctx, stream, group, msg.ID)
	return true, nil
}

// ConsumeBooks reads book snapshots from Redis Streams using consumer groups.
// Blocks on XREADGROUP and sends parsed books to the output channel.
// Returns when ctx is cancelled.
func (r *Reader) ConsumeBooks(ctx context.Context, streams []string, out chan<- model.BookSnapshot) error {
	// Build stream args: [stream1, stream2, ..., ">", ">", ...]
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.consumerGroup,
			Consumer: r.consumerName,
			Streams:  args,
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			r.logger.Warn("xreadgroup error", zap.Error(err))
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				if _, err := r.deliver(ctx, stream.Stream, r.consumerGroup, msg, out); err != nil {
					return err
				}
			}
		}
	}
}

// RecoverPending processes any pending (unACKed) messages from a previous crash.
// This ensures at-least-once delivery semantics.
func (r *Reader) RecoverPending(ctx context.Context, streams []string, out chan<- model.BookSnapshot) error {
	for _, stream := range streams {
		for {
			pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
				Stream: stream,
				Group:  r.consumerGroup,
				Start:  "-",
				End:    "+",
				Count:  100,
			}).Result()
			if err != nil || len(pending) == 0 {
				break
			}

			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}

			claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
				Stream:   stream,
				Group:    r.consumerGroup,
				Consumer: r.consumerName,
				MinIdle:  0,
				Messages: ids,
			}).Result()
			if err != nil {
				r.logger.Warn("xclaim error", zap.String("stream", stream), zap.Error(err))
				break
			}

			for _, msg := range claimed {
				if _, err := r.deliver(ctx, stream, r.consumerGroup, msg, out); err != nil {
					return err
				}
			}

			if len(claimed) < len(ids) {
				break
			}
		}
	}
	return nil
}

// ReclaimStaleMessages finds PEL entries idle longer than minIdle across all
// consumers in the group and XCLAIMs them for this consumer.
func (r *Reader) ReclaimStaleMessages(ctx context.Context, stream string, minIdle time.Duration, batchSize int64) ([]goredis.XMessage, error) {
	// Pending entries across ALL consumers, not just ours
	pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  r.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  batchSize,
		Idle:   minIdle,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, err
	}

	var staleIDs []string
	for _, p := range pending {
		if p.Consumer != r.consumerName {
			staleIDs = append(staleIDs, p.ID)
		}
	}
	if len(staleIDs) == 0 {
		return nil, nil
	}

	claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    r.consumerGroup,
		Consumer: r.consumerName,
		MinIdle:  minIdle,
		Messages: staleIDs,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}

	r.logger.Info("reclaimed stale PEL entries", zap.String("stream", stream), zap.Int("count", len(claimed)))
	return claimed, nil
}

// StartPELReclaimer periodically reclaims stale PEL entries on every stream and
// feeds them to out for reprocessing. Runs until ctx is cancelled.
func (r *Reader) StartPELReclaimer(ctx context.Context, streams []string, interval, minIdle time.Duration, out chan<- model.BookSnapshot, onReclaim func(count int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := 0
			for _, stream := range streams {
				claimed, err := r.ReclaimStaleMessages(ctx, stream, minIdle, 50)
				if err != nil {
					r.logger.Warn("PEL reclaim error", zap.String("stream", stream), zap.Error(err))
					continue
				}
				for _, msg := range claimed {
					ok, err := r.deliver(ctx, stream, r.consumerGroup, msg, out)
					if err != nil {
						return
					}
					if ok {
						total++
					}
				}
			}
			if total > 0 && onReclaim != nil {
				onReclaim(total)
			}
		}
	}
}

// ReadLatestSnapshotJSON loads the engine snapshot. Returns nil, nil if absent.
func (r *Reader) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.snapshotKey).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get snapshot %s: %w", r.snapshotKey, err)
	}
	return data, nil
}

// SaveSnapshotJSON stores a snapshot with a 24h TTL; SQLite keeps the
// durable copies.
func (r *Reader) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	return r.client.Set(ctx, r.snapshotKey, data, snapshotTTL).Err()
}

// LastStreamID returns the ID of the newest entry in a stream, or "0-0".
func (r *Reader) LastStreamID(ctx context.Context, stream string) (string, error) {
	msgs, err := r.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

// ReplayFromID reads all messages of a stream after startID and sends the
// decoded books to out. Returns the last ID read.
func (r *Reader) ReplayFromID(ctx context.Context, stream, startID string, out chan<- model.BookSnapshot) (string, error) {
	const pageSize = 1000
	lastID := startID
	for {
		results, err := r.client.XRangeN(ctx, stream, "("+lastID, "+", pageSize).Result()
		if err != nil {
			return lastID, fmt.Errorf("xrange %s from %s: %w", stream, lastID, err)
		}
		if len(results) == 0 {
			break
		}

		for _, msg := range results {
			lastID = msg.ID
			book, err := decodeBook(msg.Values)
			if err != nil {
				continue
			}
			select {
			case out <- book:
			case <-ctx.Done():
				return lastID, ctx.Err()
			}
		}

		if len(results) < pageSize {
			break
		}
	}
	return lastID, nil
}

// SubscribeChannel subscribes to a Redis Pub/Sub channel.
// Returns the PubSub handle so the caller can listen on .Channel().
func (r *Reader) SubscribeChannel(ctx context.Context, channel string) *goredis.PubSub {
	pubsub := r.client.Subscribe(ctx, channel)
	// Wait for confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		r.logger.Warn("subscribe failed", zap.String("channel", channel), zap.Error(err))
		pubsub.Close()
		return nil
	}
	return pubsub
}

// Publish publishes a message to a Redis Pub/Sub channel.
func (r *Reader) Publish(ctx context.Context, channel, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
