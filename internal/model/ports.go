package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the engine service from concrete storage
// implementations (Redis, SQLite).

// BookArchive persists raw book snapshots for backfill and backtests.
type BookArchive interface {
	// RunBooks reads snapshots from bookCh and writes them in batches.
	// Blocks until ctx is cancelled or bookCh is closed.
	RunBooks(ctx context.Context, bookCh <-chan BookSnapshot)

	// Close releases underlying resources.
	Close() error
}

// BookReader reads archived book snapshots in timestamp order.
type BookReader interface {
	// ReadBooks reads snapshots for one instrument after afterTS (unix ms).
	ReadBooks(exchange, token string, afterTS int64, limit int) ([]BookSnapshot, error)

	// ReadAllBooks reads snapshots for every instrument after afterTS (unix ms).
	ReadAllBooks(afterTS int64, limit int) ([]BookSnapshot, error)
}

// ResultWriter publishes intensity results.
type ResultWriter interface {
	// WriteResultBatch writes multiple results in a single batch.
	WriteResultBatch(ctx context.Context, results []IntensityResult) error

	// Close releases underlying resources.
	Close() error
}

// SnapshotStore reads and writes engine snapshots as raw JSON.
// Using []byte avoids a model→intensity→model import cycle.
type SnapshotStore interface {
	// SaveSnapshotJSON persists a JSON-encoded engine snapshot.
	SaveSnapshotJSON(ctx context.Context, data []byte) error

	// ReadLatestSnapshotJSON loads the most recent snapshot as raw JSON.
	// Returns nil, nil if no snapshot exists.
	ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error)
}

// BookConsumer consumes book snapshots from a stream (e.g. Redis Streams).
type BookConsumer interface {
	// EnsureConsumerGroup creates consumer groups on streams.
	EnsureConsumerGroup(ctx context.Context, streams []string) error

	// ConsumeBooks reads snapshots via consumer groups. Blocks until ctx is cancelled.
	ConsumeBooks(ctx context.Context, streams []string, out chan<- BookSnapshot) error

	// RecoverPending processes any unACKed messages from a previous crash.
	RecoverPending(ctx context.Context, streams []string, out chan<- BookSnapshot) error

	// StartPELReclaimer runs periodic reclamation of stale PEL entries.
	StartPELReclaimer(ctx context.Context, streams []string, interval time.Duration,
		minIdle time.Duration, out chan<- BookSnapshot, onReclaim func(count int))

	// Close releases underlying resources.
	Close() error
}
