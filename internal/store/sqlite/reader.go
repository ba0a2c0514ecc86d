package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"trading-intensity/internal/intensity"
	"trading-intensity/internal/model"
)

// Reader provides read-only access to SQLite for backfill, backtests,
// results history and snapshot restore.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	return &Reader{db: db}, nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1 // no limit
	}
	return limit
}

func scanBooks(rows *sql.Rows) ([]model.BookSnapshot, error) {
	defer rows.Close()

	var books []model.BookSnapshot
	for rows.Next() {
		var b model.BookSnapshot
		var tsMs int64
		var bids, asks string
		if err := rows.Scan(&b.Exchange, &b.Token, &tsMs, &b.UpdateID, &bids, &asks); err != nil {
			return nil, fmt.Errorf("sqlite scan order_books: %w", err)
		}
		if err := json.Unmarshal([]byte(bids), &b.Bids); err != nil {
			return nil, fmt.Errorf("decode bids: %w", err)
		}
		if err := json.Unmarshal([]byte(asks), &b.Asks); err != nil {
			return nil, fmt.Errorf("decode asks: %w", err)
		}
		b.TS = time.UnixMilli(tsMs).UTC()
		books = append(books, b)
	}
	return books, rows.Err()
}

// ReadBooks reads archived books for one instrument after afterTS (unix ms),
// ordered by timestamp ascending for correct replay order. limit <= 0 reads all.
func (r *Reader) ReadBooks(exchange, token string, afterTS int64, limit int) ([]model.BookSnapshot, error) {
	rows, err := r.db.Query(`
		SELECT exchange, token, ts, update_id, bids, asks
		FROM order_books
		WHERE exchange = ? AND token = ? AND ts > ?
		ORDER BY ts ASC, update_id ASC
		LIMIT ?
	`, exchange, token, afterTS, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite query order_books: %w", err)
	}
	return scanBooks(rows)
}

// ReadAllBooks reads archived books of every instrument after afterTS (unix ms).
func (r *Reader) ReadAllBooks(afterTS int64, limit int) ([]model.BookSnapshot, error) {
	rows, err := r.db.Query(`
		SELECT exchange, token, ts, update_id, bids, asks
		FROM order_books
		WHERE ts > ?
		ORDER BY ts ASC, update_id ASC
		LIMIT ?
	`, afterTS, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite query all order_books: %w", err)
	}
	return scanBooks(rows)
}

// ReadResults returns the newest stored results for an instrument, oldest first.
func (r *Reader) ReadResults(exchange, token string, limit int) ([]model.IntensityResult, error) {
	rows, err := r.db.Query(`
		SELECT exchange, token, ts, alpha, kappa, samples FROM (
			SELECT * FROM intensity_results
			WHERE exchange = ? AND token = ?
			ORDER BY ts DESC
			LIMIT ?
		) ORDER BY ts ASC
	`, exchange, token, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite query intensity_results: %w", err)
	}
	defer rows.Close()

	var out []model.IntensityResult
	for rows.Next() {
		var res model.IntensityResult
		var tsMs int64
		if err := rows.Scan(&res.Exchange, &res.Token, &tsMs, &res.Alpha, &res.Kappa, &res.Samples); err != nil {
			return nil, fmt.Errorf("sqlite scan intensity_results: %w", err)
		}
		res.TS = time.UnixMilli(tsMs).UTC()
		res.Ready = true
		out = append(out, res)
	}
	return out, rows.Err()
}

// ReadLatestSnapshotJSON loads the newest snapshot. Returns nil, nil if none.
func (r *Reader) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	return latestSnapshot(ctx, r.db)
}

// ReadLatestSnapshot loads and decodes the newest engine snapshot.
func (r *Reader) ReadLatestSnapshot(ctx context.Context) (*intensity.EngineSnapshot, error) {
	data, err := r.ReadLatestSnapshotJSON(ctx)
	if err != nil {
		return nil, err
	}
	return intensity.DecodeSnapshot(data)
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
