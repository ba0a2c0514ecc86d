package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"trading-intensity/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	keepSnapshots     = 10
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/intensity.db"
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// It archives raw books, keeps the results history and stores engine snapshots.
type Writer struct {
	db     *sql.DB
	logger *zap.Logger

	// OnCommit is called with the duration of every committed batch.
	OnCommit func(d time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

func open(path string) (*sql.DB, error) {
	return sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
}

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	logger = logger.With(zap.String("component", "sqlite"))
	logger.Info("opened database", zap.String("path", cfg.DBPath))
	return &Writer{db: db, logger: logger}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS order_books (
			exchange   TEXT    NOT NULL,
			token      TEXT    NOT NULL,
			ts         INTEGER NOT NULL,
			update_id  INTEGER NOT NULL,
			bids       TEXT    NOT NULL,
			asks       TEXT    NOT NULL,
			PRIMARY KEY (exchange, token, ts, update_id)
		);

		CREATE TABLE IF NOT EXISTS intensity_results (
			exchange   TEXT    NOT NULL,
			token      TEXT    NOT NULL,
			ts         INTEGER NOT NULL,
			alpha      REAL    NOT NULL,
			kappa      REAL    NOT NULL,
			samples    INTEGER NOT NULL,
			PRIMARY KEY (exchange, token, ts)
		);

		CREATE TABLE IF NOT EXISTS intensity_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);
	`)
	return err
}

// runBatched drains ch and hands items to insert in batches.
// Flushes every defaultBatchSize items OR every defaultFlushDelay, whichever first.
func runBatched[T any](ctx context.Context, w *Writer, what string, ch <-chan T, insert func([]T) error) {
	batch := make([]T, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := insert(batch); err != nil {
			w.logger.Warn("batch insert error", zap.String("table", what), zap.Int("rows", len(batch)), zap.Error(err))
		} else {
			d := time.Since(start)
			w.logger.Debug("batch committed", zap.String("table", what), zap.Int("rows", len(batch)), zap.Duration("took", d))
			if w.OnCommit != nil {
				w.OnCommit(d)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case item, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, item)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// RunBooks archives books from bookCh in batched transactions.
// Blocks until ctx is cancelled or bookCh is closed.
func (w *Writer) RunBooks(ctx context.Context, bookCh <-chan model.BookSnapshot) {
	runBatched(ctx, w, "order_books", bookCh, w.InsertBooks)
}

// RunResults stores confirmed results from resCh in batched transactions.
// The final flush after ctx is cancelled still commits.
func (w *Writer) RunResults(ctx context.Context, resCh <-chan model.IntensityResult) {
	runBatched(ctx, w, "intensity_results", resCh, func(batch []model.IntensityResult) error {
		return w.WriteResultBatch(context.Background(), batch)
	})
}

// InsertBooks inserts a batch of books in a single transaction.
func (w *Writer) InsertBooks(books []model.BookSnapshot) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO order_books (exchange, token, ts, update_id, bids, asks)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range books {
		bids, err := json.Marshal(b.Bids)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshal bids: %w", err)
		}
		asks, err := json.Marshal(b.Asks)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshal asks: %w", err)
		}
		if _, err := stmt.Exec(b.Exchange, b.Token, b.TS.UnixMilli(), b.UpdateID, string(bids), string(asks)); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// WriteResultBatch stores confirmed results in a single transaction.
// Live previews and not-ready results are skipped.
func (w *Writer) WriteResultBatch(ctx context.Context, results []model.IntensityResult) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO intensity_results (exchange, token, ts, alpha, kappa, samples)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		if r.Live || !r.Ready {
			continue
		}
		if _, err := stmt.ExecContext(ctx, r.Exchange, r.Token, r.TS.UnixMilli(), r.Alpha, r.Kappa, r.Samples); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// GetLastBookTimestamp returns the newest archived book timestamp (unix ms)
// for an instrument, or 0 if none exist.
func (w *Writer) GetLastBookTimestamp(exchange, token string) (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(ts) FROM order_books WHERE exchange = ? AND token = ?`,
		exchange, token,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// SaveSnapshotJSON stores an engine snapshot, keeping the newest ten.
func (w *Writer) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	if _, err := w.db.ExecContext(ctx, `INSERT INTO intensity_snapshots (data) VALUES (?)`, string(data)); err != nil {
		return fmt.Errorf("sqlite insert snapshot: %w", err)
	}

	_, err := w.db.ExecContext(ctx,
		`DELETE FROM intensity_snapshots WHERE id NOT IN (SELECT id FROM intensity_snapshots ORDER BY id DESC LIMIT ?)`,
		keepSnapshots)
	if err != nil {
		w.logger.Warn("prune snapshots", zap.Error(err))
	}
	return nil
}

// ReadLatestSnapshotJSON loads the newest snapshot. Returns nil, nil if none.
func (w *Writer) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	return latestSnapshot(ctx, w.db)
}

func latestSnapshot(ctx context.Context, db *sql.DB) ([]byte, error) {
	var data string
	err := db.QueryRowContext(ctx, `SELECT data FROM intensity_snapshots ORDER BY id DESC LIMIT 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite read snapshot: %w", err)
	}
	return []byte(data), nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
