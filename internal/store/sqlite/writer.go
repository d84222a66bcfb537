// Package sqlite journals finalized one-minute candles built from the
// stream so a session can be replayed offline.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chartfeed/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	defaultQueueSize  = 1024
)

// WriterConfig configures the SQLite journal writer.
type WriterConfig struct {
	DBPath    string // path to SQLite database file, e.g. "data/candles.db"
	QueueSize int
}

type entry struct {
	symbol string
	candle model.Candle
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// Append may be called from any goroutine; Run owns the database.
type Writer struct {
	db    *sql.DB
	queue chan entry
	log   *slog.Logger

	// Metrics hooks (optional, set externally)
	OnDrop   func()
	OnCommit func(n int, d time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg WriterConfig, log *slog.Logger) (*Writer, error) {
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

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "sqlite")
	log.Info("journal opened", "path", cfg.DBPath)
	return &Writer{db: db, queue: make(chan entry, cfg.QueueSize), log: log}, nil
}

func open(path string) (*sql.DB, error) {
	return sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles_1m (
			symbol  TEXT    NOT NULL,
			ts      INTEGER NOT NULL,
			open    REAL    NOT NULL,
			high    REAL    NOT NULL,
			low     REAL    NOT NULL,
			close   REAL    NOT NULL,
			volume  INTEGER NOT NULL,
			PRIMARY KEY (symbol, ts)
		);
	`)
	return err
}

// Append queues a finalized candle. It never blocks; when the queue is
// full the candle is dropped.
func (w *Writer) Append(symbol string, c model.Candle) {
	select {
	case w.queue <- entry{symbol: symbol, candle: c}:
	default:
		w.log.Warn("journal queue full, dropping candle", "symbol", symbol, "time", c.Time)
		if w.OnDrop != nil {
			w.OnDrop()
		}
	}
}

// Run drains the queue in batched transactions. It flushes every
// defaultBatchSize candles or every defaultFlushDelay, whichever comes
// first, and flushes once more when ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	batch := make([]entry, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertBatch(batch); err != nil {
			w.log.Error("batch insert failed", "count", len(batch), "error", err)
		} else {
			w.log.Debug("committed candles", "count", len(batch), "took", time.Since(start))
			if w.OnCommit != nil {
				w.OnCommit(len(batch), time.Since(start))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-w.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}

		case e := <-w.queue:
			batch = append(batch, e)
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

// insertBatch inserts a batch of candles in a single transaction.
func (w *Writer) insertBatch(batch []entry) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles_1m (symbol, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		c := e.candle
		if _, err := stmt.Exec(e.symbol, c.Time, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// GetLastTimestamp returns the newest journaled bucket for symbol, or 0.
func (w *Writer) GetLastTimestamp(symbol string) (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(`SELECT MAX(ts) FROM candles_1m WHERE symbol = ?`, symbol).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// Ping checks the database connection.
func (w *Writer) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

// Close closes the database. Call it after Run has returned.
func (w *Writer) Close() error {
	return w.db.Close()
}
