package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/lox/damforecast/internal/metrics"
)

type Store struct {
	db     *sql.DB
	clock  clockwork.Clock
	logger *slog.Logger

	// KeepVersions is how many model versions per dam survive a save.
	KeepVersions int
	// RetryElapsed bounds how long a busy database is retried.
	RetryElapsed time.Duration
}

func New(db *sql.DB, clock clockwork.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:           db,
		clock:        clock,
		logger:       logger,
		KeepVersions: 3,
		RetryElapsed: 5 * time.Second,
	}
}

// Open opens a SQLite database with the pragmas the store relies on.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// withRetry runs op, retrying with exponential backoff while SQLite reports
// the database as busy or locked.
func (s *Store) withRetry(ctx context.Context, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = s.RetryElapsed

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return backoff.Permanent(err)
		}
		metrics.StoreRetries.WithLabelValues(name).Inc()
		s.logger.Warn("database busy, retrying", "op", name, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(b, ctx))
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()
	out, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}

func hashOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
