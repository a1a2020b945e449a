// Package materialize moves computed feature rows from the offline store
// into the online store, tracking progress per view with a watermark
// checkpoint. Runs are idempotent: online writes are latest-wins and the
// watermark only advances after every write is confirmed.
package materialize

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	kerrors "github.com/kestrel-ml/kestrel/internal/errors"
	"github.com/kestrel-ml/kestrel/pkg/types"
)

// WatermarkStore persists materialization checkpoints per view.
type WatermarkStore interface {
	// Load returns the watermark for a view, or nil when the view has
	// never been materialized.
	Load(ctx context.Context, viewName string) (*types.Watermark, error)

	// Advance moves the watermark from the observed value to a new one.
	// The move is compare-and-swap: it fails with WATERMARK_CONFLICT when
	// the stored value no longer matches from, which means a concurrent
	// run won the race.
	Advance(ctx context.Context, viewName string, from, to int64) error

	// Close closes the store.
	Close() error
}

// SQLiteWatermarkStore implements WatermarkStore on a SQLite file.
type SQLiteWatermarkStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewWatermarkStore opens (or creates) the watermark database at dbPath.
func NewWatermarkStore(dbPath string) (*SQLiteWatermarkStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStoreUnavailable, "materialize: failed to open watermark store", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS watermarks (
			view_name TEXT PRIMARY KEY,
			last_materialized_time INTEGER NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, kerrors.NewStorageError(kerrors.CodeStoreUnavailable, "materialize: failed to initialize watermark schema", err)
	}

	return &SQLiteWatermarkStore{db: db}, nil
}

// Load returns the view's watermark, or nil when absent.
func (s *SQLiteWatermarkStore) Load(ctx context.Context, viewName string) (*types.Watermark, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_materialized_time FROM watermarks WHERE view_name = ?", viewName,
	).Scan(&last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeScanFailed, "materialize: failed to load watermark", err)
	}
	return &types.Watermark{ViewName: viewName, LastMaterializedTime: last}, nil
}

// Advance performs the compare-and-swap watermark move.
func (s *SQLiteWatermarkStore) Advance(ctx context.Context, viewName string, from, to int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from == 0 {
		// First checkpoint for the view. INSERT fails if a concurrent
		// run already created one.
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO watermarks (view_name, last_materialized_time) VALUES (?, ?)",
			viewName, to)
		if err != nil {
			return kerrors.NewMaterializationError(kerrors.CodeWatermarkConflict,
				"materialize: watermark created by concurrent run", err)
		}
		return nil
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE watermarks SET last_materialized_time = ? WHERE view_name = ? AND last_materialized_time = ?",
		to, viewName, from)
	if err != nil {
		return kerrors.NewStorageError(kerrors.CodeWriteFailed, "materialize: failed to advance watermark", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return kerrors.NewStorageError(kerrors.CodeWriteFailed, "materialize: failed to confirm watermark advance", err)
	}
	if affected == 0 {
		return kerrors.NewMaterializationError(kerrors.CodeWatermarkConflict,
			"materialize: watermark moved by concurrent run", nil)
	}
	return nil
}

// Close closes the watermark database.
func (s *SQLiteWatermarkStore) Close() error {
	return s.db.Close()
}
