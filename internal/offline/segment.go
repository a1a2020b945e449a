// Package offline provides the append-only columnar feature store. Feature
// rows are written as immutable SQLite segment files and tracked in a
// catalog that carries per-segment zone maps and entity bloom filters for
// scan pruning.
package offline

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kestrel-ml/kestrel/internal/bloom"
	kerrors "github.com/kestrel-ml/kestrel/internal/errors"
	"github.com/kestrel-ml/kestrel/pkg/types"
)

// SegmentInfo contains metadata about a sealed segment.
type SegmentInfo struct {
	SegmentID    string
	ViewName     string
	SQLitePath   string
	ObjectPath   string
	RowCount     int64
	SizeBytes    int64
	MinEntityID  int64
	MaxEntityID  int64
	MinEventTime int64
	MaxEventTime int64
	CreatedAt    time.Time
}

// Builder writes feature rows into immutable SQLite segment files.
type Builder struct {
	outputDir string
	bloomFPR  float64
}

// NewBuilder creates a segment builder writing into outputDir.
func NewBuilder(outputDir string, bloomFPR float64) *Builder {
	if bloomFPR <= 0 || bloomFPR >= 1 {
		bloomFPR = 0.01
	}
	return &Builder{outputDir: outputDir, bloomFPR: bloomFPR}
}

// Build seals the given rows into a new segment file and returns its
// metadata together with the entity bloom filter built over the rows.
// Rows must all belong to the named view. An empty batch is an error.
func (b *Builder) Build(ctx context.Context, viewName string, rows []types.FeatureRow) (*SegmentInfo, *bloom.EntityFilter, error) {
	if viewName == "" {
		return nil, nil, kerrors.NewValidationError(kerrors.CodeUnknownView, "offline: view name cannot be empty")
	}
	if len(rows) == 0 {
		return nil, nil, kerrors.NewValidationError(kerrors.CodeEmptyBatch, "offline: cannot build segment from empty batch")
	}

	segmentID := fmt.Sprintf("%s:%s", viewName, uuid.New().String()[:8])
	createdAt := time.Now()

	if err := os.MkdirAll(b.outputDir, 0755); err != nil {
		return nil, nil, kerrors.NewStorageError(kerrors.CodeWriteFailed, "offline: failed to create segment directory", err)
	}

	sqlitePath := filepath.Clean(filepath.Join(b.outputDir, fmt.Sprintf("%s.sqlite", segmentID)))

	db, err := sql.Open("sqlite3", sqlitePath)
	if err != nil {
		return nil, nil, kerrors.NewStorageError(kerrors.CodeWriteFailed, "offline: failed to create segment database", err)
	}
	defer db.Close()

	// WAL while building, switched back to DELETE before sealing so the
	// segment is a single self-contained file.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return nil, nil, kerrors.NewStorageError(kerrors.CodeWriteFailed, "offline: failed to set journal mode", err)
	}

	createTableSQL := `
		CREATE TABLE feature_rows (
			entity_id INTEGER NOT NULL,
			event_time INTEGER NOT NULL,
			features BLOB NOT NULL
		)
	`
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, nil, kerrors.NewStorageError(kerrors.CodeWriteFailed, "offline: failed to create feature_rows table", err)
	}

	if _, err := db.ExecContext(ctx, "CREATE INDEX idx_rows_entity_time ON feature_rows(entity_id, event_time)"); err != nil {
		return nil, nil, kerrors.NewStorageError(kerrors.CodeWriteFailed, "offline: failed to create index", err)
	}

	stmt, err := db.PrepareContext(ctx, "INSERT INTO feature_rows (entity_id, event_time, features) VALUES (?, ?, ?)")
	if err != nil {
		return nil, nil, kerrors.NewStorageError(kerrors.CodeWriteFailed, "offline: failed to prepare insert", err)
	}
	defer stmt.Close()

	filter := bloom.New(len(rows), b.bloomFPR)
	info := &SegmentInfo{
		SegmentID:    segmentID,
		ViewName:     viewName,
		SQLitePath:   sqlitePath,
		RowCount:     int64(len(rows)),
		MinEntityID:  rows[0].EntityID,
		MaxEntityID:  rows[0].EntityID,
		MinEventTime: rows[0].EventTime,
		MaxEventTime: rows[0].EventTime,
		CreatedAt:    createdAt,
	}

	for _, row := range rows {
		payload, err := row.MarshalValues()
		if err != nil {
			return nil, nil, kerrors.NewStorageError(kerrors.CodeWriteFailed, "offline: failed to marshal feature values", err)
		}
		compressed := snappy.Encode(nil, payload)

		if _, err := stmt.ExecContext(ctx, row.EntityID, row.EventTime, compressed); err != nil {
			return nil, nil, kerrors.NewStorageError(kerrors.CodeWriteFailed, "offline: failed to insert feature row", err)
		}

		filter.Add(row.EntityID)
		if row.EntityID < info.MinEntityID {
			info.MinEntityID = row.EntityID
		}
		if row.EntityID > info.MaxEntityID {
			info.MaxEntityID = row.EntityID
		}
		if row.EventTime < info.MinEventTime {
			info.MinEventTime = row.EventTime
		}
		if row.EventTime > info.MaxEventTime {
			info.MaxEventTime = row.EventTime
		}
	}

	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, nil, kerrors.NewStorageError(kerrors.CodeWriteFailed, "offline: failed to checkpoint WAL", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		return nil, nil, kerrors.NewStorageError(kerrors.CodeWriteFailed, "offline: failed to seal journal mode", err)
	}
	if err := db.Close(); err != nil {
		return nil, nil, kerrors.NewStorageError(kerrors.CodeWriteFailed, "offline: failed to close segment database", err)
	}

	fileInfo, err := os.Stat(sqlitePath)
	if err != nil {
		return nil, nil, kerrors.NewStorageError(kerrors.CodeWriteFailed, "offline: failed to stat segment file", err)
	}
	info.SizeBytes = fileInfo.Size()

	return info, filter, nil
}
