package offline

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	kerrors "github.com/kestrel-ml/kestrel/internal/errors"
	"github.com/kestrel-ml/kestrel/pkg/types"
)

// Catalog tracks sealed segments and their pruning metadata.
type Catalog interface {
	// RegisterSegment adds a sealed segment to the catalog. The bloom
	// blob is the serialized entity filter for the segment.
	RegisterSegment(ctx context.Context, info *SegmentInfo, bloomBlob []byte) error

	// FindSegments returns catalog records for segments of the given view
	// that may overlap the time range and entity set. Pruning is
	// conservative: a returned segment may still contain no matching rows,
	// but no matching segment is ever excluded.
	FindSegments(ctx context.Context, viewName string, rng types.TimeRange, entityIDs []int64) ([]*SegmentRecord, error)

	// Close closes the catalog database connections.
	Close() error
}

// SegmentRecord is a catalog entry for one sealed segment.
type SegmentRecord struct {
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
	BloomBlob    []byte
	CreatedAt    time.Time
}

// SQLiteCatalog implements Catalog on a single SQLite file. Writes go
// through one connection; reads use a small read-only pool.
type SQLiteCatalog struct {
	db     *sql.DB
	readDB *sql.DB
	dbPath string
	mu     sync.Mutex
}

const catalogSchemaSQL = `
	CREATE TABLE IF NOT EXISTS segments (
		segment_id TEXT PRIMARY KEY,
		view_name TEXT NOT NULL,
		sqlite_path TEXT NOT NULL,
		object_path TEXT,
		row_count INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL,
		min_entity_id INTEGER NOT NULL,
		max_entity_id INTEGER NOT NULL,
		min_event_time INTEGER NOT NULL,
		max_event_time INTEGER NOT NULL,
		bloom BLOB,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_segments_view_time
		ON segments(view_name, min_event_time, max_event_time);
`

// NewCatalog opens (or creates) the segment catalog at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStoreUnavailable, "offline: failed to open catalog", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(catalogSchemaSQL); err != nil {
		db.Close()
		return nil, kerrors.NewStorageError(kerrors.CodeStoreUnavailable, "offline: failed to initialize catalog schema", err)
	}

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, kerrors.NewStorageError(kerrors.CodeStoreUnavailable, "offline: failed to open catalog reader", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	return &SQLiteCatalog{db: db, readDB: readDB, dbPath: dbPath}, nil
}

// RegisterSegment adds a sealed segment to the catalog.
func (c *SQLiteCatalog) RegisterSegment(ctx context.Context, info *SegmentInfo, bloomBlob []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO segments (
			segment_id, view_name, sqlite_path, object_path,
			row_count, size_bytes,
			min_entity_id, max_entity_id,
			min_event_time, max_event_time,
			bloom, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.SegmentID, info.ViewName, info.SQLitePath, info.ObjectPath,
		info.RowCount, info.SizeBytes,
		info.MinEntityID, info.MaxEntityID,
		info.MinEventTime, info.MaxEventTime,
		bloomBlob, info.CreatedAt.Unix(),
	)
	if err != nil {
		return kerrors.NewStorageError(kerrors.CodeWriteFailed, "offline: failed to register segment", err)
	}
	return nil
}

// FindSegments returns segments of the view overlapping the range and, when
// entityIDs is non-empty, overlapping the entity zone map.
func (c *SQLiteCatalog) FindSegments(ctx context.Context, viewName string, rng types.TimeRange, entityIDs []int64) ([]*SegmentRecord, error) {
	query := `
		SELECT segment_id, view_name, sqlite_path, object_path,
			row_count, size_bytes,
			min_entity_id, max_entity_id,
			min_event_time, max_event_time,
			bloom, created_at
		FROM segments
		WHERE view_name = ?`
	args := []interface{}{viewName}

	// Half-open range (Start, End]: a segment overlaps when its max is
	// past Start and its min is at or below End.
	if !rng.IsZero() {
		query += " AND max_event_time > ? AND min_event_time <= ?"
		args = append(args, rng.Start, rng.End)
	}

	if len(entityIDs) > 0 {
		minID, maxID := entityIDs[0], entityIDs[0]
		for _, id := range entityIDs[1:] {
			if id < minID {
				minID = id
			}
			if id > maxID {
				maxID = id
			}
		}
		query += " AND max_entity_id >= ? AND min_entity_id <= ?"
		args = append(args, minID, maxID)
	}

	query += " ORDER BY min_event_time, created_at"

	rows, err := c.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeScanFailed, "offline: failed to query segments", err)
	}
	defer rows.Close()

	var records []*SegmentRecord
	for rows.Next() {
		var rec SegmentRecord
		var objectPath sql.NullString
		var createdAtUnix int64
		if err := rows.Scan(
			&rec.SegmentID, &rec.ViewName, &rec.SQLitePath, &objectPath,
			&rec.RowCount, &rec.SizeBytes,
			&rec.MinEntityID, &rec.MaxEntityID,
			&rec.MinEventTime, &rec.MaxEventTime,
			&rec.BloomBlob, &createdAtUnix,
		); err != nil {
			return nil, kerrors.NewStorageError(kerrors.CodeScanFailed, "offline: failed to scan segment record", err)
		}
		rec.ObjectPath = objectPath.String
		rec.CreatedAt = time.Unix(createdAtUnix, 0)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeScanFailed, "offline: error iterating segments", err)
	}

	return records, nil
}

// SegmentCount returns the number of registered segments for a view.
func (c *SQLiteCatalog) SegmentCount(ctx context.Context, viewName string) (int64, error) {
	var count int64
	err := c.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM segments WHERE view_name = ?", viewName,
	).Scan(&count)
	if err != nil {
		return 0, kerrors.NewStorageError(kerrors.CodeScanFailed, "offline: failed to count segments", err)
	}
	return count, nil
}

// Close closes the catalog database connections.
func (c *SQLiteCatalog) Close() error {
	if err := c.readDB.Close(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}
