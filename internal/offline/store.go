package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/golang/snappy"

	"github.com/kestrel-ml/kestrel/internal/bloom"
	kerrors "github.com/kestrel-ml/kestrel/internal/errors"
	"github.com/kestrel-ml/kestrel/internal/storage"
	"github.com/kestrel-ml/kestrel/pkg/types"
)

// ScanOptions narrows a Scan to a time range and optionally to a set of
// entities. A zero range means all time; empty EntityIDs means all entities.
type ScanOptions struct {
	Range     types.TimeRange
	EntityIDs []int64
}

// Store is the offline feature store: an append-only collection of sealed
// segments plus the catalog that prunes them at read time. When object
// storage is configured, sealed segments are also uploaded and can be
// restored on a node that does not have the local file.
type Store struct {
	builder    *Builder
	catalog    Catalog
	objStorage storage.ObjectStorage
	fetcher    *storage.SegmentFetcher
	segmentDir string
}

// NewStore creates an offline store writing segments into segmentDir and
// tracking them in catalog. objStorage may be nil for local-only operation.
func NewStore(segmentDir string, catalog Catalog, objStorage storage.ObjectStorage, bloomFPR float64) *Store {
	s := &Store{
		builder:    NewBuilder(segmentDir, bloomFPR),
		catalog:    catalog,
		objStorage: objStorage,
		segmentDir: segmentDir,
	}
	if objStorage != nil {
		s.fetcher = storage.NewSegmentFetcher(objStorage, 4, segmentDir)
	}
	return s
}

// Append seals the rows of one computation run into a new immutable segment
// and registers it. Previously written rows are never modified.
func (s *Store) Append(ctx context.Context, viewName string, rows []types.FeatureRow) (*SegmentInfo, error) {
	info, filter, err := s.builder.Build(ctx, viewName, rows)
	if err != nil {
		return nil, err
	}

	if s.objStorage != nil {
		info.ObjectPath = objectPathFor(info)
		if err := s.objStorage.Upload(ctx, info.SQLitePath, info.ObjectPath); err != nil {
			return nil, kerrors.NewStorageError(kerrors.CodeWriteFailed, "offline: failed to upload segment", err)
		}
	}

	if err := s.catalog.RegisterSegment(ctx, info, filter.Serialize()); err != nil {
		return nil, err
	}

	log.Printf("offline: sealed segment %s view=%s rows=%d bytes=%d range=[%d,%d]",
		info.SegmentID, viewName, info.RowCount, info.SizeBytes, info.MinEventTime, info.MaxEventTime)

	return info, nil
}

// Scan returns a Scanner over all rows of the view matching opts. Segments
// are pruned by zone map and bloom filter before any file is opened.
func (s *Store) Scan(ctx context.Context, viewName string, opts ScanOptions) (*Scanner, error) {
	if !opts.Range.IsZero() && opts.Range.IsEmpty() {
		return nil, kerrors.NewValidationError(kerrors.CodeInvalidRange,
			fmt.Sprintf("offline: invalid scan range %s", opts.Range))
	}

	records, err := s.catalog.FindSegments(ctx, viewName, opts.Range, opts.EntityIDs)
	if err != nil {
		return nil, err
	}

	// Bloom pruning: drop segments that definitely contain none of the
	// requested entities.
	if len(opts.EntityIDs) > 0 {
		pruned := records[:0]
		for _, rec := range records {
			if segmentMightContain(rec, opts.EntityIDs) {
				pruned = append(pruned, rec)
			}
		}
		records = pruned
	}

	return &Scanner{
		ctx:     ctx,
		store:   s,
		records: records,
		opts:    opts,
	}, nil
}

// segmentMightContain checks the segment's bloom filter against the entity
// set. A segment with no stored filter is never pruned here.
func segmentMightContain(rec *SegmentRecord, entityIDs []int64) bool {
	if len(rec.BloomBlob) == 0 {
		return true
	}
	filter, err := bloom.Deserialize(rec.BloomBlob)
	if err != nil {
		// A corrupt filter only loses the pruning, not correctness.
		log.Printf("offline: segment %s has unreadable bloom filter: %v", rec.SegmentID, err)
		return true
	}
	for _, id := range entityIDs {
		if filter.MightContain(id) {
			return true
		}
	}
	return false
}

// localSegmentPath returns a readable local path for the segment, restoring
// it from object storage when the local file is gone.
func (s *Store) localSegmentPath(ctx context.Context, rec *SegmentRecord) (string, error) {
	if _, err := os.Stat(rec.SQLitePath); err == nil {
		return rec.SQLitePath, nil
	}
	if rec.ObjectPath == "" || s.fetcher == nil {
		return "", kerrors.NewStorageError(kerrors.CodeScanFailed,
			fmt.Sprintf("offline: segment file missing: %s", rec.SQLitePath), nil)
	}

	result, err := s.fetcher.Fetch(ctx, []string{rec.ObjectPath})
	if err != nil {
		return "", kerrors.NewStorageError(kerrors.CodeScanFailed, "offline: segment fetch failed", err)
	}
	if ferr, ok := result.Errors[rec.ObjectPath]; ok {
		return "", kerrors.NewStorageError(kerrors.CodeScanFailed,
			fmt.Sprintf("offline: failed to restore segment %s", rec.SegmentID), ferr)
	}
	return result.LocalPaths[rec.ObjectPath], nil
}

func objectPathFor(info *SegmentInfo) string {
	// segment IDs contain ':' which is awkward in object keys
	name := strings.ReplaceAll(info.SegmentID, ":", "-")
	return fmt.Sprintf("segments/%s/%s.sqlite", info.ViewName, name)
}

// Scanner iterates feature rows across pruned segments, opening one segment
// file at a time. It is restartable in that a failed scan can simply be
// re-issued; segments are immutable so a retry observes identical data.
type Scanner struct {
	ctx     context.Context
	store   *Store
	records []*SegmentRecord
	opts    ScanOptions

	idx  int
	db   *sql.DB
	rows *sql.Rows

	current types.FeatureRow
	err     error
}

// Next advances to the next matching row. It returns false when the scan is
// exhausted or an error occurred; check Err after iteration.
func (sc *Scanner) Next() bool {
	if sc.err != nil {
		return false
	}

	for {
		if err := sc.ctx.Err(); err != nil {
			sc.err = kerrors.NewStorageError(kerrors.CodeTimeout, "offline: scan cancelled", err)
			sc.closeSegment()
			return false
		}

		if sc.rows == nil {
			if sc.idx >= len(sc.records) {
				return false
			}
			if err := sc.openSegment(sc.records[sc.idx]); err != nil {
				sc.err = err
				return false
			}
			sc.idx++
		}

		if sc.rows.Next() {
			row, err := sc.scanRow()
			if err != nil {
				sc.err = err
				sc.closeSegment()
				return false
			}
			sc.current = row
			return true
		}

		if err := sc.rows.Err(); err != nil {
			sc.err = kerrors.NewStorageError(kerrors.CodeScanFailed, "offline: segment iteration failed", err)
			sc.closeSegment()
			return false
		}
		sc.closeSegment()
	}
}

// Row returns the row positioned by the last successful Next.
func (sc *Scanner) Row() types.FeatureRow {
	return sc.current
}

// Err returns the first error encountered during the scan.
func (sc *Scanner) Err() error {
	return sc.err
}

// Close releases any open segment resources.
func (sc *Scanner) Close() error {
	sc.closeSegment()
	return nil
}

func (sc *Scanner) openSegment(rec *SegmentRecord) error {
	path, err := sc.store.localSegmentPath(sc.ctx, rec)
	if err != nil {
		return err
	}

	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return kerrors.NewStorageError(kerrors.CodeScanFailed,
			fmt.Sprintf("offline: failed to open segment %s", rec.SegmentID), err)
	}

	query := "SELECT entity_id, event_time, features FROM feature_rows"
	var clauses []string
	var args []interface{}

	if !sc.opts.Range.IsZero() {
		clauses = append(clauses, "event_time > ? AND event_time <= ?")
		args = append(args, sc.opts.Range.Start, sc.opts.Range.End)
	}
	if len(sc.opts.EntityIDs) > 0 {
		placeholders := strings.Repeat("?,", len(sc.opts.EntityIDs))
		clauses = append(clauses, fmt.Sprintf("entity_id IN (%s)", placeholders[:len(placeholders)-1]))
		for _, id := range sc.opts.EntityIDs {
			args = append(args, id)
		}
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY entity_id, event_time"

	rows, err := db.QueryContext(sc.ctx, query, args...)
	if err != nil {
		db.Close()
		return kerrors.NewStorageError(kerrors.CodeScanFailed,
			fmt.Sprintf("offline: failed to query segment %s", rec.SegmentID), err)
	}

	sc.db = db
	sc.rows = rows
	return nil
}

func (sc *Scanner) scanRow() (types.FeatureRow, error) {
	var row types.FeatureRow
	var compressed []byte
	if err := sc.rows.Scan(&row.EntityID, &row.EventTime, &compressed); err != nil {
		return row, kerrors.NewStorageError(kerrors.CodeScanFailed, "offline: failed to scan feature row", err)
	}

	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return row, kerrors.NewStorageError(kerrors.CodeScanFailed, "offline: failed to decompress feature values", err)
	}
	if err := json.Unmarshal(payload, &row.FeatureValues); err != nil {
		return row, kerrors.NewStorageError(kerrors.CodeScanFailed, "offline: failed to decode feature values", err)
	}

	return row, nil
}

func (sc *Scanner) closeSegment() {
	if sc.rows != nil {
		sc.rows.Close()
		sc.rows = nil
	}
	if sc.db != nil {
		sc.db.Close()
		sc.db = nil
	}
}
