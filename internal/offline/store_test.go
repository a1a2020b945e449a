package offline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	kerrors "github.com/kestrel-ml/kestrel/internal/errors"
	"github.com/kestrel-ml/kestrel/internal/storage"
	"github.com/kestrel-ml/kestrel/pkg/types"
)

func newTestStore(t *testing.T, objStorage storage.ObjectStorage) (*Store, *SQLiteCatalog) {
	t.Helper()
	dir := t.TempDir()
	catalog, err := NewCatalog(filepath.Join(dir, "segments.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })
	return NewStore(filepath.Join(dir, "segments"), catalog, objStorage, 0.01), catalog
}

func row(entityID, eventTime int64, avg float64, count float64) types.FeatureRow {
	return types.FeatureRow{
		EntityID:  entityID,
		EventTime: eventTime,
		FeatureValues: map[string]float64{
			"user_avg_3day_purchase_amount": avg,
			"user_total_transactions":       count,
		},
	}
}

func collect(t *testing.T, sc *Scanner) []types.FeatureRow {
	t.Helper()
	defer sc.Close()
	var rows []types.FeatureRow
	for sc.Next() {
		rows = append(rows, sc.Row())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	return rows
}

func TestStore_AppendScanRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	written := []types.FeatureRow{
		row(1, 1000, 10.5, 1),
		row(1, 2000, 15.25, 2),
		row(2, 1500, 99.99, 1),
	}
	info, err := store.Append(ctx, "user_purchase_features", written)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if info.RowCount != 3 {
		t.Errorf("expected 3 rows, got %d", info.RowCount)
	}
	if info.MinEventTime != 1000 || info.MaxEventTime != 2000 {
		t.Errorf("wrong time bounds: [%d, %d]", info.MinEventTime, info.MaxEventTime)
	}
	if info.MinEntityID != 1 || info.MaxEntityID != 2 {
		t.Errorf("wrong entity bounds: [%d, %d]", info.MinEntityID, info.MaxEntityID)
	}

	sc, err := store.Scan(ctx, "user_purchase_features", ScanOptions{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	got := collect(t, sc)
	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got))
	}
	for i, want := range written {
		if string(got[i].CanonicalBytes()) != string(want.CanonicalBytes()) {
			t.Errorf("row %d mismatch: got %+v want %+v", i, got[i], want)
		}
	}
}

func TestStore_AppendEmptyBatch(t *testing.T) {
	store, _ := newTestStore(t, nil)

	_, err := store.Append(context.Background(), "user_purchase_features", nil)
	if kerrors.GetCode(err) != kerrors.CodeEmptyBatch {
		t.Errorf("expected EMPTY_BATCH, got %v", err)
	}
}

func TestStore_ScanTimeRangeIsHalfOpen(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Append(ctx, "v", []types.FeatureRow{
		row(1, 1000, 1, 1),
		row(1, 2000, 2, 1),
		row(1, 3000, 3, 1),
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// (1000, 3000] excludes the row at exactly 1000 and includes 3000.
	sc, err := store.Scan(ctx, "v", ScanOptions{Range: types.TimeRange{Start: 1000, End: 3000}})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	got := collect(t, sc)
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].EventTime != 2000 || got[1].EventTime != 3000 {
		t.Errorf("wrong rows: %+v", got)
	}
}

func TestStore_ScanInvalidRange(t *testing.T) {
	store, _ := newTestStore(t, nil)

	_, err := store.Scan(context.Background(), "v", ScanOptions{Range: types.TimeRange{Start: 2000, End: 1000}})
	if kerrors.GetCode(err) != kerrors.CodeInvalidRange {
		t.Errorf("expected INVALID_RANGE, got %v", err)
	}
}

func TestStore_ScanEntityFilter(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Append(ctx, "v", []types.FeatureRow{
		row(1, 1000, 1, 1),
		row(2, 1000, 2, 1),
		row(3, 1000, 3, 1),
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	sc, err := store.Scan(ctx, "v", ScanOptions{EntityIDs: []int64{1, 3}})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	got := collect(t, sc)
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].EntityID != 1 || got[1].EntityID != 3 {
		t.Errorf("wrong entities: %+v", got)
	}
}

func TestStore_ScanSpansSegments(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := store.Append(ctx, "v", []types.FeatureRow{row(1, 1000, 1, 1)}); err != nil {
		t.Fatalf("first Append failed: %v", err)
	}
	if _, err := store.Append(ctx, "v", []types.FeatureRow{row(1, 2000, 2, 2)}); err != nil {
		t.Fatalf("second Append failed: %v", err)
	}

	sc, err := store.Scan(ctx, "v", ScanOptions{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	got := collect(t, sc)
	if len(got) != 2 {
		t.Fatalf("expected 2 rows across segments, got %d", len(got))
	}
}

func TestStore_ScanIsolatesViews(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := store.Append(ctx, "view_a", []types.FeatureRow{row(1, 1000, 1, 1)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := store.Append(ctx, "view_b", []types.FeatureRow{row(1, 1000, 2, 2)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	sc, err := store.Scan(ctx, "view_a", ScanOptions{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	got := collect(t, sc)
	if len(got) != 1 {
		t.Fatalf("expected 1 row from view_a, got %d", len(got))
	}
	if got[0].FeatureValues["user_avg_3day_purchase_amount"] != 1 {
		t.Errorf("got row from wrong view: %+v", got[0])
	}
}

func TestStore_ScanIsRepeatable(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := store.Append(ctx, "v", []types.FeatureRow{
		row(1, 1000, 1, 1),
		row(2, 2000, 2, 1),
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	var first, second []types.FeatureRow
	for i, out := range []*[]types.FeatureRow{&first, &second} {
		sc, err := store.Scan(ctx, "v", ScanOptions{})
		if err != nil {
			t.Fatalf("Scan %d failed: %v", i, err)
		}
		*out = collect(t, sc)
	}

	if len(first) != len(second) {
		t.Fatalf("scan lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if string(first[i].CanonicalBytes()) != string(second[i].CanonicalBytes()) {
			t.Errorf("row %d differs between scans", i)
		}
	}
}

func TestStore_RestoresSegmentFromObjectStorage(t *testing.T) {
	objStorage, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create object storage: %v", err)
	}
	store, _ := newTestStore(t, objStorage)
	ctx := context.Background()

	info, err := store.Append(ctx, "v", []types.FeatureRow{row(7, 1000, 42.5, 3)})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if info.ObjectPath == "" {
		t.Fatal("expected segment to be uploaded")
	}

	// Simulate a fresh node: the local segment file is gone.
	if err := os.Remove(info.SQLitePath); err != nil {
		t.Fatalf("failed to remove local segment: %v", err)
	}

	sc, err := store.Scan(ctx, "v", ScanOptions{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	got := collect(t, sc)
	if len(got) != 1 {
		t.Fatalf("expected 1 restored row, got %d", len(got))
	}
	if got[0].EntityID != 7 || got[0].FeatureValues["user_avg_3day_purchase_amount"] != 42.5 {
		t.Errorf("wrong restored row: %+v", got[0])
	}
}

func TestStore_ScanCancellation(t *testing.T) {
	store, _ := newTestStore(t, nil)

	if _, err := store.Append(context.Background(), "v", []types.FeatureRow{
		row(1, 1000, 1, 1),
		row(2, 2000, 2, 1),
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc, err := store.Scan(ctx, "v", ScanOptions{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	defer sc.Close()

	cancel()
	for sc.Next() {
	}
	if sc.Err() == nil {
		t.Error("expected error after cancellation")
	}
}
