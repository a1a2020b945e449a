package materialize

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	kerrors "github.com/kestrel-ml/kestrel/internal/errors"
	"github.com/kestrel-ml/kestrel/internal/offline"
	"github.com/kestrel-ml/kestrel/internal/online"
	"github.com/kestrel-ml/kestrel/internal/registry"
	"github.com/kestrel-ml/kestrel/pkg/types"
)

// Summary reports the outcome of one materialization run.
type Summary struct {
	JobID           string `json:"job_id"`
	ViewName        string `json:"view_name"`
	RowsScanned     int    `json:"rows_scanned"`
	EntitiesWritten int    `json:"entities_written"`
	EntitiesFailed  int    `json:"entities_failed"`
	WatermarkFrom   int64  `json:"watermark_from"`
	WatermarkTo     int64  `json:"watermark_to"`
}

// Materializer pushes the latest feature row per entity from the offline
// store into the online store.
type Materializer struct {
	offline    *offline.Store
	online     online.Store
	watermarks WatermarkStore
	now        func() time.Time
}

// New creates a materializer over the given stores.
func New(off *offline.Store, on online.Store, wm WatermarkStore) *Materializer {
	return &Materializer{
		offline:    off,
		online:     on,
		watermarks: wm,
		now:        time.Now,
	}
}

// SetClock overrides the materializer's clock. Test hook.
func (m *Materializer) SetClock(now func() time.Time) {
	m.now = now
}

// Run materializes the view over rng. A zero rng means "from the view's
// watermark up to now". The watermark advances only after every online
// write in the range is confirmed; any partial failure leaves it unchanged
// so the next run re-covers the same range. Re-running a completed range is
// harmless because online writes are latest-wins per entity.
func (m *Materializer) Run(ctx context.Context, view *registry.FeatureView, rng types.TimeRange) (*Summary, error) {
	if view == nil {
		return nil, kerrors.NewValidationError(kerrors.CodeUnknownView, "materialize: view cannot be nil")
	}

	jobID := uuid.New().String()[:8]

	wm, err := m.watermarks.Load(ctx, view.Name)
	if err != nil {
		return nil, err
	}
	var wmTime int64
	if wm != nil {
		wmTime = wm.LastMaterializedTime
	}

	if rng.IsZero() {
		rng = types.TimeRange{Start: wmTime, End: m.now().UnixMilli()}
	}
	if rng.IsEmpty() {
		return nil, kerrors.NewValidationError(kerrors.CodeInvalidRange,
			fmt.Sprintf("materialize: empty range %s", rng))
	}

	summary := &Summary{
		JobID:         jobID,
		ViewName:      view.Name,
		WatermarkFrom: wmTime,
	}

	latest, rowsScanned, err := m.latestPerEntity(ctx, view.Name, rng)
	if err != nil {
		return nil, err
	}
	summary.RowsScanned = rowsScanned

	if len(latest) == 0 {
		log.Printf("materialize: job=%s view=%s range=%s nothing to do", jobID, view.Name, rng)
		summary.WatermarkTo = wmTime
		return summary, nil
	}

	// Schema check before any write: a mismatched row aborts the whole
	// run rather than poisoning the online store.
	entityIDs := make([]int64, 0, len(latest))
	for id, row := range latest {
		if err := view.ValidateValues(row.FeatureValues); err != nil {
			return nil, err
		}
		entityIDs = append(entityIDs, id)
	}
	sort.Slice(entityIDs, func(i, j int) bool { return entityIDs[i] < entityIDs[j] })

	var failed []int64
	var firstWriteErr error
	for _, id := range entityIDs {
		if err := ctx.Err(); err != nil {
			return summary, kerrors.NewMaterializationError(kerrors.CodePartialMaterialization,
				fmt.Sprintf("materialize: job %s cancelled after %d/%d entities", jobID, summary.EntitiesWritten, len(entityIDs)), err)
		}

		row := latest[id]
		rec := types.OnlineRecord{
			EntityID:      id,
			FeatureValues: row.FeatureValues,
			ValidFrom:     row.EventTime,
			TTL:           view.TTL,
		}
		if err := m.online.Put(ctx, view.Name, rec); err != nil {
			failed = append(failed, id)
			if firstWriteErr == nil {
				firstWriteErr = err
			}
			continue
		}
		summary.EntitiesWritten++
	}
	summary.EntitiesFailed = len(failed)

	if len(failed) > 0 {
		// Watermark stays put: the range is not confirmed, so the next
		// run re-materializes it.
		log.Printf("materialize: job=%s view=%s partial failure: %d/%d entities failed",
			jobID, view.Name, len(failed), len(entityIDs))
		return summary, kerrors.NewMaterializationError(kerrors.CodePartialMaterialization,
			fmt.Sprintf("materialize: job %s wrote %d/%d entities", jobID, summary.EntitiesWritten, len(entityIDs)),
			firstWriteErr).WithDetails(map[string]interface{}{
			"failed_entities": failed,
		})
	}

	// Re-materializing an old range must not move the watermark backwards.
	if rng.End > wmTime {
		if err := m.watermarks.Advance(ctx, view.Name, wmTime, rng.End); err != nil {
			return summary, err
		}
		summary.WatermarkTo = rng.End
	} else {
		summary.WatermarkTo = wmTime
	}

	log.Printf("materialize: job=%s view=%s range=%s rows=%d entities=%d watermark=%d",
		jobID, view.Name, rng, summary.RowsScanned, summary.EntitiesWritten, summary.WatermarkTo)

	return summary, nil
}

// latestPerEntity scans the range and keeps, per entity, the row with the
// greatest event time. Rows sharing that timestamp are broken by canonical
// bytes so every run picks the same winner.
func (m *Materializer) latestPerEntity(ctx context.Context, viewName string, rng types.TimeRange) (map[int64]types.FeatureRow, int, error) {
	sc, err := m.offline.Scan(ctx, viewName, offline.ScanOptions{Range: rng})
	if err != nil {
		return nil, 0, err
	}
	defer sc.Close()

	latest := make(map[int64]types.FeatureRow)
	scanned := 0
	for sc.Next() {
		row := sc.Row()
		scanned++
		cur, ok := latest[row.EntityID]
		if !ok || row.EventTime > cur.EventTime {
			latest[row.EntityID] = row
			continue
		}
		if row.EventTime == cur.EventTime &&
			bytes.Compare(row.CanonicalBytes(), cur.CanonicalBytes()) < 0 {
			latest[row.EntityID] = row
		}
	}
	if err := sc.Err(); err != nil {
		return nil, scanned, err
	}

	return latest, scanned, nil
}
