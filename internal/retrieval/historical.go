// Package retrieval answers feature lookups: point-in-time historical reads
// against the offline store for training data, and latest-value reads
// against the online store for serving. Both paths answer the same question
// about different instants, which is what keeps training and serving from
// skewing apart.
package retrieval

import (
	"bytes"
	"context"
	"fmt"

	kerrors "github.com/kestrel-ml/kestrel/internal/errors"
	"github.com/kestrel-ml/kestrel/internal/offline"
	"github.com/kestrel-ml/kestrel/internal/registry"
	"github.com/kestrel-ml/kestrel/pkg/types"
)

// Pair is one (entity, as-of timestamp) request in a historical read.
type Pair struct {
	EntityID int64 `json:"entity_id"`
	AsOf     int64 `json:"as_of"`
}

// Result is the answer for one requested pair. Found is false when the
// entity had no feature row at or before AsOf within the view's TTL; the
// row is then null, never zero-filled.
type Result struct {
	EntityID      int64              `json:"entity_id"`
	AsOf          int64              `json:"as_of"`
	Found         bool               `json:"found"`
	FeatureValues map[string]float64 `json:"feature_values,omitempty"`
	RowEventTime  int64              `json:"row_event_time,omitempty"`
}

// HistoricalReader serves point-in-time reads from the offline store.
type HistoricalReader struct {
	offline *offline.Store
}

// NewHistoricalReader creates a reader over the offline store.
func NewHistoricalReader(off *offline.Store) *HistoricalReader {
	return &HistoricalReader{offline: off}
}

// GetHistorical answers each pair with the feature values the entity had as
// of the requested timestamp: the row with the greatest event time at or
// before AsOf, provided it is within the view's TTL. Results are returned
// in request order.
func (r *HistoricalReader) GetHistorical(ctx context.Context, view *registry.FeatureView, pairs []Pair) ([]Result, error) {
	if view == nil {
		return nil, kerrors.NewValidationError(kerrors.CodeUnknownView, "retrieval: view cannot be nil")
	}
	if len(pairs) == 0 {
		return nil, kerrors.NewValidationError(kerrors.CodeEmptyBatch, "retrieval: no entity/timestamp pairs")
	}
	for _, p := range pairs {
		if p.AsOf <= 0 {
			return nil, kerrors.NewValidationError(kerrors.CodeInvalidRange,
				fmt.Sprintf("retrieval: invalid as-of timestamp %d for entity %d", p.AsOf, p.EntityID))
		}
	}

	// One scan covers all pairs: from the earliest TTL horizon to the
	// latest as-of instant.
	ttlMs := view.TTL.Milliseconds()
	minStart, maxEnd := pairs[0].AsOf, pairs[0].AsOf
	entitySet := make(map[int64]struct{}, len(pairs))
	for _, p := range pairs {
		if p.AsOf < minStart {
			minStart = p.AsOf
		}
		if p.AsOf > maxEnd {
			maxEnd = p.AsOf
		}
		entitySet[p.EntityID] = struct{}{}
	}
	scanStart := minStart - ttlMs - 1
	if ttlMs <= 0 || scanStart < 0 {
		scanStart = 0
	}

	entityIDs := make([]int64, 0, len(entitySet))
	for id := range entitySet {
		entityIDs = append(entityIDs, id)
	}

	sc, err := r.offline.Scan(ctx, view.Name, offline.ScanOptions{
		Range:     types.TimeRange{Start: scanStart, End: maxEnd},
		EntityIDs: entityIDs,
	})
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	rowsByEntity := make(map[int64][]types.FeatureRow)
	for sc.Next() {
		row := sc.Row()
		rowsByEntity[row.EntityID] = append(rowsByEntity[row.EntityID], row)
	}
	if err := sc.Err(); err != nil {
		return nil, kerrors.NewRetrievalError("retrieval: historical scan failed", err)
	}

	results := make([]Result, len(pairs))
	for i, p := range pairs {
		results[i] = resolvePair(p, rowsByEntity[p.EntityID], ttlMs)
	}
	return results, nil
}

// resolvePair picks the as-of row for one pair: greatest event time at or
// before AsOf, ties broken by canonical bytes, null when nothing qualifies
// or the best row is older than the TTL allows.
func resolvePair(p Pair, rows []types.FeatureRow, ttlMs int64) Result {
	res := Result{EntityID: p.EntityID, AsOf: p.AsOf}

	var best *types.FeatureRow
	for i := range rows {
		row := &rows[i]
		if row.EventTime > p.AsOf {
			continue
		}
		if best == nil || row.EventTime > best.EventTime {
			best = row
			continue
		}
		if row.EventTime == best.EventTime &&
			bytes.Compare(row.CanonicalBytes(), best.CanonicalBytes()) < 0 {
			best = row
		}
	}

	if best == nil {
		return res
	}
	if ttlMs > 0 && p.AsOf-best.EventTime > ttlMs {
		return res
	}

	res.Found = true
	res.FeatureValues = best.FeatureValues
	res.RowEventTime = best.EventTime
	return res
}
