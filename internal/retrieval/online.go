package retrieval

import (
	"context"

	kerrors "github.com/kestrel-ml/kestrel/internal/errors"
	"github.com/kestrel-ml/kestrel/internal/online"
	"github.com/kestrel-ml/kestrel/internal/registry"
)

// OnlineReader serves latest-value reads from the online store.
type OnlineReader struct {
	store online.Store
}

// NewOnlineReader creates a reader over the online store.
func NewOnlineReader(store online.Store) *OnlineReader {
	return &OnlineReader{store: store}
}

// OnlineResult is the answer for one entity in an online read. Found is
// false when the entity has no record or its record has expired.
type OnlineResult struct {
	EntityID      int64              `json:"entity_id"`
	Found         bool               `json:"found"`
	FeatureValues map[string]float64 `json:"feature_values,omitempty"`
	ValidFrom     int64              `json:"valid_from,omitempty"`
}

// GetOnline returns the current feature vector per requested entity, in
// request order. Store errors fail the whole read; absence does not.
func (r *OnlineReader) GetOnline(ctx context.Context, view *registry.FeatureView, entityIDs []int64) ([]OnlineResult, error) {
	if view == nil {
		return nil, kerrors.NewValidationError(kerrors.CodeUnknownView, "retrieval: view cannot be nil")
	}
	if len(entityIDs) == 0 {
		return nil, kerrors.NewValidationError(kerrors.CodeEmptyBatch, "retrieval: no entity IDs")
	}

	results := make([]OnlineResult, len(entityIDs))
	for i, id := range entityIDs {
		results[i] = OnlineResult{EntityID: id}

		rec, err := r.store.Get(ctx, view.Name, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		results[i].Found = true
		results[i].FeatureValues = rec.FeatureValues
		results[i].ValidFrom = rec.ValidFrom
	}
	return results, nil
}
