// Package online provides the low-latency key-value store serving the
// latest materialized feature vector per entity. Records carry a TTL that
// is enforced at read time: an expired record is reported as absent, never
// served stale.
package online

import (
	"context"

	"github.com/kestrel-ml/kestrel/pkg/types"
)

// Store is the online feature store. Implementations must make Put atomic
// per key: readers observe either the previous complete record or the new
// complete record, never a partial write.
type Store interface {
	// Put writes (or overwrites) the record for its entity under the view.
	Put(ctx context.Context, viewName string, rec types.OnlineRecord) error

	// Get returns the current record for the entity, or (nil, nil) when
	// the entity has no record or the record has expired.
	Get(ctx context.Context, viewName string, entityID int64) (*types.OnlineRecord, error)

	// Close releases the store's resources.
	Close() error
}
