// Package types provides core data types for the Kestrel feature store.
package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Event represents a single raw entity event read from the event log.
// Events are immutable and append-only; ordering matters only within an
// entity.
type Event struct {
	// EntityID identifies the entity (join key value) this event belongs to
	EntityID int64 `json:"entity_id"`

	// EventTime is the Unix timestamp (milliseconds, UTC) when the event occurred
	EventTime int64 `json:"event_time"`

	// Value is the numeric measurement carried by the event
	Value float64 `json:"value"`

	// Attributes holds pass-through fields (e.g. product_id) ignored by
	// feature computation
	Attributes map[string]string `json:"attributes,omitempty"`
}

// FeatureRow is one point-in-time feature vector: the feature values for an
// entity as of a triggering event's timestamp. Rows are immutable once
// written to the offline store.
type FeatureRow struct {
	// EntityID identifies the entity the features were computed about
	EntityID int64 `json:"entity_id"`

	// EventTime is the triggering event's timestamp (milliseconds, UTC)
	EventTime int64 `json:"event_time"`

	// FeatureValues maps feature name to its computed scalar value
	FeatureValues map[string]float64 `json:"feature_values"`
}

// CanonicalBytes returns a deterministic serialization of the row: fixed
// field order, feature names sorted. Two rows with equal content always
// produce equal bytes, which makes the serialization usable as a
// reproducible tie-breaker.
func (r FeatureRow) CanonicalBytes() []byte {
	names := make([]string, 0, len(r.FeatureValues))
	for name := range r.FeatureValues {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := fmt.Appendf(nil, "%d|%d", r.EntityID, r.EventTime)
	for _, name := range names {
		buf = fmt.Appendf(buf, "|%s=%g", name, r.FeatureValues[name])
	}
	return buf
}

// MarshalValues serializes the feature values as JSON with sorted keys.
func (r FeatureRow) MarshalValues() ([]byte, error) {
	// encoding/json writes map keys in sorted order, so repeated
	// serialization of the same row is byte-for-byte identical.
	return json.Marshal(r.FeatureValues)
}

// TimeRange is a half-open interval (Start, End] over event time, in
// Unix milliseconds.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Contains reports whether ts falls inside the range (Start, End].
func (tr TimeRange) Contains(ts int64) bool {
	return ts > tr.Start && ts <= tr.End
}

// IsZero reports whether the range is unset.
func (tr TimeRange) IsZero() bool {
	return tr.Start == 0 && tr.End == 0
}

// IsEmpty reports whether the range covers no instants.
func (tr TimeRange) IsEmpty() bool {
	return tr.End <= tr.Start
}

func (tr TimeRange) String() string {
	return fmt.Sprintf("(%s, %s]",
		time.UnixMilli(tr.Start).UTC().Format(time.RFC3339),
		time.UnixMilli(tr.End).UTC().Format(time.RFC3339))
}

// OnlineRecord is the single latest feature vector held per entity in the
// online store. It is overwritten on every materialization cycle and is
// logically absent once its TTL has elapsed.
type OnlineRecord struct {
	// EntityID identifies the entity this record belongs to
	EntityID int64 `json:"entity_id"`

	// FeatureValues maps feature name to the latest materialized value
	FeatureValues map[string]float64 `json:"feature_values"`

	// ValidFrom is the event time of the feature row this record was
	// materialized from (milliseconds, UTC)
	ValidFrom int64 `json:"valid_from"`

	// TTL is how long past ValidFrom the record remains servable
	TTL time.Duration `json:"ttl"`
}

// Expired reports whether the record is past its TTL at the given instant.
// Expired records must be reported as absent, never served stale.
func (rec OnlineRecord) Expired(now time.Time) bool {
	if rec.TTL <= 0 {
		return false
	}
	age := now.UnixMilli() - rec.ValidFrom
	return age > rec.TTL.Milliseconds()
}

// Watermark is the materialization checkpoint for a feature view: the upper
// bound of event time already pushed into the online store. It is passed
// into and returned from each materialization run rather than held as
// hidden process state.
type Watermark struct {
	// ViewName is the feature view the checkpoint belongs to
	ViewName string `json:"view_name"`

	// LastMaterializedTime is the confirmed upper bound (milliseconds, UTC)
	LastMaterializedTime int64 `json:"last_materialized_time"`
}
