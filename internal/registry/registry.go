// Package registry provides feature view and entity definitions for the
// Kestrel system. Definitions are explicit configuration structs resolved
// once at startup and passed by reference into computation, materialization,
// and retrieval. The same definition parameterizes every path, which is
// what rules out definition-level training/serving skew.
package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	kerrors "github.com/kestrel-ml/kestrel/internal/errors"
)

// AggregationKind identifies a windowed aggregation function.
type AggregationKind string

const (
	AggAvg   AggregationKind = "avg"
	AggCount AggregationKind = "count"
	AggSum   AggregationKind = "sum"
)

// Entity is the subject features are computed about, identified by a join key.
type Entity struct {
	// Name is the entity name (e.g. "user")
	Name string `yaml:"name"`

	// JoinKey is the column identifying the entity in source events
	JoinKey string `yaml:"join_key"`

	// Description documents the entity
	Description string `yaml:"description,omitempty"`
}

// Aggregation binds one aggregation function to an output feature name.
type Aggregation struct {
	// Kind is the aggregation function: avg, count, sum
	Kind AggregationKind `yaml:"kind"`

	// Feature is the name of the emitted feature value
	Feature string `yaml:"feature"`
}

// WindowSpec defines the sliding window a view's aggregations run over.
// The window ending at event time t covers (t - Duration, t], inclusive of
// the triggering event.
type WindowSpec struct {
	// Duration is the window length
	Duration time.Duration `yaml:"-"`

	// Aggregations are the functions computed over the window
	Aggregations []Aggregation `yaml:"aggregations"`
}

// Field defines one column of a view's feature schema.
type Field struct {
	// Name is the feature name
	Name string `yaml:"name"`

	// Type is the SQLite storage type: REAL, INTEGER
	Type string `yaml:"type"`
}

// FeatureView is the explicit configuration of one feature: entity, window
// semantics, TTL, and stored schema.
type FeatureView struct {
	// Name identifies the view; it namespaces online keys
	Name string `yaml:"name"`

	// Entity is the subject of the view's features
	Entity Entity `yaml:"-"`

	// TTL is how long a materialized value remains servable past its
	// valid_from timestamp; it also bounds historical as-of lookback
	TTL time.Duration `yaml:"-"`

	// Window is the aggregation window specification
	Window WindowSpec `yaml:"-"`

	// Schema lists the feature fields the view emits
	Schema []Field `yaml:"-"`
}

// Validate checks internal consistency of the view definition.
func (v *FeatureView) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("registry: view name is required")
	}
	if v.Entity.Name == "" || v.Entity.JoinKey == "" {
		return fmt.Errorf("registry: view %s: entity name and join_key are required", v.Name)
	}
	if v.Window.Duration <= 0 {
		return fmt.Errorf("registry: view %s: window duration must be positive", v.Name)
	}
	if len(v.Window.Aggregations) == 0 {
		return fmt.Errorf("registry: view %s: at least one aggregation is required", v.Name)
	}

	schemaFields := make(map[string]string, len(v.Schema))
	for _, f := range v.Schema {
		if f.Type != "REAL" && f.Type != "INTEGER" {
			return fmt.Errorf("registry: view %s: field %s has unsupported type %s", v.Name, f.Name, f.Type)
		}
		schemaFields[f.Name] = f.Type
	}

	seen := make(map[string]bool, len(v.Window.Aggregations))
	for _, agg := range v.Window.Aggregations {
		switch agg.Kind {
		case AggAvg, AggCount, AggSum:
		default:
			return fmt.Errorf("registry: view %s: unknown aggregation kind %q", v.Name, agg.Kind)
		}
		if agg.Feature == "" {
			return fmt.Errorf("registry: view %s: aggregation %s has no feature name", v.Name, agg.Kind)
		}
		if seen[agg.Feature] {
			return fmt.Errorf("registry: view %s: duplicate feature name %s", v.Name, agg.Feature)
		}
		seen[agg.Feature] = true
		if _, ok := schemaFields[agg.Feature]; !ok {
			return fmt.Errorf("registry: view %s: aggregation feature %s missing from schema", v.Name, agg.Feature)
		}
	}
	return nil
}

// FieldType returns the declared storage type for a feature name.
func (v *FeatureView) FieldType(name string) (string, bool) {
	for _, f := range v.Schema {
		if f.Name == name {
			return f.Type, true
		}
	}
	return "", false
}

// ValidateValues checks a computed or stored feature map against the view's
// schema. A disagreement on field names is a SchemaMismatch error: fatal,
// never silently coerced.
func (v *FeatureView) ValidateValues(values map[string]float64) error {
	for name := range values {
		if _, ok := v.FieldType(name); !ok {
			return kerrors.NewSchemaMismatchError(
				fmt.Sprintf("view %s: unexpected feature field %q", v.Name, name))
		}
	}
	for _, f := range v.Schema {
		if _, ok := values[f.Name]; !ok {
			return kerrors.NewSchemaMismatchError(
				fmt.Sprintf("view %s: missing feature field %q", v.Name, f.Name))
		}
	}
	return nil
}

// Registry holds all resolved entities and feature views.
type Registry struct {
	entities map[string]Entity
	views    map[string]*FeatureView
}

// View returns the named feature view.
func (r *Registry) View(name string) (*FeatureView, error) {
	v, ok := r.views[name]
	if !ok {
		return nil, kerrors.New(kerrors.ErrCategorySchema, kerrors.CodeUnknownView,
			fmt.Sprintf("feature view %q is not registered", name))
	}
	return v, nil
}

// Views returns all registered feature views.
func (r *Registry) Views() []*FeatureView {
	out := make([]*FeatureView, 0, len(r.views))
	for _, v := range r.views {
		out = append(out, v)
	}
	return out
}

// Entity returns the named entity definition.
func (r *Registry) Entity(name string) (Entity, bool) {
	e, ok := r.entities[name]
	return e, ok
}

// rawRegistry mirrors the YAML file layout. Durations are strings
// ("72h", "168h") parsed with time.ParseDuration.
type rawRegistry struct {
	Entities []Entity  `yaml:"entities"`
	Views    []rawView `yaml:"views"`
}

type rawView struct {
	Name   string `yaml:"name"`
	Entity string `yaml:"entity"`
	TTL    string `yaml:"ttl"`
	Window struct {
		Duration     string        `yaml:"duration"`
		Aggregations []Aggregation `yaml:"aggregations"`
	} `yaml:"window"`
	Schema []Field `yaml:"schema"`
}

// Load reads a registry file and resolves all definitions.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse resolves registry definitions from YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var raw rawRegistry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("registry: failed to parse YAML: %w", err)
	}

	reg := &Registry{
		entities: make(map[string]Entity, len(raw.Entities)),
		views:    make(map[string]*FeatureView, len(raw.Views)),
	}
	for _, e := range raw.Entities {
		if e.Name == "" {
			return nil, fmt.Errorf("registry: entity with empty name")
		}
		reg.entities[e.Name] = e
	}

	for _, rv := range raw.Views {
		entity, ok := reg.entities[rv.Entity]
		if !ok {
			return nil, fmt.Errorf("registry: view %s references unknown entity %q", rv.Name, rv.Entity)
		}

		ttl, err := time.ParseDuration(rv.TTL)
		if err != nil {
			return nil, fmt.Errorf("registry: view %s: invalid ttl %q: %w", rv.Name, rv.TTL, err)
		}
		window, err := time.ParseDuration(rv.Window.Duration)
		if err != nil {
			return nil, fmt.Errorf("registry: view %s: invalid window duration %q: %w", rv.Name, rv.Window.Duration, err)
		}

		view := &FeatureView{
			Name:   rv.Name,
			Entity: entity,
			TTL:    ttl,
			Window: WindowSpec{
				Duration:     window,
				Aggregations: rv.Window.Aggregations,
			},
			Schema: rv.Schema,
		}
		if err := view.Validate(); err != nil {
			return nil, err
		}
		if _, exists := reg.views[view.Name]; exists {
			return nil, fmt.Errorf("registry: duplicate view name %s", view.Name)
		}
		reg.views[view.Name] = view
	}

	return reg, nil
}

// Default returns a registry containing only the built-in purchase view.
// Used when no registry file is configured.
func Default() *Registry {
	view := DefaultView()
	return &Registry{
		entities: map[string]Entity{view.Entity.Name: view.Entity},
		views:    map[string]*FeatureView{view.Name: view},
	}
}

// DefaultView returns the built-in user purchase feature view: a 3-day
// rolling average and transaction count per user, valid for 7 days.
func DefaultView() *FeatureView {
	return &FeatureView{
		Name: "user_purchase_features",
		Entity: Entity{
			Name:        "user",
			JoinKey:     "user_id",
			Description: "User entity for the e-commerce platform",
		},
		TTL: 7 * 24 * time.Hour,
		Window: WindowSpec{
			Duration: 3 * 24 * time.Hour,
			Aggregations: []Aggregation{
				{Kind: AggAvg, Feature: "user_avg_3day_purchase_amount"},
				{Kind: AggCount, Feature: "user_total_transactions"},
			},
		},
		Schema: []Field{
			{Name: "user_avg_3day_purchase_amount", Type: "REAL"},
			{Name: "user_total_transactions", Type: "INTEGER"},
		},
	}
}
