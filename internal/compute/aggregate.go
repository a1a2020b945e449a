// Package compute implements the feature computation engine: windowed
// aggregation over raw events producing point-in-time feature rows.
package compute

import (
	"fmt"
	"math"

	"github.com/kestrel-ml/kestrel/internal/registry"
)

// windowAccumulator maintains running state for one aggregation over a
// sliding window. Values are added as the window's leading edge advances
// and removed as the trailing edge drops events, so each event is touched
// a constant number of times regardless of window size.
type windowAccumulator struct {
	kind  registry.AggregationKind
	sum   float64
	count int64
}

func newAccumulator(kind registry.AggregationKind) *windowAccumulator {
	return &windowAccumulator{kind: kind}
}

// Add incorporates a value entering the window.
func (a *windowAccumulator) Add(v float64) {
	a.sum += v
	a.count++
}

// Remove retires a value that has slid out of the window.
func (a *windowAccumulator) Remove(v float64) {
	a.sum -= v
	a.count--
}

// Result returns the aggregate over the events currently in the window,
// rounded to the given decimal precision for floating aggregates. Rounding
// at emission makes repeated computation over the same input byte-for-byte
// reproducible.
func (a *windowAccumulator) Result(precision int) float64 {
	switch a.kind {
	case registry.AggCount:
		return float64(a.count)
	case registry.AggSum:
		return roundTo(a.sum, precision)
	case registry.AggAvg:
		if a.count == 0 {
			return 0
		}
		return roundTo(a.sum/float64(a.count), precision)
	}
	return 0
}

// roundTo rounds v to the given number of decimal places.
func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}

// newAccumulatorSet builds one accumulator per aggregation in the window
// spec, in spec order.
func newAccumulatorSet(spec registry.WindowSpec) ([]*windowAccumulator, error) {
	accs := make([]*windowAccumulator, len(spec.Aggregations))
	for i, agg := range spec.Aggregations {
		switch agg.Kind {
		case registry.AggAvg, registry.AggCount, registry.AggSum:
			accs[i] = newAccumulator(agg.Kind)
		default:
			return nil, fmt.Errorf("compute: unknown aggregation kind %q", agg.Kind)
		}
	}
	return accs, nil
}
