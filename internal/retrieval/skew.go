package retrieval

import (
	"context"
	"math"

	"github.com/kestrel-ml/kestrel/internal/registry"
)

// SkewReport compares online answers against historical answers at the
// online records' own valid-from instants. Matching answers mean the
// serving path and the training path agree on what the features were.
type SkewReport struct {
	Checked    int            `json:"checked"`
	Mismatches []SkewMismatch `json:"mismatches,omitempty"`
}

// SkewMismatch is one entity whose two paths disagree.
type SkewMismatch struct {
	EntityID   int64              `json:"entity_id"`
	Online     map[string]float64 `json:"online,omitempty"`
	Historical map[string]float64 `json:"historical,omitempty"`
}

// Checker cross-checks the online and historical retrieval paths.
type Checker struct {
	historical *HistoricalReader
	online     *OnlineReader
}

// NewChecker creates a skew checker over both readers.
func NewChecker(historical *HistoricalReader, online *OnlineReader) *Checker {
	return &Checker{historical: historical, online: online}
}

// Check reads each entity online, then replays the same lookup historically
// at the online record's valid-from instant. Entities absent online are
// skipped; they have nothing to compare.
func (c *Checker) Check(ctx context.Context, view *registry.FeatureView, entityIDs []int64) (*SkewReport, error) {
	onlineResults, err := c.online.GetOnline(ctx, view, entityIDs)
	if err != nil {
		return nil, err
	}

	var pairs []Pair
	byEntity := make(map[int64]OnlineResult)
	for _, res := range onlineResults {
		if !res.Found {
			continue
		}
		pairs = append(pairs, Pair{EntityID: res.EntityID, AsOf: res.ValidFrom})
		byEntity[res.EntityID] = res
	}

	report := &SkewReport{}
	if len(pairs) == 0 {
		return report, nil
	}

	historicalResults, err := c.historical.GetHistorical(ctx, view, pairs)
	if err != nil {
		return nil, err
	}

	for _, hist := range historicalResults {
		on := byEntity[hist.EntityID]
		report.Checked++
		if !hist.Found || !valuesEqual(on.FeatureValues, hist.FeatureValues) {
			report.Mismatches = append(report.Mismatches, SkewMismatch{
				EntityID:   hist.EntityID,
				Online:     on.FeatureValues,
				Historical: hist.FeatureValues,
			})
		}
	}
	return report, nil
}

func valuesEqual(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || math.Abs(va-vb) > 1e-9 {
			return false
		}
	}
	return true
}
