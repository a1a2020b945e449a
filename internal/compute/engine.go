package compute

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"

	kerrors "github.com/kestrel-ml/kestrel/internal/errors"
	"github.com/kestrel-ml/kestrel/internal/registry"
	"github.com/kestrel-ml/kestrel/pkg/types"
)

// Summary reports the outcome of one computation batch. Malformed events
// are skipped and counted, never aborting the batch.
type Summary struct {
	EventsIn          int
	MalformedSkipped  int
	EntitiesProcessed int
	RowsOut           int
}

// Engine computes point-in-time feature rows from raw events. Computation
// is parallel across entities (there is no shared state between entity
// computations) and strictly sequential within one entity, where the
// sliding window carries an ordering dependency.
type Engine struct {
	concurrency int
	precision   int
}

// NewEngine creates an engine. concurrency <= 0 selects NumCPU workers;
// precision is the decimal rounding applied to floating aggregates.
func NewEngine(concurrency, precision int) *Engine {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	if precision < 0 {
		precision = 2
	}
	return &Engine{concurrency: concurrency, precision: precision}
}

// Run computes one FeatureRow per valid event: the row's feature values
// aggregate exactly the same-entity events inside (t - window, t], inclusive
// of the triggering event. Output rows are sorted by (entity_id, event_time)
// for deterministic downstream consumption.
func (e *Engine) Run(ctx context.Context, events []types.Event, view *registry.FeatureView) ([]types.FeatureRow, *Summary, error) {
	if view == nil {
		return nil, nil, kerrors.NewInternalError("compute: nil feature view", nil)
	}
	if err := view.Validate(); err != nil {
		return nil, nil, err
	}

	summary := &Summary{EventsIn: len(events)}

	// Partition by entity, dropping malformed events.
	byEntity := make(map[int64][]types.Event)
	for _, ev := range events {
		if err := ValidateEvent(ev); err != nil {
			summary.MalformedSkipped++
			continue
		}
		byEntity[ev.EntityID] = append(byEntity[ev.EntityID], ev)
	}
	summary.EntitiesProcessed = len(byEntity)

	entityIDs := make([]int64, 0, len(byEntity))
	for id := range byEntity {
		entityIDs = append(entityIDs, id)
	}
	sort.Slice(entityIDs, func(i, j int) bool { return entityIDs[i] < entityIDs[j] })

	// Fan entities out to a bounded worker pool.
	type result struct {
		entityID int64
		rows     []types.FeatureRow
		err      error
	}

	jobs := make(chan int64)
	results := make(chan result, len(entityIDs))

	var wg sync.WaitGroup
	workers := e.concurrency
	if workers > len(entityIDs) && len(entityIDs) > 0 {
		workers = len(entityIDs)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				rows, err := computeEntity(byEntity[id], view, e.precision)
				results <- result{entityID: id, rows: rows, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, id := range entityIDs {
			select {
			case jobs <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(results)

	if err := ctx.Err(); err != nil {
		return nil, summary, kerrors.Wrap(kerrors.ErrCategoryInternal, kerrors.CodeUnexpected,
			"compute: batch cancelled", err)
	}

	rowsByEntity := make(map[int64][]types.FeatureRow, len(entityIDs))
	for res := range results {
		if res.err != nil {
			return nil, summary, res.err
		}
		rowsByEntity[res.entityID] = res.rows
	}

	var rows []types.FeatureRow
	for _, id := range entityIDs {
		rows = append(rows, rowsByEntity[id]...)
	}
	summary.RowsOut = len(rows)

	log.Printf("compute: view=%s events=%d malformed=%d entities=%d rows=%d",
		view.Name, summary.EventsIn, summary.MalformedSkipped, summary.EntitiesProcessed, summary.RowsOut)
	return rows, summary, nil
}

// computeEntity runs the two-pointer sliding window over one entity's
// events. The current pointer visits timestamps in order; the window-start
// pointer only moves forward, retiring events whose timestamps have fallen
// out of (t - window, t]. Each event enters and leaves the accumulators
// exactly once, so the pass is O(n) after the sort.
func computeEntity(events []types.Event, view *registry.FeatureView, precision int) ([]types.FeatureRow, error) {
	sorted := make([]types.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EventTime < sorted[j].EventTime
	})

	accs, err := newAccumulatorSet(view.Window)
	if err != nil {
		return nil, err
	}
	windowMs := view.Window.Duration.Milliseconds()

	rows := make([]types.FeatureRow, 0, len(sorted))
	start := 0
	for cur := 0; cur < len(sorted); {
		// Events sharing one timestamp all fall inside each other's
		// window, so the whole group enters the accumulators before any
		// row at t is emitted. The rows for duplicates are identical.
		t := sorted[cur].EventTime
		groupEnd := cur
		for groupEnd < len(sorted) && sorted[groupEnd].EventTime == t {
			for _, acc := range accs {
				acc.Add(sorted[groupEnd].Value)
			}
			groupEnd++
		}

		// Retire events at or before the window's trailing edge. The
		// window is (t - d, t], so an event exactly d old is out.
		cutoff := t - windowMs
		for start < groupEnd && sorted[start].EventTime <= cutoff {
			for _, acc := range accs {
				acc.Remove(sorted[start].Value)
			}
			start++
		}

		for ; cur < groupEnd; cur++ {
			values := make(map[string]float64, len(accs))
			for i, agg := range view.Window.Aggregations {
				values[agg.Feature] = accs[i].Result(precision)
			}
			rows = append(rows, types.FeatureRow{
				EntityID:      sorted[cur].EntityID,
				EventTime:     t,
				FeatureValues: values,
			})
		}
	}
	return rows, nil
}

// ValidateEvent rejects events missing an entity id or timestamp.
func ValidateEvent(ev types.Event) error {
	if ev.EntityID == 0 {
		return kerrors.NewMalformedEventError("event has no entity id")
	}
	if ev.EventTime <= 0 {
		return kerrors.NewMalformedEventError(
			fmt.Sprintf("event for entity %d has no timestamp", ev.EntityID))
	}
	return nil
}
