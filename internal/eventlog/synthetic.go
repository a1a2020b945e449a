package eventlog

import (
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/kestrel-ml/kestrel/pkg/types"
)

// GeneratorConfig controls synthetic transaction generation.
type GeneratorConfig struct {
	// NumEvents is the number of transactions to generate
	NumEvents int

	// NumEntities is the number of distinct users
	NumEntities int

	// NumProducts is the number of distinct products
	NumProducts int

	// Days is how far back from BaseTime transactions are spread
	Days int

	// BaseTime is the upper bound of the generated range (defaults to now)
	BaseTime time.Time

	// Seed makes generation reproducible
	Seed int64
}

// DefaultGeneratorConfig mirrors the standard demo dataset: 100 transactions
// across 20 users and 50 products over the last 30 days.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		NumEvents:   100,
		NumEntities: 20,
		NumProducts: 50,
		Days:        30,
		Seed:        42,
	}
}

// Generate produces a deterministic synthetic transaction stream sorted by
// event time. Purchase amounts follow a gamma(2, 25) distribution, rounded
// to cents.
func Generate(cfg GeneratorConfig) []types.Event {
	if cfg.NumEvents <= 0 {
		cfg.NumEvents = 100
	}
	if cfg.NumEntities <= 0 {
		cfg.NumEntities = 20
	}
	if cfg.NumProducts <= 0 {
		cfg.NumProducts = 50
	}
	if cfg.Days <= 0 {
		cfg.Days = 30
	}
	base := cfg.BaseTime
	if base.IsZero() {
		base = time.Now().UTC()
	}
	start := base.AddDate(0, 0, -cfg.Days)

	rng := rand.New(rand.NewSource(cfg.Seed))
	events := make([]types.Event, 0, cfg.NumEvents)
	for i := 0; i < cfg.NumEvents; i++ {
		entityID := int64(rng.Intn(cfg.NumEntities) + 1)
		productID := 100 + rng.Intn(cfg.NumProducts)
		ts := start.Add(time.Duration(rng.Int63n(int64(cfg.Days) * int64(24*time.Hour))))

		// Gamma(shape=2, scale=25) as the sum of two exponentials.
		amount := -25.0 * math.Log(rng.Float64()*rng.Float64())
		amount = math.Round(amount*100) / 100

		events = append(events, types.Event{
			EntityID:  entityID,
			EventTime: ts.UnixMilli(),
			Value:     amount,
			Attributes: map[string]string{
				"product_id": strconv.Itoa(productID),
			},
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].EventTime < events[j].EventTime
	})
	return events
}

// WriteCSV writes events in the transaction CSV layout consumed by CSVReader.
func WriteCSV(path string, events []types.Event) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("eventlog: failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"user_id", "product_id", "timestamp", "purchase_amount"}); err != nil {
		return err
	}
	for _, ev := range events {
		record := []string{
			strconv.FormatInt(ev.EntityID, 10),
			ev.Attributes["product_id"],
			time.UnixMilli(ev.EventTime).UTC().Format(time.RFC3339),
			strconv.FormatFloat(ev.Value, 'f', 2, 64),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
