package eventlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	kerrors "github.com/kestrel-ml/kestrel/internal/errors"
	"github.com/kestrel-ml/kestrel/pkg/types"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transactions.csv")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCSVReaderParsesEvents(t *testing.T) {
	path := writeCSV(t, `user_id,product_id,timestamp,purchase_amount
7,101,2024-06-01T00:00:00Z,10.00
7,102,2024-06-02T00:00:00Z,20.00
8,103,2024-06-01 12:30:00,33.50
`)

	events, malformed, err := func() ([]types.Event, int, error) {
		it, err := NewCSVReader(path).Read(types.TimeRange{})
		if err != nil {
			t.Fatal(err)
		}
		return ReadAll(it)
	}()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if malformed != 0 {
		t.Errorf("malformed = %d, want 0", malformed)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}

	want := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	if events[0].EntityID != 7 || events[0].EventTime != want || events[0].Value != 10.00 {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[2].Attributes["product_id"] != "103" {
		t.Errorf("product_id attribute = %q", events[2].Attributes["product_id"])
	}
}

func TestCSVReaderSkipsMalformedRecords(t *testing.T) {
	path := writeCSV(t, `user_id,product_id,timestamp,purchase_amount
7,101,2024-06-01T00:00:00Z,10.00
,102,2024-06-02T00:00:00Z,20.00
8,103,not-a-time,30.00
9,104,2024-06-03T00:00:00Z,abc
10,105,2024-06-04T00:00:00Z,40.00
`)

	it, err := NewCSVReader(path).Read(types.TimeRange{})
	if err != nil {
		t.Fatal(err)
	}
	events, malformed, err := ReadAll(it)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if malformed != 3 {
		t.Errorf("malformed = %d, want 3", malformed)
	}
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}
}

func TestCSVReaderMalformedErrorCode(t *testing.T) {
	path := writeCSV(t, `user_id,product_id,timestamp,purchase_amount
,101,2024-06-01T00:00:00Z,10.00
`)
	it, err := NewCSVReader(path).Read(types.TimeRange{})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	if !it.Next() {
		t.Fatal("expected one record")
	}
	_, evErr := it.Event()
	if kerrors.GetCode(evErr) != kerrors.CodeMalformedEvent {
		t.Errorf("error code = %s, want MALFORMED_EVENT", kerrors.GetCode(evErr))
	}
}

func TestCSVReaderReportsActualLineNumbers(t *testing.T) {
	// A structural quoting error on line 3 must not derail the line
	// numbers reported for later malformed records.
	path := writeCSV(t, `user_id,product_id,timestamp,purchase_amount
7,101,2024-06-01T00:00:00Z,10.00
7,1"01,2024-06-03T00:00:00Z,30.00
,104,2024-06-04T00:00:00Z,40.00
`)
	it, err := NewCSVReader(path).Read(types.TimeRange{})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var messages []string
	for it.Next() {
		if _, evErr := it.Event(); evErr != nil {
			messages = append(messages, evErr.Error())
		}
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("malformed messages = %d, want 2: %v", len(messages), messages)
	}
	if !strings.Contains(messages[0], "line 3") {
		t.Errorf("quoting error reported %q, want line 3", messages[0])
	}
	if !strings.Contains(messages[1], "line 4") {
		t.Errorf("missing user_id reported %q, want line 4", messages[1])
	}
}

func TestCSVReaderTimeFilter(t *testing.T) {
	path := writeCSV(t, `user_id,product_id,timestamp,purchase_amount
1,101,2024-06-01T00:00:00Z,10.00
1,101,2024-06-05T00:00:00Z,20.00
1,101,2024-06-09T00:00:00Z,30.00
`)

	rng := types.TimeRange{
		Start: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC).UnixMilli(),
		End:   time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC).UnixMilli(),
	}
	it, err := NewCSVReader(path).Read(rng)
	if err != nil {
		t.Fatal(err)
	}
	events, _, err := ReadAll(it)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Value != 20.00 {
		t.Errorf("filtered events = %+v, want only the June 5 row", events)
	}
}

func TestCSVReaderMissingColumn(t *testing.T) {
	path := writeCSV(t, `user_id,product_id,amount
1,101,10.00
`)
	_, err := NewCSVReader(path).Read(types.TimeRange{})
	if kerrors.GetCode(err) != kerrors.CodeSchemaMismatch {
		t.Errorf("error code = %s, want SCHEMA_MISMATCH", kerrors.GetCode(err))
	}
}

func TestGenerateDeterministic(t *testing.T) {
	cfg := DefaultGeneratorConfig()
	cfg.BaseTime = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

	a := Generate(cfg)
	b := Generate(cfg)

	if len(a) != cfg.NumEvents {
		t.Fatalf("generated %d events, want %d", len(a), cfg.NumEvents)
	}
	for i := range a {
		if a[i].EntityID != b[i].EntityID || a[i].EventTime != b[i].EventTime || a[i].Value != b[i].Value {
			t.Fatalf("generation is not deterministic at index %d: %+v vs %+v", i, a[i], b[i])
		}
	}

	// Sorted by time, entity ids in range, positive amounts.
	for i, ev := range a {
		if i > 0 && ev.EventTime < a[i-1].EventTime {
			t.Fatal("events not sorted by event time")
		}
		if ev.EntityID < 1 || ev.EntityID > int64(cfg.NumEntities) {
			t.Fatalf("entity id %d out of range", ev.EntityID)
		}
		if ev.Value <= 0 {
			t.Fatalf("non-positive amount %g", ev.Value)
		}
	}
}

func TestGenerateRoundTripThroughCSV(t *testing.T) {
	cfg := DefaultGeneratorConfig()
	cfg.NumEvents = 25
	cfg.BaseTime = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	events := Generate(cfg)

	path := filepath.Join(t.TempDir(), "generated.csv")
	if err := WriteCSV(path, events); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	it, err := NewCSVReader(path).Read(types.TimeRange{})
	if err != nil {
		t.Fatal(err)
	}
	got, malformed, err := ReadAll(it)
	if err != nil {
		t.Fatal(err)
	}
	if malformed != 0 {
		t.Errorf("malformed = %d", malformed)
	}
	if len(got) != len(events) {
		t.Fatalf("round trip lost events: %d != %d", len(got), len(events))
	}
	for i := range got {
		if got[i].EntityID != events[i].EntityID || got[i].Value != events[i].Value {
			t.Fatalf("round trip mismatch at %d", i)
		}
		// CSV timestamps are second precision.
		if got[i].EventTime/1000 != events[i].EventTime/1000 {
			t.Fatalf("timestamp mismatch at %d", i)
		}
	}
}
