// Package eventlog provides read access to the raw entity event log.
// The log itself is owned by an external ingestion collaborator; this
// package only consumes it.
package eventlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	kerrors "github.com/kestrel-ml/kestrel/internal/errors"
	"github.com/kestrel-ml/kestrel/pkg/types"
)

// Reader reads raw events for a time range.
type Reader interface {
	// Read returns an iterator over events whose event_time falls in rng.
	// A zero range means all retained history.
	Read(rng types.TimeRange) (Iterator, error)
}

// Iterator yields events one at a time. A malformed source record yields a
// MalformedEventError from Event() for that position; iteration continues
// past it so a single bad record never aborts the batch.
type Iterator interface {
	// Next advances to the next record. It returns false once the source
	// is exhausted or a non-recoverable read error occurred.
	Next() bool

	// Event returns the current event, or a MalformedEventError if the
	// current record could not be parsed.
	Event() (types.Event, error)

	// Err returns the first non-recoverable read error, if any.
	Err() error

	// Close releases the underlying source.
	Close() error
}

// CSVReader reads events from a transaction CSV file with the columns
// user_id, product_id, timestamp, purchase_amount (header required).
type CSVReader struct {
	path string
}

// NewCSVReader creates a reader over the given CSV file.
func NewCSVReader(path string) *CSVReader {
	return &CSVReader{path: path}
}

// Read opens the file and returns an iterator filtered to rng.
func (r *CSVReader) Read(rng types.TimeRange) (Iterator, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStoreUnavailable,
			fmt.Sprintf("failed to open event log %s", r.path), err)
	}

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1 // validated per record

	header, err := cr.Read()
	if err != nil {
		f.Close()
		return nil, kerrors.NewStorageError(kerrors.CodeScanFailed,
			fmt.Sprintf("failed to read header of %s", r.path), err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"user_id", "timestamp", "purchase_amount"} {
		if _, ok := cols[required]; !ok {
			f.Close()
			return nil, kerrors.NewSchemaMismatchError(
				fmt.Sprintf("event log %s is missing column %q", r.path, required))
		}
	}

	return &csvIterator{
		file: f,
		cr:   cr,
		cols: cols,
		rng:  rng,
	}, nil
}

type csvIterator struct {
	file *os.File
	cr   *csv.Reader
	cols map[string]int
	rng  types.TimeRange

	record []string
	line   int
	err    error
	done   bool
}

func (it *csvIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	for {
		record, err := it.cr.Read()
		if err == io.EOF {
			it.done = true
			return false
		}
		if err != nil {
			// CSV structural errors (quoting) are per-record; surface
			// them through Event() like any other malformed record.
			if parseErr, ok := err.(*csv.ParseError); ok {
				it.record = nil
				it.line = parseErr.Line
				return true
			}
			it.err = kerrors.NewStorageError(kerrors.CodeScanFailed, "event log read failed", err)
			return false
		}
		it.record = record
		it.line, _ = it.cr.FieldPos(0)

		// Apply the time filter eagerly so callers only see in-range
		// events; unparseable timestamps still surface as malformed.
		if !it.rng.IsZero() {
			if ts, err := it.parseTime(record); err == nil && !it.rng.Contains(ts) {
				continue
			}
		}
		return true
	}
}

func (it *csvIterator) Event() (types.Event, error) {
	if it.record == nil {
		return types.Event{}, kerrors.NewMalformedEventError(
			fmt.Sprintf("line %d: unparseable record", it.line))
	}

	get := func(name string) string {
		idx := it.cols[name]
		if idx >= len(it.record) {
			return ""
		}
		return strings.TrimSpace(it.record[idx])
	}

	entityRaw := get("user_id")
	if entityRaw == "" {
		return types.Event{}, kerrors.NewMalformedEventError(
			fmt.Sprintf("line %d: missing user_id", it.line))
	}
	entityID, err := strconv.ParseInt(entityRaw, 10, 64)
	if err != nil {
		return types.Event{}, kerrors.NewMalformedEventError(
			fmt.Sprintf("line %d: invalid user_id %q", it.line, entityRaw))
	}

	ts, err := it.parseTime(it.record)
	if err != nil {
		return types.Event{}, kerrors.NewMalformedEventError(
			fmt.Sprintf("line %d: %v", it.line, err))
	}

	amountRaw := get("purchase_amount")
	amount, err := strconv.ParseFloat(amountRaw, 64)
	if err != nil {
		return types.Event{}, kerrors.NewMalformedEventError(
			fmt.Sprintf("line %d: invalid purchase_amount %q", it.line, amountRaw))
	}

	ev := types.Event{
		EntityID:  entityID,
		EventTime: ts,
		Value:     amount,
	}
	if idx, ok := it.cols["product_id"]; ok && idx < len(it.record) {
		ev.Attributes = map[string]string{"product_id": strings.TrimSpace(it.record[idx])}
	}
	return ev, nil
}

func (it *csvIterator) parseTime(record []string) (int64, error) {
	idx := it.cols["timestamp"]
	if idx >= len(record) {
		return 0, fmt.Errorf("missing timestamp")
	}
	raw := strings.TrimSpace(record[idx])
	if raw == "" {
		return 0, fmt.Errorf("missing timestamp")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("invalid timestamp %q", raw)
}

func (it *csvIterator) Err() error {
	return it.err
}

func (it *csvIterator) Close() error {
	return it.file.Close()
}

// SliceReader serves a fixed event slice; used by tests and the query mode.
type SliceReader struct {
	Events []types.Event
}

// Read returns an iterator over the in-range subset of the slice.
func (r *SliceReader) Read(rng types.TimeRange) (Iterator, error) {
	var filtered []types.Event
	for _, ev := range r.Events {
		if rng.IsZero() || rng.Contains(ev.EventTime) {
			filtered = append(filtered, ev)
		}
	}
	return &sliceIterator{events: filtered, pos: -1}, nil
}

type sliceIterator struct {
	events []types.Event
	pos    int
}

func (it *sliceIterator) Next() bool {
	it.pos++
	return it.pos < len(it.events)
}

func (it *sliceIterator) Event() (types.Event, error) { return it.events[it.pos], nil }
func (it *sliceIterator) Err() error                  { return nil }
func (it *sliceIterator) Close() error                { return nil }

// ReadAll drains an iterator, returning parsed events and the count of
// malformed records skipped.
func ReadAll(it Iterator) ([]types.Event, int, error) {
	defer it.Close()

	var events []types.Event
	malformed := 0
	for it.Next() {
		ev, err := it.Event()
		if err != nil {
			malformed++
			continue
		}
		events = append(events, ev)
	}
	if err := it.Err(); err != nil {
		return nil, malformed, err
	}
	return events, malformed, nil
}
