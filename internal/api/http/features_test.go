package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrel-ml/kestrel/internal/materialize"
	"github.com/kestrel-ml/kestrel/internal/offline"
	"github.com/kestrel-ml/kestrel/internal/online"
	"github.com/kestrel-ml/kestrel/internal/registry"
	"github.com/kestrel-ml/kestrel/internal/retrieval"
	"github.com/kestrel-ml/kestrel/pkg/types"
)

type testEnv struct {
	server  *httptest.Server
	offline *offline.Store
	online  *online.MemoryStore
	view    *registry.FeatureView
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	catalog, err := offline.NewCatalog(filepath.Join(dir, "segments.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })
	off := offline.NewStore(filepath.Join(dir, "segments"), catalog, nil, 0.01)

	wmStore, err := materialize.NewWatermarkStore(filepath.Join(dir, "watermarks.db"))
	if err != nil {
		t.Fatalf("failed to create watermark store: %v", err)
	}
	t.Cleanup(func() { wmStore.Close() })

	mem := online.NewMemoryStore()
	reg := registry.Default()

	handler := NewFeaturesHandler(
		reg,
		retrieval.NewHistoricalReader(off),
		retrieval.NewOnlineReader(mem),
		materialize.New(off, mem, wmStore),
	)
	mux := http.NewServeMux()
	handler.Register(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	view, err := reg.View("user_purchase_features")
	if err != nil {
		t.Fatalf("default view missing: %v", err)
	}

	return &testEnv{server: server, offline: off, online: mem, view: view}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func seedRows(t *testing.T, e *testEnv, rows []types.FeatureRow) {
	t.Helper()
	if _, err := e.offline.Append(context.Background(), e.view.Name, rows); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}

func featureRow(entityID, eventTime int64, avg, count float64) types.FeatureRow {
	return types.FeatureRow{
		EntityID:  entityID,
		EventTime: eventTime,
		FeatureValues: map[string]float64{
			"user_avg_3day_purchase_amount": avg,
			"user_total_transactions":       count,
		},
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("wrong health body: %+v", body)
	}
}

func TestMaterializeAndGetOnline(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UnixMilli()
	seedRows(t, e, []types.FeatureRow{
		featureRow(7, now-1000, 20, 3),
		featureRow(9, now-2000, 50.25, 1),
	})

	resp := e.post(t, "/v1/materialize", MaterializeRequest{
		View: e.view.Name, Start: now - 10000, End: now,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("materialize: expected 200, got %d", resp.StatusCode)
	}
	var mat MaterializeResponse
	decode(t, resp, &mat)
	if mat.Summary.EntitiesWritten != 2 {
		t.Errorf("wrong summary: %+v", mat.Summary)
	}
	if mat.RequestID == "" {
		t.Error("expected request_id in response")
	}

	resp = e.post(t, "/v1/features/online", OnlineFeaturesRequest{
		View: e.view.Name, EntityIDs: []int64{7, 999},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("online read: expected 200, got %d", resp.StatusCode)
	}
	var online OnlineFeaturesResponse
	decode(t, resp, &online)
	if len(online.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(online.Results))
	}
	if !online.Results[0].Found || online.Results[0].FeatureValues["user_avg_3day_purchase_amount"] != 20 {
		t.Errorf("entity 7: %+v", online.Results[0])
	}
	if online.Results[1].Found {
		t.Errorf("entity 999 should be absent: %+v", online.Results[1])
	}
}

func TestGetHistoricalEndpoint(t *testing.T) {
	e := newTestEnv(t)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	seedRows(t, e, []types.FeatureRow{featureRow(1, base, 12.5, 2)})

	resp := e.post(t, "/v1/features/historical", HistoricalFeaturesRequest{
		View: e.view.Name,
		Pairs: []retrieval.Pair{
			{EntityID: 1, AsOf: base + 1000},
			{EntityID: 1, AsOf: base - 1000},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var hist HistoricalFeaturesResponse
	decode(t, resp, &hist)
	if !hist.Results[0].Found || hist.Results[0].FeatureValues["user_avg_3day_purchase_amount"] != 12.5 {
		t.Errorf("first pair: %+v", hist.Results[0])
	}
	if hist.Results[1].Found {
		t.Errorf("second pair should be null: %+v", hist.Results[1])
	}
}

func TestUnknownViewIs404(t *testing.T) {
	e := newTestEnv(t)

	resp := e.post(t, "/v1/features/online", OnlineFeaturesRequest{
		View: "no_such_view", EntityIDs: []int64{1},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	var body ErrorResponse
	decode(t, resp, &body)
	if body.Code != "UNKNOWN_VIEW" {
		t.Errorf("expected UNKNOWN_VIEW code, got %+v", body)
	}
}

func TestValidationErrorsAre400(t *testing.T) {
	e := newTestEnv(t)

	// Empty entity list.
	resp := e.post(t, "/v1/features/online", OnlineFeaturesRequest{View: e.view.Name})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty entity list: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Inverted materialization range.
	resp = e.post(t, "/v1/materialize", MaterializeRequest{
		View: e.view.Name, Start: 2000, End: 1000,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("inverted range: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.server.URL + "/v1/features/online")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	e := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodGet, e.server.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "test-request-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "test-request-42" {
		t.Errorf("expected request ID echo, got %q", got)
	}
}
