package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	kerrors "github.com/kestrel-ml/kestrel/internal/errors"
	"github.com/kestrel-ml/kestrel/internal/materialize"
	"github.com/kestrel-ml/kestrel/internal/registry"
	"github.com/kestrel-ml/kestrel/internal/retrieval"
	"github.com/kestrel-ml/kestrel/pkg/types"
)

// OnlineFeaturesRequest is the body of POST /v1/features/online.
type OnlineFeaturesRequest struct {
	View      string  `json:"view"`
	EntityIDs []int64 `json:"entity_ids"`
}

// OnlineFeaturesResponse is the response for online feature reads.
type OnlineFeaturesResponse struct {
	View      string                   `json:"view"`
	Results   []retrieval.OnlineResult `json:"results"`
	RequestID string                   `json:"request_id"`
}

// HistoricalFeaturesRequest is the body of POST /v1/features/historical.
type HistoricalFeaturesRequest struct {
	View  string           `json:"view"`
	Pairs []retrieval.Pair `json:"pairs"`
}

// HistoricalFeaturesResponse is the response for historical feature reads.
type HistoricalFeaturesResponse struct {
	View      string             `json:"view"`
	Results   []retrieval.Result `json:"results"`
	RequestID string             `json:"request_id"`
}

// MaterializeRequest is the body of POST /v1/materialize. Start and End are
// Unix milliseconds; both zero means "from the view's watermark up to now".
type MaterializeRequest struct {
	View  string `json:"view"`
	Start int64  `json:"start,omitempty"`
	End   int64  `json:"end,omitempty"`
}

// MaterializeResponse is the response for a materialization run.
type MaterializeResponse struct {
	Summary   *materialize.Summary `json:"summary"`
	RequestID string               `json:"request_id"`
}

// FeaturesHandler serves the feature store API.
type FeaturesHandler struct {
	registry     *registry.Registry
	historical   *retrieval.HistoricalReader
	online       *retrieval.OnlineReader
	materializer *materialize.Materializer
}

// NewFeaturesHandler creates the API handler over the retrieval readers and
// the materializer.
func NewFeaturesHandler(reg *registry.Registry, historical *retrieval.HistoricalReader, online *retrieval.OnlineReader, m *materialize.Materializer) *FeaturesHandler {
	return &FeaturesHandler{
		registry:     reg,
		historical:   historical,
		online:       online,
		materializer: m,
	}
}

// Register mounts the handler's routes on mux behind the default middleware.
func (h *FeaturesHandler) Register(mux *http.ServeMux) {
	chain := DefaultMiddleware()
	mux.Handle("/v1/features/online", chain(http.HandlerFunc(h.handleOnline)))
	mux.Handle("/v1/features/historical", chain(http.HandlerFunc(h.handleHistorical)))
	mux.Handle("/v1/materialize", chain(http.HandlerFunc(h.handleMaterialize)))
	mux.Handle("/healthz", chain(http.HandlerFunc(h.handleHealth)))
}

func (h *FeaturesHandler) handleOnline(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	var req OnlineFeaturesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}

	view, err := h.registry.View(req.View)
	if err != nil {
		writeKestrelError(w, err, requestID)
		return
	}

	results, err := h.online.GetOnline(r.Context(), view, req.EntityIDs)
	if err != nil {
		writeKestrelError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusOK, OnlineFeaturesResponse{
		View:      view.Name,
		Results:   results,
		RequestID: requestID,
	})
}

func (h *FeaturesHandler) handleHistorical(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	var req HistoricalFeaturesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}

	view, err := h.registry.View(req.View)
	if err != nil {
		writeKestrelError(w, err, requestID)
		return
	}

	results, err := h.historical.GetHistorical(r.Context(), view, req.Pairs)
	if err != nil {
		writeKestrelError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusOK, HistoricalFeaturesResponse{
		View:      view.Name,
		Results:   results,
		RequestID: requestID,
	})
}

func (h *FeaturesHandler) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	var req MaterializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}

	view, err := h.registry.View(req.View)
	if err != nil {
		writeKestrelError(w, err, requestID)
		return
	}

	summary, err := h.materializer.Run(r.Context(), view, types.TimeRange{Start: req.Start, End: req.End})
	if err != nil {
		writeKestrelError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusOK, MaterializeResponse{
		Summary:   summary,
		RequestID: requestID,
	})
}

func (h *FeaturesHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeKestrelError maps a structured error to an HTTP status.
func writeKestrelError(w http.ResponseWriter, err error, requestID string) {
	code := kerrors.GetCode(err)
	status := http.StatusInternalServerError

	switch kerrors.GetCategory(err) {
	case kerrors.ErrCategoryValidation:
		status = http.StatusBadRequest
		if code == kerrors.CodeUnknownView {
			status = http.StatusNotFound
		}
	case kerrors.ErrCategorySchema:
		status = http.StatusBadRequest
		if code == kerrors.CodeUnknownView {
			status = http.StatusNotFound
		}
	case kerrors.ErrCategoryStorage:
		if kerrors.IsRetryable(err) {
			status = http.StatusServiceUnavailable
		}
	case kerrors.ErrCategoryMaterialization:
		if code == kerrors.CodeWatermarkConflict {
			status = http.StatusConflict
		}
	}

	writeError(w, status, err.Error(), code, requestID)
}
