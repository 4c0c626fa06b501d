package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/feedsync/feedsync/internal/archive"
	"github.com/feedsync/feedsync/internal/manifest"
	"github.com/feedsync/feedsync/internal/syncer"
)

const defaultRunLimit = 50

// RunsHandler serves the run log, sync statistics and the snapshot list.
type RunsHandler struct {
	svc *syncer.Service
}

// NewRunsHandler creates a run log handler.
func NewRunsHandler(svc *syncer.Service) *RunsHandler {
	return &RunsHandler{svc: svc}
}

// List handles GET /v1/runs?table=&batch_id=&limit=.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if h.svc.Manifest() == nil {
		writeError(w, http.StatusServiceUnavailable, "manifest is disabled", requestID)
		return
	}

	q := r.URL.Query()
	filter := manifest.RunFilter{Table: q.Get("table"), BatchID: q.Get("batch_id"), Limit: defaultRunLimit}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", requestID)
			return
		}
		filter.Limit = n
	}

	runs, err := h.svc.Manifest().ListRuns(r.Context(), filter)
	if err != nil {
		writeFailure(w, err, requestID)
		return
	}
	if runs == nil {
		runs = []*manifest.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// Get handles GET /v1/runs/{id}.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if h.svc.Manifest() == nil {
		writeError(w, http.StatusServiceUnavailable, "manifest is disabled", requestID)
		return
	}
	run, err := h.svc.Manifest().GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, manifest.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error(), requestID)
		return
	}
	if err != nil {
		writeFailure(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Stats handles GET /v1/stats.
func (h *RunsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"last": h.svc.Last()}
	if s := h.svc.Stats(); s != nil {
		resp["tables"] = s.Snapshot()
		resp["failing"] = s.TopFailing(5)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Snapshots handles GET /v1/snapshots.
func (h *RunsHandler) Snapshots(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if h.svc.Archive() == nil {
		writeError(w, http.StatusServiceUnavailable, "archive is disabled", requestID)
		return
	}
	snaps, err := h.svc.Archive().List(r.Context())
	if err != nil {
		writeFailure(w, err, requestID)
		return
	}
	if snaps == nil {
		snaps = []archive.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snaps})
}
