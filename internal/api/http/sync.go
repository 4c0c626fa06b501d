package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/feedsync/feedsync/internal/engine"
	"github.com/feedsync/feedsync/internal/syncer"
)

// SyncRequest is the body of POST /v1/sync. Every field is optional.
type SyncRequest struct {
	Mode     string   `json:"mode"`
	Policy   string   `json:"policy"`
	Tables   []string `json:"tables"`
	Snapshot string   `json:"snapshot"`
	Force    bool     `json:"force"`
	// Async queues a scheduled pass with the configured defaults instead of
	// running one inline.
	Async bool `json:"async"`
}

// TriggerResponse is returned for async sync requests.
type TriggerResponse struct {
	Queued    bool   `json:"queued"`
	RequestID string `json:"request_id"`
}

// SyncHandler handles POST /v1/sync.
type SyncHandler struct {
	svc     *syncer.Service
	trigger func() bool
}

// NewSyncHandler creates a sync handler. trigger may be nil when no
// scheduler runs.
func NewSyncHandler(svc *syncer.Service, trigger func() bool) *SyncHandler {
	return &SyncHandler{svc: svc, trigger: trigger}
}

// ServeHTTP runs or queues a pass.
func (h *SyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var body SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	if body.Async {
		if h.trigger == nil {
			writeError(w, http.StatusServiceUnavailable, "no scheduler is running", requestID)
			return
		}
		writeJSON(w, http.StatusAccepted, TriggerResponse{Queued: h.trigger(), RequestID: requestID})
		return
	}

	req := h.svc.Request("api")
	if body.Mode != "" {
		mode, ok := engine.ParseMode(body.Mode)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown mode "+body.Mode, requestID)
			return
		}
		req.Mode = mode
	}
	if body.Policy != "" {
		policy, ok := engine.ParseBatchPolicy(body.Policy)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown batch policy "+body.Policy, requestID)
			return
		}
		req.Policy = policy
	}
	if len(body.Tables) > 0 {
		req.Tables = body.Tables
	}
	req.Snapshot = body.Snapshot
	req.Force = body.Force

	rep, err := h.svc.Sync(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rep)
	case len(rep.Tables) == 0:
		writeFailure(w, err, requestID)
	default:
		// Some tables may have committed; the report carries each outcome.
		writeJSON(w, http.StatusUnprocessableEntity, rep)
	}
}
