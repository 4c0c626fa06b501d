package http

import (
	"net/http"

	"github.com/feedsync/feedsync/internal/syncer"
)

// TableInfo is one entry of GET /v1/tables.
type TableInfo struct {
	Name          string `json:"name"`
	SchemaVersion int    `json:"schema_version,omitempty"`
	LastState     string `json:"last_state,omitempty"`
	LastRunID     string `json:"last_run_id,omitempty"`
}

// TablesHandler serves the table inspection endpoints. Every endpoint
// works against the last loaded feed revision; ?refresh=true fetches the
// source first and ?snapshot=<ref> loads an archived revision.
type TablesHandler struct {
	svc *syncer.Service
}

// NewTablesHandler creates a table inspection handler.
func NewTablesHandler(svc *syncer.Service) *TablesHandler {
	return &TablesHandler{svc: svc}
}

// load reloads the document when the request asks for it. It writes the
// error response and returns false on failure.
func (h *TablesHandler) load(w http.ResponseWriter, r *http.Request) bool {
	q := r.URL.Query()
	snapshot := q.Get("snapshot")
	if snapshot == "" && q.Get("refresh") != "true" {
		return true
	}
	if _, err := h.svc.Load(r.Context(), snapshot); err != nil {
		writeFailure(w, err, GetRequestID(r.Context()))
		return false
	}
	return true
}

// List handles GET /v1/tables.
func (h *TablesHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.load(w, r) {
		return
	}
	ctx := r.Context()
	out := []TableInfo{}
	for _, name := range h.svc.Engine().Tables() {
		info := TableInfo{Name: name}
		if m := h.svc.Manifest(); m != nil {
			if run, err := m.LatestRun(ctx, name); err == nil && run != nil {
				info.LastState = run.State
				info.LastRunID = run.RunID
			}
			if v, err := h.svc.Versions().GetCurrentVersion(ctx, name); err == nil {
				info.SchemaVersion = v
			}
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": out})
}

// DDL handles GET /v1/tables/{table}/ddl.
func (h *TablesHandler) DDL(w http.ResponseWriter, r *http.Request) {
	if !h.load(w, r) {
		return
	}
	table := r.PathValue("table")
	ddl, err := h.svc.Engine().DDLFor(table)
	if err != nil {
		writeFailure(w, err, GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"table": table, "ddl": ddl})
}

// Alter handles GET /v1/tables/{table}/alter.
func (h *TablesHandler) Alter(w http.ResponseWriter, r *http.Request) {
	if !h.load(w, r) {
		return
	}
	table := r.PathValue("table")
	stmt, pending, err := h.svc.Engine().AlterDeltaFor(r.Context(), table)
	if err != nil {
		writeFailure(w, err, GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"table": table, "pending": pending, "alter": stmt})
}

// Columns handles GET /v1/tables/{table}/columns.
func (h *TablesHandler) Columns(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	cols, err := h.svc.Engine().ColumnsOf(r.Context(), table)
	if err != nil {
		writeFailure(w, err, GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"table": table, "columns": cols})
}

// Preview handles GET /v1/tables/{table}/preview.
func (h *TablesHandler) Preview(w http.ResponseWriter, r *http.Request) {
	if !h.load(w, r) {
		return
	}
	table := r.PathValue("table")
	sql, err := h.svc.Engine().ReplaceSQL(r.Context(), table)
	if err != nil {
		writeFailure(w, err, GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"table": table, "sql": sql})
}

// Unique handles GET /v1/tables/{table}/unique?column=name.
func (h *TablesHandler) Unique(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	table := r.PathValue("table")
	column := r.URL.Query().Get("column")
	if column == "" {
		writeError(w, http.StatusBadRequest, "column is required", requestID)
		return
	}
	unique, err := h.svc.Engine().IsColumnUnique(r.Context(), table, column)
	if err != nil {
		writeFailure(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"table": table, "column": column, "unique": unique})
}

// Versions handles GET /v1/tables/{table}/versions.
func (h *TablesHandler) Versions(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if h.svc.Versions() == nil {
		writeError(w, http.StatusServiceUnavailable, "manifest is disabled", requestID)
		return
	}
	table := r.PathValue("table")
	versions, err := h.svc.Versions().ListVersions(r.Context(), table)
	if err != nil {
		writeFailure(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"table": table, "versions": versions})
}
