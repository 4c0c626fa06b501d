package http

import (
	"net/http"

	"github.com/feedsync/feedsync/internal/syncer"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// Trigger queues a scheduled pass; nil disables async sync requests.
	Trigger func() bool
	// Middleware wraps every route after the default chain.
	Middleware []func(http.Handler) http.Handler
	// Done ends open event streams when closed.
	Done <-chan struct{}
}

// NewRouter builds the API handler.
func NewRouter(svc *syncer.Service, opts RouterOptions) http.Handler {
	tables := NewTablesHandler(svc)
	runs := NewRunsHandler(svc)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("POST /v1/sync", NewSyncHandler(svc, opts.Trigger))
	mux.HandleFunc("GET /v1/tables", tables.List)
	mux.HandleFunc("GET /v1/tables/{table}/ddl", tables.DDL)
	mux.HandleFunc("GET /v1/tables/{table}/alter", tables.Alter)
	mux.HandleFunc("GET /v1/tables/{table}/columns", tables.Columns)
	mux.HandleFunc("GET /v1/tables/{table}/preview", tables.Preview)
	mux.HandleFunc("GET /v1/tables/{table}/unique", tables.Unique)
	mux.HandleFunc("GET /v1/tables/{table}/versions", tables.Versions)
	mux.HandleFunc("GET /v1/runs", runs.List)
	mux.HandleFunc("GET /v1/runs/{id}", runs.Get)
	mux.HandleFunc("GET /v1/stats", runs.Stats)
	mux.HandleFunc("GET /v1/snapshots", runs.Snapshots)
	mux.Handle("GET /v1/events", NewEventsHandler(svc.Events(), opts.Done))

	chain := append([]func(http.Handler) http.Handler{DefaultMiddleware()}, opts.Middleware...)
	return ChainMiddleware(chain...)(mux)
}
