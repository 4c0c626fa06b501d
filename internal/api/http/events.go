package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/feedsync/feedsync/internal/events"
)

// EventsHandler streams sync events as server-sent events.
type EventsHandler struct {
	bus  *events.Bus
	done <-chan struct{}
}

// NewEventsHandler creates an event stream handler. Streams end when done
// is closed.
func NewEventsHandler(bus *events.Bus, done <-chan struct{}) *EventsHandler {
	return &EventsHandler{bus: bus, done: done}
}

// ServeHTTP handles GET /v1/events?table=prefix[,prefix].
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream is disabled", requestID)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", requestID)
		return
	}

	var filters []string
	if t := r.URL.Query().Get("table"); t != "" {
		filters = strings.Split(t, ",")
	}
	sub := h.bus.Subscribe(filters...)
	defer h.bus.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", sub.ID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
