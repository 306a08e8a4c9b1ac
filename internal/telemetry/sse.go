package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WriteSSE writes one envelope as a Server-Sent-Events frame: the event name
// is the envelope type, the data line is the JSON envelope.
func WriteSSE(w io.Writer, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("telemetry: marshal envelope: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, payload)
	return err
}

// Handler serves the bridge over HTTP: GET /events streams SSE frames
// (history replay, then live), GET /healthz answers ok.
type Handler struct {
	bridge *Bridge
	mux    *http.ServeMux
}

// NewHandler wires the SSE transport onto a bridge.
func NewHandler(bridge *Bridge) *Handler {
	h := &Handler{bridge: bridge, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /healthz", h.handleHealthz)
	h.mux.HandleFunc("GET /events", h.handleEvents)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","jobId":%q}`, h.bridge.JobID())
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	replay := r.URL.Query().Get("replay") != "false"
	ch, cancel := h.bridge.Subscribe(replay)
	defer cancel()

	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case env, open := <-ch:
			if !open {
				return
			}
			if err := WriteSSE(w, env); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
