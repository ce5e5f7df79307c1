package registration_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ms-registration/internal/models"

	"github.com/go-chi/chi/v5"
)

// StreamEvent streams the domain events of one campus event. The first
// frame is a Snapshot; an observer that falls behind gets a resync frame and
// the stream ends so the client reconnects for a fresh snapshot.
func (h *Handler) StreamEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Unknown events get a regular error response, not an empty stream
	if _, err := h.Service.Occupancy(ctx, eventID); err != nil {
		h.writeError(w, "StreamEvent", err)
		return
	}

	sub, err := h.Streamer.Subscribe(ctx, eventID)
	if err != nil {
		h.Logger.Error("SSE", fmt.Sprintf("Subscribe to %s failed: %v", eventID, err))
		http.Error(w, "Stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer h.Streamer.Unsubscribe(sub)

	h.setupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.Logger.Info("SSE", fmt.Sprintf("Client connected to event stream for event: %s", eventID))

	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	events := sub.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if sub.Dropped() {
					h.Logger.Warn("SSE", fmt.Sprintf("Observer %d of %s fell behind, asking for resync", sub.ID, eventID))
					fmt.Fprintf(w, "event: resync\ndata: {\"eventId\":%q}\n\n", eventID)
					flusher.Flush()
				}
				return
			}

			jsonData, err := json.Marshal(ev)
			if err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize domain event: %v", err))
				continue
			}
			writeFrame(w, ev, jsonData)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()

		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from event stream for: %s", eventID))
			return
		}
	}
}

func writeFrame(w http.ResponseWriter, ev models.DomainEvent, data []byte) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.SequenceNumber, ev.Kind, data)
}

// Helper function to set up SSE headers
func (h *Handler) setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Accel-Buffering", "no")
}
