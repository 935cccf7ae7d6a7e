package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kabili207/rollcall/pkg/session"
)

// SSE endpoint for session events
func (wr *WebRouter) eventsSSE(w http.ResponseWriter, r *http.Request) {
	// Check if SSE is supported
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	if wr.Notifier == nil {
		wr.log().Warn("SSE endpoint called but Notifier is nil")
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events := wr.Notifier.Subscribe()
	defer wr.Notifier.Unsubscribe(events)

	ctx := r.Context()

	heartbeat := wr.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	send := func(ev session.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// Send the current state first
	initial := session.Event{Kind: session.EventState, Time: time.Now(), State: session.Idle.String()}
	if c := wr.Host.Current(); c != nil {
		initial.State = c.State().String()
		if sess := c.Session(); sess != nil {
			initial.SessionID = sess.ID
		}
	}
	if err := send(initial); err != nil {
		wr.log().Error("error sending initial SSE data", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := send(ev); err != nil {
				wr.log().Debug("error sending SSE update", "error", err)
				return
			}
		case <-ticker.C:
			// Send heartbeat comment to keep connection alive
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
