package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/almanac-ai/almanac/internal/agent"
	"github.com/almanac-ai/almanac/internal/timerange"
)

// ChatRequest is the POST /v1/chat body.
type ChatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}

// sseEvent pairs a named SSE event with its JSON payload.
type sseEvent struct {
	name string
	data any
}

// handleChat starts one chat request and relays its six streams to the
// client as named SSE events: status, text, gui, thread_id, mutations
// and range, followed by a final done event once all six completed.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	set := s.loop.Submit(r.Context(), agent.Request{
		ThreadID:   req.ThreadID,
		Question:   req.Message,
		Credential: bearerToken(r),
	})

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Fan the six channels into one ordered SSE feed. Each forwarder
	// drains its stream to completion; the feed closes when all six
	// have.
	feed := make(chan sseEvent, 64)
	var wg sync.WaitGroup
	forward := func(drain func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drain()
		}()
	}
	forward(func() {
		for v := range set.Status() {
			feed <- sseEvent{"status", map[string]string{"status": v}}
		}
	})
	forward(func() {
		for v := range set.Text() {
			feed <- sseEvent{"text", map[string]string{"text": v}}
		}
	})
	forward(func() {
		for v := range set.GUI() {
			feed <- sseEvent{"gui", v}
		}
	})
	forward(func() {
		for v := range set.ThreadID() {
			feed <- sseEvent{"thread_id", map[string]string{"thread_id": v}}
		}
	})
	forward(func() {
		for v := range set.Mutations() {
			feed <- sseEvent{"mutations", map[string]int{"mutations": v}}
		}
	})
	forward(func() {
		for v := range set.Range() {
			feed <- sseEvent{"range", rangePayload(v)}
		}
	})
	go func() {
		wg.Wait()
		close(feed)
	}()

	for evt := range feed {
		s.writeSSE(w, evt)
		flusher.Flush()
	}

	fmt.Fprintf(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}

// rangePayload keeps the caller-visible contract explicit: an absent
// range is a literal JSON null, not an omitted event.
func rangePayload(v *timerange.Range) map[string]any {
	if v == nil {
		return map[string]any{"range": nil}
	}
	return map[string]any{"range": v}
}

func (s *Server) writeSSE(w http.ResponseWriter, evt sseEvent) {
	data, err := json.Marshal(evt.data)
	if err != nil {
		s.logger.Debug("failed to marshal SSE payload", "event", evt.name, "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.name, data); err != nil {
		s.logger.Debug("failed to write SSE event", "event", evt.name, "error", err)
	}
}
