package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/almanac-ai/almanac/internal/llm"
)

// handleThreadTranscript renders a thread as a standalone HTML page.
// Assistant prose is markdown and rendered as such; tool traffic is
// summarized rather than dumped.
func (s *Server) handleThreadTranscript(w http.ResponseWriter, r *http.Request) {
	if s.threads == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "thread store not configured")
		return
	}

	id := r.PathValue("id")
	messages := s.threads.Get(id)
	if len(messages) == 0 {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}

	md := transcriptMarkdown(id, messages)

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		s.logger.Error("transcript render failed", "thread_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "transcript render failed")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Thread %s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 48em; margin: 2em auto;">
%s
</body></html>`, id, buf.String())
}

// transcriptMarkdown flattens a conversation into markdown.
func transcriptMarkdown(id string, messages []llm.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Thread %s\n\n", id)
	for _, m := range messages {
		switch m.Role {
		case llm.RoleUser:
			b.WriteString("### User\n\n")
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		case llm.RoleAssistant:
			b.WriteString("### Almanac\n\n")
			if m.Content != "" {
				b.WriteString(m.Content)
				b.WriteString("\n\n")
			}
			for _, call := range m.ToolCalls {
				fmt.Fprintf(&b, "*requested `%s`*\n\n", call.Function.Name)
			}
		case llm.RoleTool:
			fmt.Fprintf(&b, "*tool result for `%s`*\n\n", m.ToolCallID)
		}
	}
	return b.String()
}
