package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/almanac-ai/almanac/internal/auth"
	"github.com/almanac-ai/almanac/internal/config"
	"github.com/almanac-ai/almanac/internal/llm"
	"github.com/almanac-ai/almanac/internal/store"
)

const testAPIKey = "test-key"

func testServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	authn := auth.NewStatic(config.AuthConfig{APIKey: testAPIKey, UserEmail: "user@example.com"})
	return NewServer("127.0.0.1", 0, nil, store.NewMemory(0), nil, nil, authn, logger)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"present", "Bearer secret-token", "secret-token"},
		{"missing", "", ""},
		{"wrong_scheme", "Basic dXNlcg==", ""},
		{"bare_token", "secret-token", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := bearerToken(r); got != tt.want {
				t.Errorf("bearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	s := testServer(t)
	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %q, want healthy", body["status"])
	}
}

func TestThreadListEmpty(t *testing.T) {
	s := testServer(t)
	w := httptest.NewRecorder()
	s.handleThreadList(w, httptest.NewRequest(http.MethodGet, "/v1/threads", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Count != 0 {
		t.Errorf("count = %d, want 0", body.Count)
	}
}

func TestThreadGetNotFound(t *testing.T) {
	s := testServer(t)
	r := httptest.NewRequest(http.MethodGet, "/v1/threads/nope", nil)
	r.SetPathValue("id", "nope")
	w := httptest.NewRecorder()
	s.handleThreadGet(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestThreadGet(t *testing.T) {
	s := testServer(t)
	s.threads.Put("thr-1", []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "hi there"},
	})

	r := httptest.NewRequest(http.MethodGet, "/v1/threads/thr-1", nil)
	r.SetPathValue("id", "thr-1")
	w := httptest.NewRecorder()
	s.handleThreadGet(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		ID       string        `json:"id"`
		Messages []llm.Message `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.ID != "thr-1" || len(body.Messages) != 2 {
		t.Errorf("got id=%q messages=%d, want thr-1 with 2 messages", body.ID, len(body.Messages))
	}
}

func TestThreadTranscriptHTML(t *testing.T) {
	s := testServer(t)
	s.threads.Put("thr-1", []llm.Message{
		{Role: llm.RoleUser, Content: "What's on **today**?"},
		{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{
				{ID: "call_1", Function: llm.FunctionCall{Name: "get_calendar"}},
			},
		},
		{Role: llm.RoleTool, ToolCallID: "call_1", Content: `[]`},
		{Role: llm.RoleAssistant, Content: "Nothing scheduled today."},
	})

	r := httptest.NewRequest(http.MethodGet, "/v1/threads/thr-1/html", nil)
	r.SetPathValue("id", "thr-1")
	w := httptest.NewRecorder()
	s.handleThreadTranscript(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	html := w.Body.String()
	if !strings.Contains(html, "<strong>today</strong>") {
		t.Error("user markdown not rendered")
	}
	if !strings.Contains(html, "get_calendar") {
		t.Error("tool call summary missing")
	}
	if !strings.Contains(html, "Nothing scheduled today.") {
		t.Error("assistant answer missing")
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
}

func TestWithAuth_RejectsAnonymousThreadRead(t *testing.T) {
	s := testServer(t)
	s.threads.Put("thr-1", []llm.Message{
		{Role: llm.RoleUser, Content: "delete my 1:1 with Alice"},
	})

	r := httptest.NewRequest(http.MethodGet, "/v1/threads/thr-1", nil)
	r.SetPathValue("id", "thr-1")
	w := httptest.NewRecorder()
	s.withAuth(s.handleThreadGet)(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if strings.Contains(w.Body.String(), "Alice") {
		t.Error("transcript content leaked to an anonymous caller")
	}
}

func TestWithAuth_RejectsWrongToken(t *testing.T) {
	s := testServer(t)
	for _, header := range []string{"Bearer wrong-key", "Basic dXNlcg=="} {
		r := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
		r.Header.Set("Authorization", header)
		w := httptest.NewRecorder()
		s.withAuth(s.handleThreadList)(w, r)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, w.Code)
		}
	}
}

func TestWithAuth_AllowsValidToken(t *testing.T) {
	s := testServer(t)
	r := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	r.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	s.withAuth(s.handleThreadList)(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestWithAuth_NilAuthenticatorRejectsAll(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	s := NewServer("127.0.0.1", 0, nil, store.NewMemory(0), nil, nil, nil, logger)

	r := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	r.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	s.withAuth(s.handleUsage)(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	s := testServer(t)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message": ""}`))
	w := httptest.NewRecorder()
	s.handleChat(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestChatRejectsMalformedBody(t *testing.T) {
	s := testServer(t)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{not json`))
	w := httptest.NewRecorder()
	s.handleChat(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestUsageUnconfigured(t *testing.T) {
	s := testServer(t)
	w := httptest.NewRecorder()
	s.handleUsage(w, httptest.NewRequest(http.MethodGet, "/v1/usage", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
