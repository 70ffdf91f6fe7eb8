package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func completionBody(t *testing.T, msg Message) string {
	t.Helper()
	resp := map[string]any{
		"id":    "cmpl_1",
		"model": "test-model",
		"choices": []map[string]any{
			{"index": 0, "message": msg, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 5},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestChat(t *testing.T) {
	var gotWire chatCompletionRequest
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotWire)
		w.Write([]byte(completionBody(t, Message{Role: RoleAssistant, Content: "hello"})))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk-test", quiet())
	resp, err := c.Chat(context.Background(), ChatRequest{
		Model:    "test-model",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotWire.Model != "test-model" {
		t.Errorf("wire model = %q", gotWire.Model)
	}
	if resp.Message == nil || resp.Message.Content != "hello" {
		t.Errorf("message = %+v", resp.Message)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
}

func TestChat_ToolsOffered(t *testing.T) {
	var gotWire chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotWire)
		w.Write([]byte(completionBody(t, Message{Role: RoleAssistant, Content: "ok"})))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", quiet())
	_, err := c.Chat(context.Background(), ChatRequest{
		Model:    "test-model",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Tools: []ToolSchema{
			{Name: "get_calendar", Description: "list events", Parameters: map[string]any{"type": "object"}},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(gotWire.Tools) != 1 || gotWire.Tools[0].Type != "function" || gotWire.Tools[0].Function.Name != "get_calendar" {
		t.Errorf("wire tools = %+v", gotWire.Tools)
	}
	if gotWire.ToolChoice != "auto" {
		t.Errorf("tool choice = %q", gotWire.ToolChoice)
	}
}

func TestChat_JSONOnly(t *testing.T) {
	var gotWire chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotWire)
		w.Write([]byte(completionBody(t, Message{Role: RoleAssistant, Content: "{}"})))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", quiet())
	_, err := c.Chat(context.Background(), ChatRequest{
		Model:    "test-model",
		JSONOnly: true,
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotWire.ResponseFormat == nil || gotWire.ResponseFormat.Type != "json_object" {
		t.Errorf("response format = %+v", gotWire.ResponseFormat)
	}
	// JSONOnly pins the temperature explicitly, zero included.
	if gotWire.Temperature == nil || *gotWire.Temperature != 0 {
		t.Errorf("temperature = %v", gotWire.Temperature)
	}
}

func TestChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Invalid API key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad-key", quiet())
	_, err := c.Chat(context.Background(), ChatRequest{Model: "m", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "Invalid API key") {
		t.Errorf("error = %v", err)
	}
}

func TestChat_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"cmpl_1","model":"m","choices":[],"usage":{"prompt_tokens":1,"completion_tokens":0}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", quiet())
	resp, err := c.Chat(context.Background(), ChatRequest{Model: "m", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message != nil {
		t.Errorf("message = %+v, want nil", resp.Message)
	}
}

func TestRequestedCalls_Modern(t *testing.T) {
	m := Message{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{
			{ID: "call_a", Type: "function", Function: FunctionCall{Name: "get_calendar", Arguments: "{}"}},
			{Type: "function", Function: FunctionCall{Name: "delete_event", Arguments: `{"eventId":"E1"}`}},
		},
	}
	calls := m.RequestedCalls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].ID != "call_a" {
		t.Errorf("existing id replaced: %q", calls[0].ID)
	}
	// The second call had no id; one is synthesized.
	if calls[1].ID == "" || !strings.HasPrefix(calls[1].ID, "call_") {
		t.Errorf("synthesized id = %q", calls[1].ID)
	}
	// The original message is left untouched.
	if m.ToolCalls[1].ID != "" {
		t.Error("RequestedCalls mutated the message")
	}
}

func TestRequestedCalls_Legacy(t *testing.T) {
	m := Message{
		Role:         RoleAssistant,
		FunctionCall: &FunctionCall{Name: "schedule_event", Arguments: `{"summary":"x"}`},
	}
	calls := m.RequestedCalls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].Function.Name != "schedule_event" {
		t.Errorf("name = %q", calls[0].Function.Name)
	}
	if !strings.HasPrefix(calls[0].ID, "call_") {
		t.Errorf("legacy call id = %q", calls[0].ID)
	}
}

func TestRequestedCalls_None(t *testing.T) {
	m := Message{Role: RoleAssistant, Content: "plain answer"}
	if calls := m.RequestedCalls(); calls != nil {
		t.Errorf("calls = %v, want nil", calls)
	}
	empty := Message{Role: RoleAssistant, FunctionCall: &FunctionCall{}}
	if calls := empty.RequestedCalls(); calls != nil {
		t.Errorf("unnamed legacy call produced %v", calls)
	}
}
