package timerange

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/almanac-ai/almanac/internal/llm"
)

// canned returns a completer that always answers with the given content.
type canned struct {
	content string
	err     error
	delay   time.Duration
	gotReq  llm.ChatRequest
}

func (c *canned) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	c.gotReq = req
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.delay):
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return &llm.ChatResponse{
		Message: &llm.Message{Role: llm.RoleAssistant, Content: c.content},
	}, nil
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func TestExtract_ConfidentWindow(t *testing.T) {
	c := &canned{content: `{"start": "2026-08-30T00:00:00+08:00", "end": "2026-08-31T00:00:00+08:00"}`}
	e := New(c, "test-model", quiet())

	got := e.Extract(context.Background(), "what's on tomorrow", time.Now())
	if got == nil {
		t.Fatal("expected a range, got nil")
	}
	wantStart, _ := time.Parse(time.RFC3339, "2026-08-30T00:00:00+08:00")
	if !got.Start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", got.Start, wantStart)
	}
	if !got.End.After(got.Start) {
		t.Errorf("end %v not after start %v", got.End, got.Start)
	}
}

func TestExtract_RequestShape(t *testing.T) {
	c := &canned{content: `{"start": null, "end": null}`}
	e := New(c, "test-model", quiet())

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	e.Extract(context.Background(), "hello", now)

	if c.gotReq.Model != "test-model" {
		t.Errorf("model = %q", c.gotReq.Model)
	}
	if !c.gotReq.JSONOnly {
		t.Error("extraction must request strict JSON")
	}
	if c.gotReq.Temperature != 0 {
		t.Errorf("temperature = %v, want 0", c.gotReq.Temperature)
	}
	last := c.gotReq.Messages[len(c.gotReq.Messages)-1]
	if !strings.Contains(last.Content, now.Format(time.RFC3339)) {
		t.Errorf("user message missing current time: %q", last.Content)
	}
	if !strings.Contains(last.Content, "hello") {
		t.Errorf("user message missing question: %q", last.Content)
	}
}

func TestExtract_DegradesToNil(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     error
	}{
		{"nulls", `{"start": null, "end": null}`, nil},
		{"malformed", `the window is tomorrow`, nil},
		{"unparseable_start", `{"start": "tomorrow", "end": "2026-08-31T00:00:00Z"}`, nil},
		{"unparseable_end", `{"start": "2026-08-30T00:00:00Z", "end": "soon"}`, nil},
		{"inverted", `{"start": "2026-08-31T00:00:00Z", "end": "2026-08-30T00:00:00Z"}`, nil},
		{"zero_length", `{"start": "2026-08-30T00:00:00Z", "end": "2026-08-30T00:00:00Z"}`, nil},
		{"missing_end", `{"start": "2026-08-30T00:00:00Z"}`, nil},
		{"transport_error", "", errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &canned{content: tt.content, err: tt.err}
			e := New(c, "test-model", quiet())
			if got := e.Extract(context.Background(), "q", time.Now()); got != nil {
				t.Errorf("expected nil, got %+v", got)
			}
		})
	}
}

func TestExtract_Timeout(t *testing.T) {
	c := &canned{content: `{"start": null, "end": null}`, delay: time.Minute}
	e := New(c, "test-model", quiet())
	e.timeout = 50 * time.Millisecond

	start := time.Now()
	got := e.Extract(context.Background(), "q", time.Now())
	if got != nil {
		t.Errorf("expected nil on timeout, got %+v", got)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("extraction did not honor its timeout: %v", elapsed)
	}
}

func TestExtract_NilMessage(t *testing.T) {
	e := New(nilMessageCompleter{}, "test-model", quiet())
	if got := e.Extract(context.Background(), "q", time.Now()); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

type nilMessageCompleter struct{}

func (nilMessageCompleter) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{}, nil
}
