package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/almanac-ai/almanac/internal/auth"
	"github.com/almanac-ai/almanac/internal/calendar"
	"github.com/almanac-ai/almanac/internal/gate"
	"github.com/almanac-ai/almanac/internal/llm"
	"github.com/almanac-ai/almanac/internal/persona"
	"github.com/almanac-ai/almanac/internal/store"
	"github.com/almanac-ai/almanac/internal/stream"
	"github.com/almanac-ai/almanac/internal/timerange"
	"github.com/almanac-ai/almanac/internal/tools"
)

// scriptedCompleter returns canned responses in order. Calls past the
// end of the script repeat the last response.
type scriptedCompleter struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      []error
	calls     int
	requests  []llm.ChatRequest
}

func (c *scriptedCompleter) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	i := c.calls
	c.calls++
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	return c.responses[i], nil
}

func (c *scriptedCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// fakeProvider records calls and succeeds on everything.
type fakeProvider struct {
	mu      sync.Mutex
	deleted []string
}

func (p *fakeProvider) List(context.Context, string, string, time.Time, time.Time) ([]calendar.Event, error) {
	return []calendar.Event{{ID: "e1", Title: "Standup"}}, nil
}

func (p *fakeProvider) Insert(_ context.Context, _ string, _ string, data *calendar.EventData) (*calendar.Event, error) {
	return &calendar.Event{ID: "created", Title: data.Summary}, nil
}

func (p *fakeProvider) Update(_ context.Context, _ string, _ string, eventID string, _ *calendar.EventData) (*calendar.Event, error) {
	return &calendar.Event{ID: eventID}, nil
}

func (p *fakeProvider) Delete(_ context.Context, _ string, _ string, eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, eventID)
	return nil
}

func (p *fakeProvider) TimeZone(context.Context, string, string) (string, error) {
	return "UTC", nil
}

type allowAuth struct{}

func (allowAuth) Authenticate(context.Context, string) *auth.Session {
	return &auth.Session{Email: "user@example.com", AccessToken: "tok"}
}

type denyAuth struct{}

func (denyAuth) Authenticate(context.Context, string) *auth.Session { return nil }

// noRangeCompleter answers the extractor with nulls so tests exercise
// the "no hint" path deterministically.
type noRangeCompleter struct{}

func (noRangeCompleter) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Message: &llm.Message{Content: `{"start": null, "end": null}`}}, nil
}

func testPersona(t *testing.T) *persona.Loader {
	t.Helper()
	schema := func(name string) *fstest.MapFile {
		return &fstest.MapFile{Data: []byte(`{"name": "` + name + `", "description": "d", "parameters": {"type": "object"}}`)}
	}
	fsys := fstest.MapFS{
		"instructions.md":     &fstest.MapFile{Data: []byte("You are Almanac, a calendar assistant.")},
		"get_calendar.json":   schema("get_calendar"),
		"schedule_event.json": schema("schedule_event"),
		"edit_event.json":     schema("edit_event"),
		"delete_event.json":   schema("delete_event"),
	}
	return persona.NewLoader(fsys)
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestLoop(t *testing.T, completer llm.Completer, authn auth.Authenticator, threads store.ThreadStore) (*Loop, *fakeProvider) {
	t.Helper()
	provider := &fakeProvider{}
	logger := quiet()
	dispatcher := tools.NewDispatcher(provider, nil, nil, "primary", "UTC", logger)
	if threads == nil {
		threads = store.NewMemory(0)
	}
	loop := New(Options{
		Completer:  completer,
		Model:      "test-model",
		Persona:    testPersona(t),
		Extractor:  timerange.New(noRangeCompleter{}, "test-model", logger),
		Gate:       gate.New(),
		Dispatcher: dispatcher,
		Threads:    threads,
		Auth:       authn,
		Logger:     logger,
	})
	return loop, provider
}

// collected holds everything a request streamed, read to completion.
type collected struct {
	statuses  []string
	texts     []string
	gui       []stream.GUIEvent
	threadIDs []string
	mutations []int
	ranges    []*timerange.Range
}

// drain reads all six channels until every one is closed.
func drain(t *testing.T, set *stream.Set) collected {
	t.Helper()
	var c collected
	var wg sync.WaitGroup
	wg.Add(6)
	go func() {
		defer wg.Done()
		for v := range set.Status() {
			c.statuses = append(c.statuses, v)
		}
	}()
	go func() {
		defer wg.Done()
		for v := range set.Text() {
			c.texts = append(c.texts, v)
		}
	}()
	go func() {
		defer wg.Done()
		for v := range set.GUI() {
			c.gui = append(c.gui, v)
		}
	}()
	go func() {
		defer wg.Done()
		for v := range set.ThreadID() {
			c.threadIDs = append(c.threadIDs, v)
		}
	}()
	go func() {
		defer wg.Done()
		for v := range set.Mutations() {
			c.mutations = append(c.mutations, v)
		}
	}()
	go func() {
		defer wg.Done()
		for v := range set.Range() {
			c.ranges = append(c.ranges, v)
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out draining streams")
	}
	return c
}

func toolCallResponse(id, name, arguments string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: &llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{
				ID:       id,
				Type:     "function",
				Function: llm.FunctionCall{Name: name, Arguments: arguments},
			}},
		},
	}
}

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: &llm.Message{Role: llm.RoleAssistant, Content: text},
	}
}

func TestDeleteByID(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.ChatResponse{
		toolCallResponse("call_1", "delete_event", `{"eventId": "E123"}`),
		textResponse("Done, the event is deleted."),
	}}
	threads := store.NewMemory(0)
	loop, provider := newTestLoop(t, completer, allowAuth{}, threads)

	set := loop.Submit(context.Background(), Request{
		ThreadID: "thr-1",
		Question: "delete event with id E123",
	})
	c := drain(t, set)

	if len(provider.deleted) != 1 || provider.deleted[0] != "E123" {
		t.Fatalf("deleted = %v, want [E123]", provider.deleted)
	}
	if got := c.mutations[len(c.mutations)-1]; got != 1 {
		t.Errorf("final mutation count = %d, want 1", got)
	}
	// The extractor found no window; the range stream still completes,
	// emitting nil exactly once.
	if len(c.ranges) != 1 || c.ranges[0] != nil {
		t.Errorf("ranges = %v, want exactly one nil", c.ranges)
	}
	for _, text := range c.texts {
		if strings.Contains(text, "Could you tell me") {
			t.Errorf("unexpected clarification prompt in text: %q", text)
		}
	}

	history := threads.Get("thr-1")
	var sawToolResult bool
	for i, m := range history {
		if m.Role != llm.RoleTool {
			continue
		}
		sawToolResult = true
		if m.ToolCallID != "call_1" {
			t.Errorf("tool result id = %q, want call_1", m.ToolCallID)
		}
		if i == 0 || len(history[i-1].ToolCalls) == 0 {
			t.Error("tool result not preceded by an assistant tool-call message")
		}
	}
	if !sawToolResult {
		t.Error("history has no tool result message")
	}
}

func TestAmbiguousScheduleDefers(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.ChatResponse{
		toolCallResponse("call_1", "schedule_event", `{"summary": "复习"}`),
	}}
	threads := store.NewMemory(0)
	loop, provider := newTestLoop(t, completer, allowAuth{}, threads)

	set := loop.Submit(context.Background(), Request{
		ThreadID: "thr-1",
		Question: "安排一下复习，最近找时间",
	})
	c := drain(t, set)

	if len(c.texts) != 1 || c.texts[0] != gate.ClarificationPrompt {
		t.Fatalf("texts = %q, want exactly the clarification prompt", c.texts)
	}
	for _, n := range c.mutations {
		if n != 0 {
			t.Errorf("mutation count reached %d, want 0 throughout", n)
		}
	}
	if len(provider.deleted) != 0 {
		t.Error("provider saw a mutation despite deferral")
	}
	if completer.callCount() != 1 {
		// The gate ends the request before a second round.
		t.Errorf("completer calls = %d, want 1", completer.callCount())
	}

	history := threads.Get("thr-1")
	last := history[len(history)-1]
	if last.Role != llm.RoleAssistant || last.Content != gate.ClarificationPrompt {
		t.Errorf("last history message = %+v, want the clarification prompt", last)
	}
	if len(last.ToolCalls) != 0 {
		t.Error("deferred tool calls leaked into history")
	}
	for _, m := range history {
		if m.Role == llm.RoleTool || len(m.ToolCalls) != 0 {
			t.Errorf("unresolved tool-call record in history: %+v", m)
		}
	}
}

func TestUnauthenticatedShortCircuit(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.ChatResponse{textResponse("hi")}}
	loop, _ := newTestLoop(t, completer, denyAuth{}, nil)

	set := loop.Submit(context.Background(), Request{Question: "hello"})
	c := drain(t, set)

	if len(c.statuses) != 1 || c.statuses[0] != "" {
		t.Errorf("statuses = %q, want exactly one empty status", c.statuses)
	}
	if len(c.texts) != 1 || c.texts[0] != NotAuthenticatedText {
		t.Errorf("texts = %q, want [%q]", c.texts, NotAuthenticatedText)
	}
	if len(c.gui) != 0 {
		t.Errorf("gui events = %v, want none", c.gui)
	}
	if completer.callCount() != 0 {
		t.Errorf("completer called %d times, want 0 (no background task)", completer.callCount())
	}
}

func TestUnknownToolContinues(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.ChatResponse{
		toolCallResponse("call_1", "send_rocket", `{}`),
		textResponse("Sorry, I can't do that."),
	}}
	threads := store.NewMemory(0)
	loop, _ := newTestLoop(t, completer, allowAuth{}, threads)

	set := loop.Submit(context.Background(), Request{ThreadID: "thr-1", Question: "launch"})
	c := drain(t, set)

	if got := c.texts[len(c.texts)-1]; got != "Sorry, I can't do that." {
		t.Errorf("final text = %q, want the second-round answer", got)
	}
	for _, n := range c.mutations {
		if n != 0 {
			t.Errorf("mutation count reached %d, want 0", n)
		}
	}

	history := threads.Get("thr-1")
	var sawError bool
	for _, m := range history {
		if m.Role == llm.RoleTool && strings.Contains(m.Content, "unsupported tool") {
			sawError = true
		}
	}
	if !sawError {
		t.Error("history has no unsupported-tool error result")
	}
}

func TestRoundBudget(t *testing.T) {
	// A model that always asks for another read never terminates on
	// its own; the loop must stop after MaxRounds.
	completer := &scriptedCompleter{responses: []*llm.ChatResponse{
		toolCallResponse("call_x", "get_calendar",
			`{"start": "2026-08-29T00:00:00Z", "end": "2026-08-30T00:00:00Z"}`),
	}}
	loop, _ := newTestLoop(t, completer, allowAuth{}, nil)

	set := loop.Submit(context.Background(), Request{ThreadID: "thr-1", Question: "what's on?"})
	c := drain(t, set)

	if got := completer.callCount(); got != MaxRounds {
		t.Errorf("completer calls = %d, want %d", got, MaxRounds)
	}
	if got := c.texts[len(c.texts)-1]; got != exhaustedText {
		t.Errorf("final text = %q, want the exhausted notice", got)
	}
}

func TestModelFailureReportsError(t *testing.T) {
	completer := &scriptedCompleter{
		responses: []*llm.ChatResponse{nil},
		errs:      []error{errors.New("connection refused")},
	}
	loop, _ := newTestLoop(t, completer, allowAuth{}, nil)

	set := loop.Submit(context.Background(), Request{ThreadID: "thr-1", Question: "hi"})
	c := drain(t, set)

	if got := c.statuses[len(c.statuses)-1]; got != stream.StatusError {
		t.Errorf("final status = %q, want %q", got, stream.StatusError)
	}
	if got := c.texts[len(c.texts)-1]; got != errorText {
		t.Errorf("final text = %q, want the generic error text", got)
	}
}

func TestEmptyModelMessageFallback(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.ChatResponse{{Message: nil}}}
	loop, _ := newTestLoop(t, completer, allowAuth{}, nil)

	set := loop.Submit(context.Background(), Request{ThreadID: "thr-1", Question: "hi"})
	c := drain(t, set)

	if got := c.texts[len(c.texts)-1]; got != fallbackText {
		t.Errorf("final text = %q, want the fallback text", got)
	}
}

func TestAssignsThreadID(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.ChatResponse{textResponse("hello")}}
	loop, _ := newTestLoop(t, completer, allowAuth{}, nil)

	set := loop.Submit(context.Background(), Request{Question: "hi"})
	c := drain(t, set)

	if len(c.threadIDs) != 1 || c.threadIDs[0] == "" {
		t.Errorf("threadIDs = %q, want one generated id", c.threadIDs)
	}
}

func TestHistoryBounded(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.ChatResponse{textResponse("ok")}}
	threads := store.NewMemory(0)
	loop, _ := newTestLoop(t, completer, allowAuth{}, threads)

	for i := 0; i < 20; i++ {
		set := loop.Submit(context.Background(), Request{ThreadID: "thr-1", Question: "again"})
		drain(t, set)
	}

	if got := len(threads.Get("thr-1")); got > store.HistoryLimit {
		t.Errorf("history length = %d, want <= %d", got, store.HistoryLimit)
	}
}

func TestLegacyFunctionCall(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.ChatResponse{
		{
			Message: &llm.Message{
				Role:         llm.RoleAssistant,
				FunctionCall: &llm.FunctionCall{Name: "delete_event", Arguments: `{"eventId": "E9"}`},
			},
		},
		textResponse("Deleted."),
	}}
	threads := store.NewMemory(0)
	loop, provider := newTestLoop(t, completer, allowAuth{}, threads)

	set := loop.Submit(context.Background(), Request{ThreadID: "thr-1", Question: "delete event E9"})
	c := drain(t, set)

	if len(provider.deleted) != 1 || provider.deleted[0] != "E9" {
		t.Fatalf("deleted = %v, want [E9]", provider.deleted)
	}
	if got := c.mutations[len(c.mutations)-1]; got != 1 {
		t.Errorf("final mutation count = %d, want 1", got)
	}

	// The legacy form has no wire id; the synthesized one must still
	// correlate the result with the request.
	history := threads.Get("thr-1")
	for i, m := range history {
		if m.Role != llm.RoleTool {
			continue
		}
		if m.ToolCallID == "" {
			t.Error("tool result has no call id")
		}
		if i > 0 && len(history[i-1].ToolCalls) == 1 && history[i-1].ToolCalls[0].ID != m.ToolCallID {
			t.Error("tool result id does not match the synthesized request id")
		}
	}
}
