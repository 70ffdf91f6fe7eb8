// Package agent implements the conversational orchestration loop: it
// turns one user utterance into zero or more calendar operations by
// driving a bounded sequence of model rounds, gating ambiguous
// mutations behind a clarification prompt, and streaming progress to
// the caller over the six-channel contract in package stream.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/almanac-ai/almanac/internal/auth"
	"github.com/almanac-ai/almanac/internal/events"
	"github.com/almanac-ai/almanac/internal/gate"
	"github.com/almanac-ai/almanac/internal/llm"
	"github.com/almanac-ai/almanac/internal/persona"
	"github.com/almanac-ai/almanac/internal/store"
	"github.com/almanac-ai/almanac/internal/stream"
	"github.com/almanac-ai/almanac/internal/timerange"
	"github.com/almanac-ai/almanac/internal/tools"
	"github.com/almanac-ai/almanac/internal/usage"
)

// MaxRounds bounds how many model calls one request may make. When the
// budget runs out the loop stops and tells the user it could not
// finish, rather than looping forever on a model that keeps asking for
// tools.
const MaxRounds = 8

// NotAuthenticatedText is the fixed reply for requests without a valid
// session.
const NotAuthenticatedText = "Not authenticated"

const (
	fallbackText  = "I couldn't come up with a response. Please try again."
	errorText     = "Something went wrong while handling your request. Please try again."
	exhaustedText = "I wasn't able to complete this request within the allowed number of steps. Please try a simpler request or split it up."
)

// Request is one incoming chat turn.
type Request struct {
	// ThreadID selects the conversation; empty means start a new one.
	ThreadID string
	// Question is the user's utterance.
	Question string
	// Credential authenticates the caller.
	Credential string
}

// Loop wires the collaborators of one request together. The zero value
// is not usable; construct with New.
type Loop struct {
	completer   llm.Completer
	model       string
	temperature float64
	persona     *persona.Loader
	extractor   *timerange.Extractor
	gate        *gate.Classifier
	dispatcher  *tools.Dispatcher
	threads     store.ThreadStore
	auth        auth.Authenticator
	bus         *events.Bus
	usage       *usage.Store
	logger      *slog.Logger
}

// Options carries the collaborators for New. Bus and Usage may be nil.
type Options struct {
	Completer   llm.Completer
	Model       string
	Temperature float64
	Persona     *persona.Loader
	Extractor   *timerange.Extractor
	Gate        *gate.Classifier
	Dispatcher  *tools.Dispatcher
	Threads     store.ThreadStore
	Auth        auth.Authenticator
	Bus         *events.Bus
	Usage       *usage.Store
	Logger      *slog.Logger
}

// New creates the orchestration loop.
func New(o Options) *Loop {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := o.Gate
	if g == nil {
		g = gate.New()
	}
	return &Loop{
		completer:   o.Completer,
		model:       o.Model,
		temperature: o.Temperature,
		persona:     o.Persona,
		extractor:   o.Extractor,
		gate:        g,
		dispatcher:  o.Dispatcher,
		threads:     o.Threads,
		auth:        o.Auth,
		bus:         o.Bus,
		usage:       o.Usage,
		logger:      logger,
	}
}

// Submit starts one request and returns its stream set immediately.
// The orchestration body runs detached; the caller never blocks on its
// completion, and dropping the set early only stops observation.
//
// An unauthenticated request short-circuits before any background work
// starts: the set carries an empty status, the fixed not-authenticated
// text, no GUI events, and is already closed.
func (l *Loop) Submit(ctx context.Context, req Request) *stream.Set {
	set := stream.NewSet()

	session := l.auth.Authenticate(ctx, req.Credential)
	if session == nil {
		l.logger.Warn("rejected unauthenticated request")
		set.PushStatus("")
		set.PushText(NotAuthenticatedText)
		set.Close()
		return set
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	// Once started the request runs to a terminal state; the caller's
	// context must not be able to cancel it mid-flight.
	go l.run(context.WithoutCancel(ctx), session, threadID, req.Question, set)

	return set
}

// run is the request body. Every exit path funnels through the single
// deferred finalizer, which completes all six streams exactly once.
func (l *Loop) run(ctx context.Context, session *auth.Session, threadID, question string, set *stream.Set) {
	started := time.Now()
	requestID := "r_" + uuid.New().String()
	logger := l.logger.With("request_id", requestID, "thread_id", threadID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("request panicked", "panic", r)
			set.PushStatus(stream.StatusError)
			set.PushText(errorText)
		}
		set.Close()
	}()

	l.bus.Publish(events.Event{
		Timestamp: started,
		Source:    events.SourceAgent,
		Kind:      events.KindRequestStart,
		Data:      map[string]any{"request_id": requestID, "thread_id": threadID},
	})

	set.PushThreadID(threadID)
	set.PushStatus(stream.StatusInit)
	set.PushMutations(0)

	assistant, err := l.persona.Load()
	if err != nil {
		logger.Error("assistant configuration load failed", "error", err)
		set.PushStatus(stream.StatusError)
		set.PushText(errorText)
		return
	}

	history := l.threads.Get(threadID)
	history = append(history, llm.Message{Role: llm.RoleUser, Content: question})

	now := time.Now()
	set.PushStatus(stream.StatusExtractRange)
	rng := l.extractor.Extract(ctx, question, now)
	set.PushRange(rng)
	l.publishRange(requestID, rng)

	st := state{
		logger:  logger,
		set:     set,
		session: session,
		rng:     rng,

		requestID: requestID,
		question:  question,
		assistant: assistant,
	}
	terminal := l.rounds(ctx, &st, &history, now)

	l.threads.Put(threadID, history)

	elapsed := time.Since(started)
	logger.Info("request complete",
		"terminal", terminal,
		"rounds", st.rounds,
		"tool_calls", st.toolCalls,
		"mutations", st.mutations,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindRequestComplete,
		Data: map[string]any{
			"request_id":       requestID,
			"thread_id":        threadID,
			"rounds":           st.rounds,
			"mutations":        st.mutations,
			"total_tokens_in":  st.tokensIn,
			"total_tokens_out": st.tokensOut,
			"elapsed_ms":       elapsed.Milliseconds(),
		},
	})
	l.record(ctx, requestID, threadID, terminal, &st, elapsed)
}

// state carries per-request counters and collaborators between rounds.
type state struct {
	logger  *slog.Logger
	set     *stream.Set
	session *auth.Session
	rng     *timerange.Range

	requestID string
	question  string
	assistant *persona.Assistant

	rounds    int
	toolCalls int
	mutations int
	tokensIn  int
	tokensOut int
}

// rounds drives the model-call-and-react cycle and returns the
// terminal state: "final", "clarification" or "error".
func (l *Loop) rounds(ctx context.Context, st *state, history *[]llm.Message, now time.Time) string {
	system := llm.Message{
		Role:    llm.RoleSystem,
		Content: l.systemPrompt(st.assistant.Instructions, st.session, now, st.rng),
	}

	for round := 1; round <= MaxRounds; round++ {
		st.rounds = round
		st.set.PushStatus(stream.StatusThinking)
		l.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgent,
			Kind:      events.KindLLMCall,
			Data:      map[string]any{"request_id": st.requestID, "round": round, "model": l.model},
		})

		msgs := make([]llm.Message, 0, len(*history)+1)
		msgs = append(msgs, system)
		msgs = append(msgs, *history...)

		resp, err := l.completer.Chat(ctx, llm.ChatRequest{
			Model:       l.model,
			Temperature: l.temperature,
			Messages:    msgs,
			Tools:       st.assistant.Tools,
		})
		if err != nil {
			st.logger.Error("model call failed", "round", round, "error", err)
			st.set.PushStatus(stream.StatusError)
			st.set.PushText(errorText)
			return "error"
		}
		st.tokensIn += resp.InputTokens
		st.tokensOut += resp.OutputTokens

		if resp.Message == nil {
			st.logger.Warn("model returned no message", "round", round)
			st.set.PushStatus(stream.StatusFinal)
			st.set.PushText(fallbackText)
			*history = append(*history, llm.Message{Role: llm.RoleAssistant, Content: fallbackText})
			return "final"
		}

		calls := resp.Message.RequestedCalls()
		l.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgent,
			Kind:      events.KindLLMResponse,
			Data: map[string]any{
				"request_id": st.requestID,
				"round":      round,
				"model":      resp.Model,
				"tokens_in":  resp.InputTokens,
				"tokens_out": resp.OutputTokens,
				"tool_calls": len(calls),
			},
		})

		if len(calls) == 0 {
			st.set.PushStatus(stream.StatusFinal)
			st.set.PushText(resp.Message.Content)
			*history = append(*history, llm.Message{Role: llm.RoleAssistant, Content: resp.Message.Content})
			return "final"
		}

		if l.gate.ShouldDefer(st.question, st.rng, calls) {
			// The pending tool calls are discarded, not answered:
			// only the clarification prompt enters history, so no
			// unresolved tool-call record survives the request.
			st.logger.Info("deferred mutating request for clarification", "round", round)
			st.set.PushStatus(stream.StatusClarification)
			st.set.PushText(gate.ClarificationPrompt)
			*history = append(*history, llm.Message{Role: llm.RoleAssistant, Content: gate.ClarificationPrompt})
			l.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceAgent,
				Kind:      events.KindClarification,
				Data:      map[string]any{"request_id": st.requestID},
			})
			return "clarification"
		}

		if resp.Message.Content != "" {
			st.set.PushText(resp.Message.Content)
		}
		*history = append(*history, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: calls,
		})

		// Sequential and in the order requested: later calls in the
		// same round may depend on earlier ones.
		for _, call := range calls {
			l.execute(ctx, st, history, call)
		}
	}

	st.logger.Warn("round budget exhausted", "rounds", MaxRounds)
	st.set.PushStatus(stream.StatusFinal)
	st.set.PushText(exhaustedText)
	*history = append(*history, llm.Message{Role: llm.RoleAssistant, Content: exhaustedText})
	return "final"
}

// execute runs one tool call and appends its result to history.
func (l *Loop) execute(ctx context.Context, st *state, history *[]llm.Message, call llm.ToolCall) {
	name := call.Function.Name
	st.toolCalls++
	st.set.PushStatus(stream.StatusRunningTool)
	st.set.PushGUI(stream.GUIEvent{Tool: name, Phase: "start"})
	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceTools,
		Kind:      events.KindToolCall,
		Data:      map[string]any{"request_id": st.requestID, "tool": name},
	})

	toolStart := time.Now()
	res := l.dispatcher.Execute(ctx, st.session, name, call.Function.Arguments)

	phase := "done"
	if res.IsError {
		phase = "error"
	}
	st.set.PushGUI(stream.GUIEvent{Tool: name, Phase: phase})
	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceTools,
		Kind:      events.KindToolDone,
		Data: map[string]any{
			"request_id":  st.requestID,
			"tool":        name,
			"ok":          !res.IsError,
			"mutated":     res.DidMutate,
			"duration_ms": time.Since(toolStart).Milliseconds(),
		},
	})

	*history = append(*history, llm.Message{
		Role:       llm.RoleTool,
		Content:    res.Output,
		ToolCallID: call.ID,
	})

	if res.DidMutate {
		st.mutations++
		st.set.PushMutations(st.mutations)
	}
}

// systemPrompt assembles the instructions plus runtime context the
// model needs on every round.
func (l *Loop) systemPrompt(instructions string, session *auth.Session, now time.Time, rng *timerange.Range) string {
	prompt := fmt.Sprintf("%s\n\nCurrent time: %s\nUser: %s",
		instructions, now.Format(time.RFC3339), session.Email)
	if rng != nil {
		prompt += fmt.Sprintf("\nLikely time window of interest: %s to %s",
			rng.Start.Format(time.RFC3339), rng.End.Format(time.RFC3339))
	}
	return prompt
}

func (l *Loop) publishRange(requestID string, rng *timerange.Range) {
	data := map[string]any{"request_id": requestID, "found": rng != nil}
	if rng != nil {
		data["start"] = rng.Start.Format(time.RFC3339)
		data["end"] = rng.End.Format(time.RFC3339)
	}
	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindRangeExtracted,
		Data:      data,
	})
}

// record persists the request accounting entry. Best-effort: a failed
// write is logged, never surfaced.
func (l *Loop) record(ctx context.Context, requestID, threadID, terminal string, st *state, elapsed time.Duration) {
	if l.usage == nil {
		return
	}
	err := l.usage.Record(ctx, usage.Record{
		RequestID:    requestID,
		ThreadID:     threadID,
		Model:        l.model,
		Status:       terminal,
		Rounds:       st.rounds,
		ToolCalls:    st.toolCalls,
		Mutations:    st.mutations,
		InputTokens:  st.tokensIn,
		OutputTokens: st.tokensOut,
		ElapsedMS:    elapsed.Milliseconds(),
	})
	if err != nil {
		st.logger.Warn("usage record failed", "error", err)
	}
}
