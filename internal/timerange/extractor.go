// Package timerange infers a calendar time window from free text. The
// inference is advisory: one deterministic completion call with a hard
// timeout and no retries, degrading to "no hint" on any failure. The
// surrounding request must never stall or abort because of it.
package timerange

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/almanac-ai/almanac/internal/llm"
)

// DefaultTimeout bounds the single extraction call.
const DefaultTimeout = 10 * time.Second

// Range is a half-open calendar window. End is always after Start.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

const systemPrompt = `You extract the calendar time window a question refers to.
Reply with strict JSON only: {"start": "<RFC 3339>", "end": "<RFC 3339>"}.
If the question implies no particular window, reply {"start": null, "end": null}.
Resolve relative expressions against the current time you are given. Never add commentary.`

// Extractor performs single-shot time window inference.
type Extractor struct {
	completer llm.Completer
	model     string
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates an extractor using the given completion service and model.
func New(completer llm.Completer, model string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		completer: completer,
		model:     model,
		timeout:   DefaultTimeout,
		logger:    logger.With("component", "timerange"),
	}
}

// Extract infers the time window the question refers to. It returns nil
// for "no confident inference": a model answer of nulls, malformed JSON,
// unparseable timestamps, a window that is not strictly positive, a
// transport failure, or the timeout all land there. It never returns an
// error.
func (e *Extractor) Extract(ctx context.Context, question string, now time.Time) *Range {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.completer.Chat(ctx, llm.ChatRequest{
		Model:       e.model,
		Temperature: 0,
		JSONOnly:    true,
		MaxTokens:   200,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: "Current time: " + now.Format(time.RFC3339) + "\nQuestion: " + question},
		},
	})
	if err != nil {
		e.logger.Debug("extraction call failed", "error", err)
		return nil
	}
	if resp.Message == nil {
		return nil
	}

	return parse(resp.Message.Content, e.logger)
}

// parse validates the model's JSON answer into a Range.
func parse(content string, logger *slog.Logger) *Range {
	var wire struct {
		Start *string `json:"start"`
		End   *string `json:"end"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &wire); err != nil {
		logger.Debug("extraction returned malformed JSON", "error", err)
		return nil
	}
	if wire.Start == nil || wire.End == nil {
		return nil
	}

	start, err := time.Parse(time.RFC3339, *wire.Start)
	if err != nil {
		logger.Debug("extraction start unparseable", "value", *wire.Start)
		return nil
	}
	end, err := time.Parse(time.RFC3339, *wire.End)
	if err != nil {
		logger.Debug("extraction end unparseable", "value", *wire.End)
		return nil
	}
	// A zero-length or inverted window is not a usable hint.
	if !end.After(start) {
		return nil
	}

	return &Range{Start: start, End: end}
}
