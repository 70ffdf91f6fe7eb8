// Package llm provides the completion service client.
package llm

import (
	"context"

	"github.com/google/uuid"
)

// Role values used in conversation transcripts.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the completion service.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// FunctionCall is the legacy single-function-call form still emitted
	// by some models. It carries no call identifier.
	FunctionCall *FunctionCall `json:"function_call,omitempty"`

	// ToolCallID correlates a tool-result message with the assistant
	// tool call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall represents one tool invocation requested by the model.
type ToolCall struct {
	// ID is assigned by the model. Synthesized when absent so history
	// bookkeeping always has a correlation key.
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names a function and carries its raw argument payload.
// Arguments is the wire string as the model produced it; it may be
// empty or malformed and is parsed defensively downstream.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// RequestedCalls normalizes the two wire shapes — modern tool_calls and
// the legacy single function_call — into one ordered list. Legacy calls
// have no identifier, so one is synthesized; downstream code then has a
// single path for gating, dispatch, and history bookkeeping.
func (m *Message) RequestedCalls() []ToolCall {
	if len(m.ToolCalls) > 0 {
		calls := make([]ToolCall, len(m.ToolCalls))
		copy(calls, m.ToolCalls)
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = "call_" + uuid.New().String()
			}
		}
		return calls
	}
	if m.FunctionCall != nil && m.FunctionCall.Name != "" {
		return []ToolCall{{
			ID:       "call_" + uuid.New().String(),
			Type:     "function",
			Function: *m.FunctionCall,
		}}
	}
	return nil
}

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	Model       string
	Temperature float64
	Messages    []Message

	// Tools, when non-empty, is offered with automatic tool choice.
	Tools []ToolSchema

	// JSONOnly forces a strict-JSON response (response_format json_object).
	JSONOnly bool

	MaxTokens int
}

// ChatResponse is the unified response from the completion service.
type ChatResponse struct {
	Model        string
	Message      *Message
	FinishReason string

	InputTokens  int
	OutputTokens int
}

// Completer is the completion service seen by the orchestrator. The
// single production implementation is [Client]; tests substitute fakes.
type Completer interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
