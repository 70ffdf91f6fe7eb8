// Package tools executes the calendar tool calls requested by the
// model.
//
// This file defines sentinel error types for tool execution.
package tools

import "fmt"

// ErrUnsupportedTool is returned inside an error result when a tool
// call targets a name outside the fixed tool set. This is a model
// mistake, not a transient failure: the result is fed back so the
// model can correct itself, and the round continues.
type ErrUnsupportedTool struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrUnsupportedTool) Error() string {
	return fmt.Sprintf("tool %q is not supported", e.ToolName)
}
