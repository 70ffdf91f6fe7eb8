// Package persona loads the assistant configuration: the instruction
// text and the tool schemas offered to the model. The bundle is loaded
// lazily on first use and memoized for the process lifetime — the files
// are assumed static. Concurrent first callers share a single in-flight
// load, and a failed load leaves nothing cached so the next caller
// retries from scratch.
package persona

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/almanac-ai/almanac/internal/llm"
)

// InstructionsFile is the instruction text resource name.
const InstructionsFile = "instructions.md"

// ToolFiles lists the tool schema resources in the order they are
// offered to the model.
var ToolFiles = []string{
	"get_calendar.json",
	"schedule_event.json",
	"edit_event.json",
	"delete_event.json",
}

// Assistant is the immutable configuration bundle. It is shared by
// reference across all requests after the first successful load; the
// loader is the single writer.
type Assistant struct {
	Instructions string
	Tools        []llm.ToolSchema
}

// ToolNames returns the names declared by the loaded schemas, in order.
func (a *Assistant) ToolNames() []string {
	names := make([]string, len(a.Tools))
	for i, t := range a.Tools {
		names[i] = t.Name
	}
	return names
}

// Loader memoizes the assistant configuration read from an fs.FS
// (the embedded defaults or an override directory).
type Loader struct {
	fsys fs.FS

	group singleflight.Group

	mu     sync.Mutex
	loaded *Assistant
}

// NewLoader creates a loader over the given filesystem.
func NewLoader(fsys fs.FS) *Loader {
	return &Loader{fsys: fsys}
}

// Load returns the assistant configuration, reading it on first use.
// Safe for concurrent callers: during a cold start they all await the
// same underlying read rather than issuing duplicate ones. On failure
// nothing is cached, so a later call retries.
func (l *Loader) Load() (*Assistant, error) {
	l.mu.Lock()
	if l.loaded != nil {
		a := l.loaded
		l.mu.Unlock()
		return a, nil
	}
	l.mu.Unlock()

	v, err, _ := l.group.Do("assistant", func() (any, error) {
		a, err := l.read()
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.loaded = a
		l.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Assistant), nil
}

// read performs the actual filesystem reads and schema parsing.
func (l *Loader) read() (*Assistant, error) {
	instructions, err := fs.ReadFile(l.fsys, InstructionsFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", InstructionsFile, err)
	}

	tools := make([]llm.ToolSchema, 0, len(ToolFiles))
	for _, name := range ToolFiles {
		data, err := fs.ReadFile(l.fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var schema llm.ToolSchema
		if err := json.Unmarshal(data, &schema); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if schema.Name == "" {
			return nil, fmt.Errorf("parse %s: missing tool name", name)
		}
		tools = append(tools, schema)
	}

	return &Assistant{
		Instructions: string(instructions),
		Tools:        tools,
	}, nil
}
