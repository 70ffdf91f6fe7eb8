// Package stream defines the six-channel progress contract a chat
// request exposes to its caller: status phase labels, assistant text,
// tool-progress GUI events, the thread id, a monotonically increasing
// mutation counter, and the advisory extracted time range. The caller
// receives the Set before the orchestration body starts; the body runs
// detached and writes as it goes.
//
// Writes never block and never fail: a caller that stops reading
// simply misses later values. Close is idempotent and closes all six
// channels in one step, so every exit path of the producer finalizes
// the contract exactly once.
package stream

import (
	"sync"

	"github.com/almanac-ai/almanac/internal/timerange"
)

// Status phase labels emitted on the status channel.
const (
	StatusInit          = "init"
	StatusExtractRange  = "extract_range"
	StatusThinking      = "thinking"
	StatusRunningTool   = "running_tool"
	StatusFinal         = "final"
	StatusClarification = "clarification"
	StatusError         = "error"
)

// GUIEvent is one tool-progress update for a rendering client.
type GUIEvent struct {
	Tool   string `json:"tool"`
	Phase  string `json:"phase"` // "start", "done" or "error"
	Detail string `json:"detail,omitempty"`
}

// Set owns the six output channels of one request. Create with NewSet,
// hand the receive side to the caller, and Close from the producer
// when the request reaches a terminal state.
type Set struct {
	status    chan string
	text      chan string
	gui       chan GUIEvent
	threadID  chan string
	mutations chan int
	rng       chan *timerange.Range

	closeOnce sync.Once
}

// NewSet creates a channel set with buffers sized so an unread caller
// does not stall the producer before the drop policy kicks in.
func NewSet() *Set {
	return &Set{
		status:    make(chan string, 16),
		text:      make(chan string, 64),
		gui:       make(chan GUIEvent, 32),
		threadID:  make(chan string, 1),
		mutations: make(chan int, 16),
		rng:       make(chan *timerange.Range, 1),
	}
}

// Status streams phase labels as the request progresses.
func (s *Set) Status() <-chan string { return s.status }

// Text streams assistant prose.
func (s *Set) Text() <-chan string { return s.text }

// GUI streams tool-progress events.
func (s *Set) GUI() <-chan GUIEvent { return s.gui }

// ThreadID emits the conversation id, assigned when absent.
func (s *Set) ThreadID() <-chan string { return s.threadID }

// Mutations emits the running mutation count, once per increment.
func (s *Set) Mutations() <-chan int { return s.mutations }

// Range emits the extracted time range at most once; nil means no
// confident inference.
func (s *Set) Range() <-chan *timerange.Range { return s.rng }

// PushStatus records a phase transition.
func (s *Set) PushStatus(v string) { push(s.status, v) }

// PushText appends assistant prose.
func (s *Set) PushText(v string) { push(s.text, v) }

// PushGUI records a tool-progress event.
func (s *Set) PushGUI(v GUIEvent) { push(s.gui, v) }

// PushThreadID announces the thread id for this request.
func (s *Set) PushThreadID(v string) { push(s.threadID, v) }

// PushMutations re-emits the mutation counter.
func (s *Set) PushMutations(v int) { push(s.mutations, v) }

// PushRange emits the extraction outcome, nil included.
func (s *Set) PushRange(v *timerange.Range) { push(s.rng, v) }

// Close completes all six streams. Idempotent: only the first call
// closes; later calls and calls from other exit paths are no-ops.
func (s *Set) Close() {
	s.closeOnce.Do(func() {
		close(s.status)
		close(s.text)
		close(s.gui)
		close(s.threadID)
		close(s.mutations)
		close(s.rng)
	})
}

// push is the drop-on-full send shared by all channels. Recover covers
// the window where a value is pushed after Close: a write after
// finalization is a no-op, not a crash.
func push[T any](ch chan T, v T) {
	defer func() { _ = recover() }()
	select {
	case ch <- v:
	default:
	}
}
