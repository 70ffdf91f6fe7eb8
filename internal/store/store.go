// Package store keeps per-thread conversation history. State is
// process-local and bounded by design: histories are truncated to the
// most recent entries on every write, and the oldest thread is evicted
// when the thread cap is reached. Durability is an explicit non-goal.
//
// Known limitation: a request reads the whole history, appends to it,
// and writes it back without per-thread locking. Two concurrent
// requests on the same thread id race, and the last writer wins.
// Conversations are assumed single-user and low-concurrency per
// thread; correctness never depends on winning that race.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/almanac-ai/almanac/internal/llm"
)

// HistoryLimit is the maximum number of messages retained per thread.
const HistoryLimit = 30

// DefaultMaxThreads bounds how many threads the in-memory store holds
// before evicting the oldest.
const DefaultMaxThreads = 1000

// Info summarizes one stored thread.
type Info struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadStore is the conversation history boundary. The loop only
// needs Get and Put; EvictOldest exists so an external-store
// implementation can reuse the same eviction policy.
type ThreadStore interface {
	// Get returns a copy of the thread's history, empty when the
	// thread is unknown.
	Get(id string) []llm.Message
	// Put replaces the thread's history, truncated to the most recent
	// HistoryLimit messages. A truncation that would orphan leading
	// tool-result messages drops those as well.
	Put(id string, history []llm.Message)
	// EvictOldest removes the least-recently-updated thread. No-op on
	// an empty store.
	EvictOldest()
}

// Memory is the in-memory ThreadStore.
type Memory struct {
	mu         sync.RWMutex
	threads    map[string]*thread
	maxThreads int
}

type thread struct {
	id        string
	messages  []llm.Message
	createdAt time.Time
	updatedAt time.Time
}

// NewMemory creates an in-memory store. maxThreads <= 0 selects
// DefaultMaxThreads.
func NewMemory(maxThreads int) *Memory {
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	return &Memory{
		threads:    make(map[string]*thread),
		maxThreads: maxThreads,
	}
}

// Get returns a copy of the thread's history.
func (m *Memory) Get(id string) []llm.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok {
		return []llm.Message{}
	}
	msgs := make([]llm.Message, len(t.messages))
	copy(msgs, t.messages)
	return msgs
}

// Put replaces the thread's history. Truncation to HistoryLimit is a
// store-level invariant, not the caller's concern. Creating a thread
// past the cap evicts the oldest one first.
func (m *Memory) Put(id string, history []llm.Message) {
	if len(history) > HistoryLimit {
		history = history[len(history)-HistoryLimit:]
		// The cut can land mid-round, leaving tool results whose
		// requesting assistant message was dropped. A replayed history
		// starting with orphaned tool results is rejected by strict
		// completion endpoints, so advance past them.
		for len(history) > 0 && history[0].Role == llm.RoleTool {
			history = history[1:]
		}
	}
	msgs := make([]llm.Message, len(history))
	copy(msgs, history)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	t, ok := m.threads[id]
	if !ok {
		if len(m.threads) >= m.maxThreads {
			m.evictOldestLocked()
		}
		t = &thread{id: id, createdAt: now}
		m.threads[id] = t
	}
	t.messages = msgs
	t.updatedAt = now
}

// EvictOldest removes the least-recently-updated thread.
func (m *Memory) EvictOldest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictOldestLocked()
}

func (m *Memory) evictOldestLocked() {
	var oldest string
	var oldestAt time.Time
	for id, t := range m.threads {
		if oldest == "" || t.updatedAt.Before(oldestAt) {
			oldest = id
			oldestAt = t.updatedAt
		}
	}
	if oldest != "" {
		delete(m.threads, oldest)
	}
}

// Len returns the number of stored threads.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.threads)
}

// List returns summaries of all threads, most recently updated first.
func (m *Memory) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.threads))
	for _, t := range m.threads {
		infos = append(infos, Info{
			ID:        t.id,
			Messages:  len(t.messages),
			CreatedAt: t.createdAt,
			UpdatedAt: t.updatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos
}
