// Package memory implements the conversation memory contract (C4): a
// token-budgeted, priority-aware rolling window over Messages that always
// preserves the system prompt and the first user message.
//
// This is a distinct concern from the teacher repo's internal/memory
// package, which implements semantic/vector recall over embeddings
// (sqlite-vec/pgvector/lancedb) for retrieval-augmented prompting — a
// different component entirely (see DESIGN.md). This package is authored
// fresh against §3/§4.4, reusing the teacher's token-accounting style from
// internal/context/window.go (cached per-message counts, never
// recomputed on demand) via internal/tokenizer.
package memory

import (
	"sync"
	"time"

	"github.com/nexus-agent/runtime/internal/tokenizer"
	"github.com/nexus-agent/runtime/pkg/models"
)

// Config configures a Memory instance (§6 memory.*).
type Config struct {
	MaxTokens               int
	Model                   string
	PreserveSystemPrompt    bool
	PreserveFirstUserMessage bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:                8000,
		PreserveSystemPrompt:     true,
		PreserveFirstUserMessage: true,
	}
}

// slot wraps a MemoryEntry with the bookkeeping eviction needs.
type slot struct {
	entry     models.MemoryEntry
	preserved bool
}

// Memory is the rolling-window conversation buffer. It is safe for
// concurrent use; every mutation runs under a single mutex and the token
// bound is restored before the mutex is released (§5: "the token bound is
// preserved after every append").
type Memory struct {
	mu     sync.Mutex
	cfg    Config
	system *slot
	buffer []*slot

	firstUserSeen bool
	totalTokens   int
	nextIndex     int
}

// New creates an empty Memory under cfg.
func New(cfg Config) *Memory {
	if cfg.MaxTokens < 0 {
		cfg.MaxTokens = 0
	}
	return &Memory{cfg: cfg}
}

// defaultPriority applies §4.4 step 3's default priority rules.
func defaultPriority(msg models.Message, isFirstUser bool) models.Priority {
	switch {
	case msg.Role == models.RoleSystem:
		return models.PriorityCritical
	case isFirstUser:
		return models.PriorityHigh
	case msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0:
		return models.PriorityHigh
	case msg.Role == models.RoleTool:
		return models.PriorityHigh
	default:
		return models.PriorityMedium
	}
}

func (m *Memory) tokenCount(msg models.Message) int {
	likes := []tokenizer.MessageLike{msg}
	return tokenizer.CountMessages(likes, m.cfg.Model)
}

// Add appends msg to memory, assigning priority if non-nil, otherwise the
// §4.4 step-3 default. System messages are stored in the reserved system
// slot rather than the rolling buffer, and the first user message fills
// the protected first-user slot with priority forced to HIGH.
func (m *Memory) Add(msg models.Message, priority *models.Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg.CreatedAt = time.Now()

	if msg.Role == models.RoleSystem {
		tc := m.tokenCount(msg)
		m.system = &slot{
			entry: models.MemoryEntry{
				Message:          msg,
				Priority:         models.PriorityCritical,
				InsertionTime:    msg.CreatedAt,
				CachedTokenCount: tc,
				Index:            -1,
			},
			preserved: m.cfg.PreserveSystemPrompt,
		}
		return
	}

	isFirstUser := false
	if msg.Role == models.RoleUser && !m.firstUserSeen {
		isFirstUser = true
		m.firstUserSeen = true
	}

	p := defaultPriority(msg, isFirstUser)
	if priority != nil {
		p = *priority
	}
	if isFirstUser {
		p = models.PriorityHigh
	}

	tc := m.tokenCount(msg)
	idx := m.nextIndex
	m.nextIndex++

	s := &slot{
		entry: models.MemoryEntry{
			Message:          msg,
			Priority:         p,
			InsertionTime:    msg.CreatedAt,
			CachedTokenCount: tc,
			Index:            idx,
		},
		preserved: isFirstUser && m.cfg.PreserveFirstUserMessage,
	}
	m.buffer = append(m.buffer, s)
	m.totalTokens += tc

	m.evict()
	m.reindex()
}

// evict removes the lowest-priority, then oldest, non-preserved buffer
// entry while the token total exceeds MaxTokens and more than two
// removable (non-preserved) entries remain (§4.4 step 4).
func (m *Memory) evict() {
	for m.totalTokens > m.cfg.MaxTokens {
		removableCount := 0
		worst := -1
		for i, s := range m.buffer {
			if s.preserved {
				continue
			}
			removableCount++
			if worst == -1 {
				worst = i
				continue
			}
			cur := m.buffer[worst]
			if s.entry.Priority < cur.entry.Priority ||
				(s.entry.Priority == cur.entry.Priority && s.entry.InsertionTime.Before(cur.entry.InsertionTime)) {
				worst = i
			}
		}
		if removableCount <= 2 || worst == -1 {
			return
		}
		m.totalTokens -= m.buffer[worst].entry.CachedTokenCount
		m.buffer = append(m.buffer[:worst], m.buffer[worst+1:]...)
	}
}

// reindex restores invariant (iv): indices form a contiguous 0..n-1 run
// after any eviction.
func (m *Memory) reindex() {
	for i, s := range m.buffer {
		s.entry.Index = i
	}
}

// Get returns the system message (if present) followed by the buffer, in
// chronological order.
func (m *Memory) Get() []models.MemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(0)
}

// GetPrioritised returns the system message (if present) plus buffer
// entries with priority >= minPriority, in chronological order.
func (m *Memory) GetPrioritised(minPriority models.Priority) []models.MemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(minPriority)
}

func (m *Memory) snapshot(minPriority models.Priority) []models.MemoryEntry {
	out := make([]models.MemoryEntry, 0, len(m.buffer)+1)
	if m.system != nil {
		out = append(out, m.system.entry)
	}
	for _, s := range m.buffer {
		if s.entry.Priority >= minPriority {
			out = append(out, s.entry)
		}
	}
	return out
}

// Messages is a convenience wrapper returning just the Message values of
// Get(), in the shape an LLM request body needs.
func (m *Memory) Messages() []models.Message {
	entries := m.Get()
	out := make([]models.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// TotalTokens returns the current sum of cached token counts across the
// rolling buffer (excluding the preserved system slot, which is not
// subject to the budget).
func (m *Memory) TotalTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalTokens
}

// Clear retains only the system slot and resets the index counter and
// first-user tracking (§4.4 "clear").
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = nil
	m.totalTokens = 0
	m.nextIndex = 0
	m.firstUserSeen = false
}

// Len returns the number of entries in the rolling buffer, excluding the
// system slot.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}
