package memory

import (
	"testing"

	"github.com/nexus-agent/runtime/pkg/models"
)

func user(content string) models.Message {
	return models.Message{Role: models.RoleUser, Content: content}
}

func assistant(content string) models.Message {
	return models.Message{Role: models.RoleAssistant, Content: content}
}

func TestSystemMessagePreservedAtPositionZero(t *testing.T) {
	m := New(Config{MaxTokens: 1})
	m.Add(models.Message{Role: models.RoleSystem, Content: "you are a helpful assistant"}, nil)
	for i := 0; i < 50; i++ {
		m.Add(user("filler message to force eviction pressure"), nil)
	}
	entries := m.Get()
	if len(entries) == 0 || entries[0].Message.Role != models.RoleSystem {
		t.Fatalf("expected system message preserved at position 0, got %+v", entries)
	}
}

func TestFirstUserMessagePreserved(t *testing.T) {
	m := New(Config{MaxTokens: 20})
	m.Add(user("what is the capital of France"), nil)
	for i := 0; i < 50; i++ {
		m.Add(assistant("some long filler reply that costs tokens to store"), nil)
	}
	entries := m.Get()
	found := false
	for _, e := range entries {
		if e.Message.Content == "what is the capital of France" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected first user message to survive eviction")
	}
}

func TestTokenBudgetRespectedAfterEviction(t *testing.T) {
	m := New(Config{MaxTokens: 50})
	m.Add(user("seed message"), nil)
	for i := 0; i < 100; i++ {
		m.Add(assistant("another reasonably long filler message to push past budget"), nil)
	}
	if total := m.TotalTokens(); total > 0 {
		// Either under budget, or held above budget only by the
		// preserved floor (<=2 removable entries remaining).
		removable := 0
		for _, e := range m.Get() {
			if e.Message.Role != models.RoleSystem {
				removable++
			}
		}
		if total > m.cfg.MaxTokens && removable > 2 {
			t.Fatalf("expected eviction to respect budget, total=%d max=%d removable=%d", total, m.cfg.MaxTokens, removable)
		}
	}
}

func TestIndicesContiguousAfterEviction(t *testing.T) {
	m := New(Config{MaxTokens: 30})
	for i := 0; i < 30; i++ {
		m.Add(assistant("filler"), nil)
	}
	entries := m.Get()
	want := 0
	for _, e := range entries {
		if e.Message.Role == models.RoleSystem {
			continue
		}
		if e.Index != want {
			t.Fatalf("expected contiguous index %d, got %d", want, e.Index)
		}
		want++
	}
}

func TestGetPrioritisedFiltersByMinimum(t *testing.T) {
	m := New(Config{MaxTokens: 10000})
	low := models.PriorityLow
	m.Add(user("critical first user message"), nil)
	m.Add(assistant("low priority aside"), &low)

	high := m.GetPrioritised(models.PriorityHigh)
	for _, e := range high {
		if e.Priority < models.PriorityHigh {
			t.Fatalf("expected only high+ priority entries, got %v", e.Priority)
		}
	}
}

func TestClearRetainsSystemMessage(t *testing.T) {
	m := New(Config{MaxTokens: 10000})
	m.Add(models.Message{Role: models.RoleSystem, Content: "system prompt"}, nil)
	m.Add(user("hello"), nil)
	m.Clear()

	entries := m.Get()
	if len(entries) != 1 || entries[0].Message.Role != models.RoleSystem {
		t.Fatalf("expected only the system message to survive Clear, got %+v", entries)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty rolling buffer after Clear, got %d", m.Len())
	}
}

func TestToolCallingAssistantDefaultsHighPriority(t *testing.T) {
	m := New(Config{MaxTokens: 10000})
	msg := models.Message{
		Role:    models.RoleAssistant,
		Content: "let me check",
		ToolCalls: []models.ToolCall{
			{ID: "call_1", Type: "function", Name: "get_time"},
		},
	}
	m.Add(msg, nil)
	entries := m.Get()
	if len(entries) != 1 || entries[0].Priority != models.PriorityHigh {
		t.Fatalf("expected tool-calling assistant message to default to HIGH priority, got %+v", entries)
	}
}
