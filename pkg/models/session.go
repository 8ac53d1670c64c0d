package models

import "time"

// Session is a keyed conversation context tracked by the session manager
// (C11). History is capped independently of the agent's own Memory window.
type Session struct {
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	LastUpdated    time.Time      `json:"last_updated"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	History        []Message      `json:"history"`
	MaxHistorySize int            `json:"max_history_size"`
}

// Expired reports whether the session has been idle longer than timeout.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(s.LastUpdated) > timeout
}

// AddHistory appends a message, trimming the oldest entries once
// MaxHistorySize is exceeded.
func (s *Session) AddHistory(msg Message) {
	s.History = append(s.History, msg)
	if s.MaxHistorySize > 0 && len(s.History) > s.MaxHistorySize {
		s.History = s.History[len(s.History)-s.MaxHistorySize:]
	}
}

// SessionSnapshot is the single-file persistence shape for C10: a memory
// snapshot plus the session's mode and system prompt.
type SessionSnapshot struct {
	Messages     []Message `json:"messages"`
	Mode         string    `json:"mode"`
	SystemPrompt string    `json:"system_prompt"`
}
