package sessions

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-agent/runtime/pkg/models"
)

// ErrExpired is returned by Get when raiseIfExpired is requested and the
// session has exceeded its idle timeout.
type ErrExpired struct{ SessionID string }

func (e *ErrExpired) Error() string { return fmt.Sprintf("session %q has expired", e.SessionID) }

// ErrNotFound is returned when no session exists for the given id.
type ErrNotFound struct{ SessionID string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("session %q not found", e.SessionID) }

// DefaultMaxHistorySize is §4.11's documented default for per-session
// history capping.
const DefaultMaxHistorySize = 100

// Manager is the thread-safe session_id -> Session registry (C11).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	timeout  time.Duration
}

// NewManager builds a Manager. idleTimeout of 0 disables expiry.
func NewManager(idleTimeout time.Duration) *Manager {
	return &Manager{
		sessions: make(map[string]*models.Session),
		timeout:  idleTimeout,
	}
}

// Create registers a new session, replacing any existing one with the same
// id, and returns it.
func (m *Manager) Create(sessionID string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := &models.Session{
		SessionID:      sessionID,
		ConversationID: sessionID,
		LastUpdated:    time.Now(),
		MaxHistorySize: DefaultMaxHistorySize,
	}
	m.sessions[sessionID] = sess
	return sess
}

// Get returns the session for id. If raiseIfExpired is true and the
// session has been idle longer than the configured timeout, it returns
// ErrExpired instead (§4.11: "expiry is checked lazily on access").
func (m *Manager) Get(id string, raiseIfExpired bool) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{SessionID: id}
	}
	if raiseIfExpired && sess.Expired(time.Now(), m.timeout) {
		return nil, &ErrExpired{SessionID: id}
	}
	return sess, nil
}

// Update merges metadata into the session and stamps LastUpdated.
func (m *Manager) Update(id string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return &ErrNotFound{SessionID: id}
	}
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		sess.Metadata[k] = v
	}
	sess.LastUpdated = time.Now()
	return nil
}

// AddToHistory appends msg to the session's capped history (§4.11:
// "History is capped at max_history_size... with oldest trimmed").
func (m *Manager) AddToHistory(id string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return &ErrNotFound{SessionID: id}
	}
	sess.AddHistory(msg)
	sess.LastUpdated = time.Now()
	return nil
}

// Clear empties a session's history in place without removing the
// session itself.
func (m *Manager) Clear(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return &ErrNotFound{SessionID: id}
	}
	sess.History = nil
	sess.LastUpdated = time.Now()
	return nil
}

// Delete removes a session entirely.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// CleanupExpired eagerly removes every session idle longer than the
// configured timeout, returning the removed ids.
func (m *Manager) CleanupExpired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var removed []string
	for id, sess := range m.sessions {
		if sess.Expired(now, m.timeout) {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Export serialises one session to a JSON string (§4.11).
func (m *Manager) Export(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return "", &ErrNotFound{SessionID: id}
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("export session: %w", err)
	}
	return string(data), nil
}

// Import registers a session from a previously exported JSON string,
// overwriting any existing session with the same id.
func (m *Manager) Import(data string) (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("import session: %w", err)
	}
	if sess.SessionID == "" {
		return nil, fmt.Errorf("import session: missing session_id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.SessionID] = &sess
	return &sess, nil
}

// Len reports how many sessions are currently tracked.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
