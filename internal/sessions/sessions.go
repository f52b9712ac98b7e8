// Package sessions provides session and message persistence for
// multi-turn conversations relayed through the control plane.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loopwire/loopwire/pkg/models"
)

// Store persists sessions and their message history.
type Store interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	TouchSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, userID, orgID string) ([]models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error

	AppendMessage(ctx context.Context, sessionID string, msg models.Message) error
	History(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
}

// MemoryStore is a thread-safe in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session // key: session ID
	messages map[string][]models.Message
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]models.Message),
	}
}

// CreateSession stores a new session.
func (s *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	s.sessions[session.ID] = session
	return nil
}

// GetSession retrieves a session by ID.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	copied := *session
	return &copied, nil
}

// TouchSession bumps the session's updated timestamp.
func (s *MemoryStore) TouchSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	session.UpdatedAt = time.Now().UTC()
	return nil
}

// ListSessions lists sessions for a user within an org.
func (s *MemoryStore) ListSessions(_ context.Context, userID, orgID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.OrgID == orgID {
			result = append(result, *sess)
		}
	}
	return result, nil
}

// DeleteSession removes a session and its message history.
func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return fmt.Errorf("session %s not found", sessionID)
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}

// AppendMessage adds a message to the session's history.
func (s *MemoryStore) AppendMessage(_ context.Context, sessionID string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return fmt.Errorf("session %s not found", sessionID)
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return nil
}

// History returns the most recent limit messages in chronological order.
// limit <= 0 returns the full history.
func (s *MemoryStore) History(_ context.Context, sessionID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
