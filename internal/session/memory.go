package session

import (
	"context"
	"sync"

	"voicetime/internal/models"
)

// MemoryStore keeps open sessions in a mutex-guarded map. It is the fallback
// backend and is also sufficient on its own when no cache is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.VoiceSession
}

// NewMemoryStore creates an empty in-process session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]models.VoiceSession)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (models.VoiceSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[userID]
	return sess, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, sess models.VoiceSession) error {
	m.mu.Lock()
	m.sessions[sess.UserID] = sess
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) OpenSessions(_ context.Context) ([]models.VoiceSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]models.VoiceSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	return sessions, nil
}
