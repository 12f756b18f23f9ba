package transcript

import (
	"context"
	"sync"

	"github.com/prompterhq/prompter/pkg/models"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	transcripts map[string][]*models.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transcripts: make(map[string][]*models.Message)}
}

func (s *MemoryStore) SaveTranscript(ctx context.Context, conversationID string, messages []*models.Message) error {
	copied := make([]*models.Message, len(messages))
	copy(copied, messages)

	s.mu.Lock()
	s.transcripts[conversationID] = copied
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetTranscript(ctx context.Context, conversationID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.transcripts[conversationID]
	out := make([]*models.Message, len(stored))
	copy(out, stored)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
