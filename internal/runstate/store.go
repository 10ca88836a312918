// Package runstate keeps the latest AgentRunState snapshot for each run so
// other goroutines (and other instances, with the Redis backend) can observe
// a run without touching the loop that owns it.
package runstate

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jordanhubbard/lomu/pkg/models"
)

var ErrNotFound = errors.New("run state not found")

// Store is the RunStateStore abstraction. Save replaces the snapshot.
type Store interface {
	Save(ctx context.Context, state *models.AgentRunState) error
	Get(ctx context.Context, conversationID string) (*models.AgentRunState, error)
	Delete(ctx context.Context, conversationID string) error
	ListByUser(ctx context.Context, userID string) ([]*models.AgentRunState, error)
}

// MemoryStore is the process-local Store.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*models.AgentRunState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*models.AgentRunState)}
}

func (s *MemoryStore) Save(_ context.Context, state *models.AgentRunState) error {
	if state == nil || state.ConversationID == "" {
		return errors.New("run state requires a conversation id")
	}
	s.mu.Lock()
	s.runs[state.ConversationID] = state.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, conversationID string) (*models.AgentRunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.runs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.runs, conversationID)
	s.mu.Unlock()
	return nil
}

// ListByUser returns the user's runs, most recently started first.
func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*models.AgentRunState, error) {
	s.mu.RLock()
	out := make([]*models.AgentRunState, 0)
	for _, st := range s.runs {
		if st.UserID == userID {
			out = append(out, st.Clone())
		}
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(states []*models.AgentRunState) {
	sort.Slice(states, func(i, j int) bool {
		return states[i].StartedAt.After(states[j].StartedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
