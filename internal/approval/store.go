package approval

import (
	"context"
	"sort"
	"sync"

	"github.com/jordanhubbard/lomu/internal/clock"
	"github.com/jordanhubbard/lomu/pkg/models"
)

// Entry is a pending request together with its resolver handles.
type Entry struct {
	Request models.ApprovalRequest
	future  *Future

	// mu is held by the requester from the moment the entry is published
	// until its pending record and deadline timer exist. A resolver takes
	// it before touching either.
	mu    sync.Mutex
	timer clock.Timer
}

// disarm waits for the requester to finish publishing, then stops the
// deadline timer.
func (e *Entry) disarm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
}

// PendingApprovalStore holds requests awaiting a decision. Take must remove
// and return an entry atomically: the caller that gets it owns resolution.
type PendingApprovalStore interface {
	// Add stores e unless an entry with the same id exists.
	Add(e *Entry) bool
	Take(id string) (*Entry, bool)
	ListByUser(userID string) []models.ApprovalRequest
	Len() int
}

// MemoryPendingStore is the process-local PendingApprovalStore.
type MemoryPendingStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryPendingStore creates an empty store
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{entries: make(map[string]*Entry)}
}

func (s *MemoryPendingStore) Add(e *Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.Request.ID]; exists {
		return false
	}
	s.entries[e.Request.ID] = e
	return true
}

func (s *MemoryPendingStore) Take(id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	return e, ok
}

func (s *MemoryPendingStore) ListByUser(userID string) []models.ApprovalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ApprovalRequest, 0)
	for _, e := range s.entries {
		if userID == "" || e.Request.UserID == userID {
			out = append(out, e.Request)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryPendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// HistoryStore keeps requests after they leave the pending set so their
// status can still be queried.
type HistoryStore interface {
	SaveApproval(ctx context.Context, req *models.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)
}

// MemoryHistory is a bounded in-process HistoryStore.
type MemoryHistory struct {
	mu    sync.Mutex
	max   int
	items map[string]models.ApprovalRequest
	order []string
}

// NewMemoryHistory keeps at most max requests, dropping the oldest first.
func NewMemoryHistory(max int) *MemoryHistory {
	if max <= 0 {
		max = 10000
	}
	return &MemoryHistory{max: max, items: make(map[string]models.ApprovalRequest)}
}

func (h *MemoryHistory) SaveApproval(ctx context.Context, req *models.ApprovalRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.items[req.ID]; !exists {
		h.order = append(h.order, req.ID)
	}
	h.items[req.ID] = *req
	for len(h.order) > h.max {
		delete(h.items, h.order[0])
		h.order = h.order[1:]
	}
	return nil
}

func (h *MemoryHistory) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	req, ok := h.items[id]
	if !ok {
		return nil, nil
	}
	return &req, nil
}
