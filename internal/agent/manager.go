package agent

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/jordanhubbard/lomu/internal/runstate"
	"github.com/jordanhubbard/lomu/pkg/models"
)

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *Result
	err    error
}

// Manager runs agent loops in the background, one per conversation.
type Manager struct {
	loop *Loop
	mu   sync.Mutex
	runs map[string]*handle
	wg   sync.WaitGroup
}

// NewManager creates a manager over loop.
func NewManager(loop *Loop) *Manager {
	return &Manager{
		loop: loop,
		runs: make(map[string]*handle),
	}
}

// Start reserves credits synchronously, so insufficient funds are reported
// to the caller, then executes the run on its own goroutine. The run
// outlives ctx; use Abort to stop it.
func (m *Manager) Start(ctx context.Context, req Request) (*models.AgentRunState, error) {
	if req.ConversationID == "" {
		req.ConversationID = uuid.New().String()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if prev, ok := m.runs[req.ConversationID]; ok && !prev.finished() {
		m.mu.Unlock()
		cancel()
		return nil, ErrRunActive
	}
	m.runs[req.ConversationID] = h
	m.mu.Unlock()

	run, err := m.loop.Start(ctx, req)
	if err != nil {
		m.mu.Lock()
		delete(m.runs, req.ConversationID)
		m.mu.Unlock()
		h.err = err
		close(h.done)
		cancel()
		return nil, err
	}

	snapshot := run.Snapshot()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		res, err := run.Execute(runCtx)
		h.result, h.err = res, err
		close(h.done)
		// Finished runs are served from the run state store.
		m.mu.Lock()
		if m.runs[req.ConversationID] == h {
			delete(m.runs, req.ConversationID)
		}
		m.mu.Unlock()
	}()
	return snapshot, nil
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Get returns the latest snapshot of a run.
func (m *Manager) Get(ctx context.Context, conversationID string) (*models.AgentRunState, error) {
	st, err := m.loop.States().Get(ctx, conversationID)
	if errors.Is(err, runstate.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return st, err
}

// List returns a user's runs, newest first.
func (m *Manager) List(ctx context.Context, userID string) ([]*models.AgentRunState, error) {
	return m.loop.States().ListByUser(ctx, userID)
}

// Abort cancels a live run. Reconciliation still happens on the run's
// goroutine. It returns false when no live run exists.
func (m *Manager) Abort(conversationID string) bool {
	m.mu.Lock()
	h, ok := m.runs[conversationID]
	m.mu.Unlock()
	if !ok || h.finished() {
		return false
	}
	log.Printf("[AgentLoop] Aborting run for conversation %s", conversationID)
	h.cancel()
	return true
}

// Wait blocks until the run finishes or ctx ends. For a run that already
// finished the result is rebuilt from its stored state and carries no
// output text.
func (m *Manager) Wait(ctx context.Context, conversationID string) (*Result, error) {
	m.mu.Lock()
	h, ok := m.runs[conversationID]
	m.mu.Unlock()
	if !ok {
		return m.finishedResult(ctx, conversationID)
	}
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) finishedResult(ctx context.Context, conversationID string) (*Result, error) {
	st, err := m.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !st.Phase.Terminal() {
		// Owned by another instance or lost in a restart.
		return nil, ErrRunNotFound
	}
	res := &Result{State: st, CreditsUsed: st.TotalCreditCost}
	if st.Phase == models.PhaseFailed {
		if st.Error == ErrAborted.Error() {
			return res, ErrAborted
		}
		return res, errors.New(st.Error)
	}
	return res, nil
}

// Tracked returns the number of runs the manager holds a handle for.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// Active returns the number of runs still executing.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.runs {
		if !h.finished() {
			n++
		}
	}
	return n
}

// Shutdown aborts every live run and waits for them to reconcile.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, h := range m.runs {
		h.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
