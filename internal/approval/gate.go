// Package approval blocks individual tool calls until a human decides.
// Each request is a correlation-id future resolved exactly once by
// approve, reject, deadline, offline detection or cancellation.
package approval

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jordanhubbard/lomu/internal/clock"
	"github.com/jordanhubbard/lomu/internal/metrics"
	"github.com/jordanhubbard/lomu/pkg/messages"
	"github.com/jordanhubbard/lomu/pkg/models"
)

// DefaultTimeout is used when a request does not carry its own.
const DefaultTimeout = 5 * time.Minute

// ErrNotFound is returned for ids the gate has never seen.
var ErrNotFound = errors.New("approval not found")

// Notifier delivers a message to a user's live subscribers and reports
// whether anyone received it.
type Notifier interface {
	Send(userID string, msg *messages.StreamMessage) bool
}

// Auditor receives fire-and-forget audit records.
type Auditor interface {
	Log(level, source, message string, metadata map[string]interface{})
}

// Gate is the approval gate.
type Gate struct {
	notifier Notifier
	pending  PendingApprovalStore
	history  HistoryStore
	clock    clock.Clock
	auditor  Auditor
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	timeout time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithPendingStore swaps the pending-request store.
func WithPendingStore(s PendingApprovalStore) Option {
	return func(g *Gate) { g.pending = s }
}

// WithHistory persists resolved requests.
func WithHistory(h HistoryStore) Option {
	return func(g *Gate) { g.history = h }
}

// WithAuditor records every resolution with its reason.
func WithAuditor(a Auditor) Option {
	return func(g *Gate) { g.auditor = a }
}

// WithTimeout sets the default deadline.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// NewGate creates an approval gate that prompts users through notifier.
func NewGate(notifier Notifier, opts ...Option) *Gate {
	g := &Gate{
		notifier: notifier,
		pending:  NewMemoryPendingStore(),
		history:  NewMemoryHistory(0),
		clock:    clock.Real(),
		metrics:  metrics.NewMetrics(),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetTimeout changes the default deadline for future requests.
func (g *Gate) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	g.timeout = d
	g.mu.Unlock()
}

// Timeout returns the current default deadline.
func (g *Gate) Timeout() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.timeout
}

// RequestApproval registers a pending request and prompts the user. The
// returned future resolves false at once if id is already pending or the
// user has no live subscriber. A zero timeout uses the gate default.
func (g *Gate) RequestApproval(ctx context.Context, id, userID, operation string, resources []string, timeout time.Duration) *Future {
	if timeout <= 0 {
		timeout = g.Timeout()
	}

	now := g.clock.Now()
	entry := &Entry{
		Request: models.ApprovalRequest{
			ID:                id,
			UserID:            userID,
			Operation:         operation,
			AffectedResources: append([]string(nil), resources...),
			CreatedAt:         now,
			Deadline:          now.Add(timeout),
			Status:            models.ApprovalPending,
		},
		future: newFuture(id),
	}

	// The entry is listed as soon as Add returns. Holding its lock until
	// the timer is armed keeps a concurrent decision from resolving it
	// half-built.
	entry.mu.Lock()
	if !g.pending.Add(entry) {
		entry.mu.Unlock()
		log.Printf("[Approval] Duplicate request %s for user %s ignored", id, userID)
		return resolvedFuture(id, ResolutionDuplicate)
	}
	g.metrics.ApprovalsRequested.Inc()
	g.metrics.ApprovalsPending.Inc()
	g.record(ctx, &entry.Request)
	entry.timer = g.clock.AfterFunc(timeout, func() {
		g.resolve(context.Background(), id, ResolutionTimedOut)
	})
	entry.mu.Unlock()

	msg := messages.New(messages.TypeApprovalRequest, messages.ApprovalRequestPayload{
		ID:        id,
		Operation: operation,
		Resources: entry.Request.AffectedResources,
		Deadline:  entry.Request.Deadline,
	})
	msg.UserID = userID
	if !g.notifier.Send(userID, msg) {
		g.resolve(ctx, id, ResolutionOffline)
	}

	return entry.future
}

// Approve resolves a pending request as approved. It returns false when id
// is not pending.
func (g *Gate) Approve(id string) bool {
	return g.resolve(context.Background(), id, ResolutionApproved)
}

// Reject resolves a pending request as rejected.
func (g *Gate) Reject(id string) bool {
	return g.resolve(context.Background(), id, ResolutionRejected)
}

// Cancel withdraws a pending request, e.g. when its run is aborted.
func (g *Gate) Cancel(id string) bool {
	return g.resolve(context.Background(), id, ResolutionCancelled)
}

// ListPending returns status projections of pending requests for a user.
// An empty userID lists every pending request.
func (g *Gate) ListPending(userID string) []models.ApprovalRequest {
	return g.pending.ListByUser(userID)
}

// Status returns the request with its current or final status.
func (g *Gate) Status(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	req, err := g.history.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrNotFound
	}
	return req, nil
}

func statusFor(r Resolution) models.ApprovalStatus {
	switch r {
	case ResolutionApproved:
		return models.ApprovalApproved
	case ResolutionTimedOut:
		return models.ApprovalTimedOut
	default:
		return models.ApprovalRejected
	}
}

// resolve is the single termination path. Taking the entry out of the
// pending store is the first action, so concurrent callers race on Take and
// exactly one proceeds.
func (g *Gate) resolve(ctx context.Context, id string, r Resolution) bool {
	entry, ok := g.pending.Take(id)
	if !ok {
		return false
	}
	entry.disarm()

	now := g.clock.Now()
	req := entry.Request
	req.Status = statusFor(r)
	req.Reason = string(r)
	req.ResolvedAt = &now

	entry.future.resolve(r)

	g.metrics.ApprovalsPending.Dec()
	g.metrics.RecordApprovalResolved(string(r), now.Sub(req.CreatedAt).Seconds())
	g.record(ctx, &req)

	log.Printf("[Approval] Request %s (%s) for user %s resolved: %s", id, req.Operation, req.UserID, r)
	if g.auditor != nil {
		level := "info"
		if r != ResolutionApproved {
			level = "warn"
		}
		g.auditor.Log(level, "approval", "approval "+string(r), map[string]interface{}{
			"approval_id": id,
			"user_id":     req.UserID,
			"operation":   req.Operation,
			"reason":      string(r),
		})
	}

	// Offline resolutions are sent too: the prompt may have been mirrored
	// to an instance where the user is connected.
	msg := messages.New(messages.TypeApprovalResolved, messages.ApprovalResolvedPayload{
		ID:       id,
		Approved: r.Approved(),
		Reason:   string(r),
	})
	msg.UserID = req.UserID
	g.notifier.Send(req.UserID, msg)
	return true
}

func (g *Gate) record(ctx context.Context, req *models.ApprovalRequest) {
	if err := g.history.SaveApproval(context.WithoutCancel(ctx), req); err != nil {
		log.Printf("[Approval] Failed to record request %s: %v", req.ID, err)
	}
}
