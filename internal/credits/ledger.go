// Package credits implements the atomic credit ledger: reservations held for
// agent runs, reconciliation against actual usage, and top-ups.
package credits

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/lomu/internal/metrics"
	"github.com/jordanhubbard/lomu/internal/telemetry"
	"github.com/jordanhubbard/lomu/pkg/models"
)

// Ledger is the entry point for every balance mutation.
type Ledger struct {
	store   Store
	pricing Pricing
	metrics *metrics.Metrics
	tracer  trace.Tracer

	// onChange is invoked after a successful mutation, outside any transaction.
	onChange func(userID string, bal models.Balance)

	signupMu sync.Mutex
	signedUp map[string]bool
}

// NewLedger creates a ledger over store.
func NewLedger(store Store, pricing Pricing) *Ledger {
	return &Ledger{
		store:    store,
		pricing:  pricing,
		metrics:  metrics.NewMetrics(),
		tracer:   telemetry.Tracer("credits"),
		signedUp: make(map[string]bool),
	}
}

// OnChange registers a callback fired with the new balance after each
// reservation, reconciliation or top-up.
func (l *Ledger) OnChange(fn func(userID string, bal models.Balance)) {
	l.onChange = fn
}

// Pricing returns the ledger's conversion ratios.
func (l *Ledger) Pricing() Pricing {
	return l.pricing
}

// Reserve atomically moves credits from available to reserved. It either
// succeeds fully or returns *InsufficientCreditsError with the wallet unchanged.
func (l *Ledger) Reserve(ctx context.Context, userID string, credits int64, runID string) (*models.Reservation, error) {
	ctx, span := l.tracer.Start(ctx, "credits.Reserve", trace.WithAttributes(
		telemetry.UserID(userID),
		attribute.Int64("credits", credits),
	))
	defer span.End()

	if credits <= 0 {
		return nil, fmt.Errorf("%w: reserve %d", ErrInvalidAmount, credits)
	}
	if runID == "" {
		runID = uuid.New().String()
	}

	res := &models.Reservation{
		ID:        uuid.New().String(),
		UserID:    userID,
		RunID:     runID,
		Credits:   credits,
		Status:    models.ReservationHeld,
		CreatedAt: time.Now().UTC(),
	}

	ok, available, err := l.store.Reserve(ctx, res)
	if err != nil {
		l.metrics.LedgerErrors.WithLabelValues("reserve").Inc()
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to reserve credits: %w", err)
	}
	if !ok {
		l.metrics.InsufficientCredits.Inc()
		return nil, &InsufficientCreditsError{UserID: userID, Required: credits, Available: available}
	}

	l.metrics.CreditsReserved.Add(float64(credits))
	l.notify(ctx, userID)
	return res, nil
}

// Reconcile settles a reservation: the reserved amount is released, the
// unused part returns to available, and one consumption entry of -used is
// appended. Nothing changes if any step fails.
func (l *Ledger) Reconcile(ctx context.Context, userID, runID string, reserved, used int64) error {
	ctx, span := l.tracer.Start(ctx, "credits.Reconcile", trace.WithAttributes(
		telemetry.UserID(userID),
		attribute.Int64("reserved", reserved),
		attribute.Int64("used", used),
	))
	defer span.End()

	if used < 0 || reserved < 0 || used > reserved {
		return fmt.Errorf("%w: reconcile reserved=%d used=%d", ErrInvalidAmount, reserved, used)
	}

	usd := l.pricing.USD(used)
	entry := &models.LedgerEntry{
		UserID:       userID,
		DeltaCredits: -used,
		USDAmount:    &usd,
		Source:       models.LedgerSourceConsumption,
		ReferenceID:  runID,
		Metadata: map[string]interface{}{
			"reserved": reserved,
			"refunded": reserved - used,
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := l.store.Reconcile(ctx, userID, runID, reserved, used, entry); err != nil {
		l.metrics.LedgerErrors.WithLabelValues("reconcile").Inc()
		telemetry.RecordError(span, err)
		log.Printf("[Credits] Reconcile failed for user %s run %s: %v", userID, runID, err)
		return fmt.Errorf("failed to reconcile credits: %w", err)
	}

	l.metrics.CreditsConsumed.Add(float64(used))
	l.metrics.CreditsRefunded.Add(float64(reserved - used))
	l.notify(ctx, userID)
	return nil
}

// AddCredits credits a wallet, creating it on first use.
func (l *Ledger) AddCredits(ctx context.Context, userID string, credits int64, source models.LedgerSource, referenceID string) (*models.LedgerEntry, error) {
	ctx, span := l.tracer.Start(ctx, "credits.AddCredits", trace.WithAttributes(
		telemetry.UserID(userID),
		attribute.Int64("credits", credits),
		attribute.String("source", string(source)),
	))
	defer span.End()

	if credits <= 0 {
		return nil, fmt.Errorf("%w: add %d", ErrInvalidAmount, credits)
	}
	if !source.Valid() || source == models.LedgerSourceConsumption {
		return nil, fmt.Errorf("invalid ledger source %q for a top-up", source)
	}

	usd := l.pricing.USD(credits)
	entry := &models.LedgerEntry{
		UserID:       userID,
		DeltaCredits: credits,
		USDAmount:    &usd,
		Source:       source,
		ReferenceID:  referenceID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := l.store.AddCredits(ctx, entry); err != nil {
		l.metrics.LedgerErrors.WithLabelValues("add").Inc()
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to add credits: %w", err)
	}

	l.metrics.CreditsAdded.WithLabelValues(string(source)).Add(float64(credits))
	l.notify(ctx, userID)
	return entry, nil
}

// EnsureSignup grants the signup allocation to a user who has no wallet
// yet. It reports whether credits were granted. Users already seen by this
// process skip the wallet read.
func (l *Ledger) EnsureSignup(ctx context.Context, userID string, credits int64) (bool, error) {
	if credits <= 0 || userID == "" {
		return false, nil
	}
	l.signupMu.Lock()
	defer l.signupMu.Unlock()
	if l.signedUp[userID] {
		return false, nil
	}
	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to get wallet: %w", err)
	}
	if w != nil {
		l.signedUp[userID] = true
		return false, nil
	}
	if _, err := l.AddCredits(ctx, userID, credits, models.LedgerSourceAllocation, "signup"); err != nil {
		return false, err
	}
	l.signedUp[userID] = true
	log.Printf("[Credits] Granted signup allocation of %d credits to %s", credits, userID)
	return true, nil
}

// Balance returns the user's balance. Users without a wallet have zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (models.Balance, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return models.Balance{}, fmt.Errorf("failed to get wallet: %w", err)
	}
	if w == nil {
		return models.Balance{}, nil
	}
	return models.Balance{
		AvailableCredits: w.AvailableCredits,
		ReservedCredits:  w.ReservedCredits,
		TotalCredits:     w.TotalCredits(),
	}, nil
}

// Entries returns the newest ledger entries for a user.
func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	entries, err := l.store.ListEntries(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

// HeldReservations lists reservations still held that were created before
// olderThan. Operators use it to find runs that never reconciled.
func (l *Ledger) HeldReservations(ctx context.Context, olderThan time.Time) ([]models.Reservation, error) {
	res, err := l.store.ListHeldReservations(ctx, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list held reservations: %w", err)
	}
	return res, nil
}

func (l *Ledger) notify(ctx context.Context, userID string) {
	if l.onChange == nil {
		return
	}
	bal, err := l.Balance(ctx, userID)
	if err != nil {
		log.Printf("[Credits] Failed to read balance for %s after update: %v", userID, err)
		return
	}
	l.onChange(userID, bal)
}
