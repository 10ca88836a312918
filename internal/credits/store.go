package credits

import (
	"context"
	"time"

	"github.com/jordanhubbard/lomu/pkg/models"
)

// Store persists wallets, reservations and the ledger. Implementations must
// make Reserve a single conditional update and Reconcile a single transaction.
type Store interface {
	// Reserve moves res.Credits from available to reserved only if the wallet
	// has at least that much available. On refusal it returns ok=false and the
	// available balance observed, leaving the wallet untouched.
	Reserve(ctx context.Context, res *models.Reservation) (ok bool, available int64, err error)

	// Reconcile releases reserved credits, refunds reserved-used to available,
	// appends entry and settles the run's reservation, all or nothing.
	Reconcile(ctx context.Context, userID, runID string, reserved, used int64, entry *models.LedgerEntry) error

	// AddCredits creates the wallet if needed, increments available and
	// appends entry in one transaction.
	AddCredits(ctx context.Context, entry *models.LedgerEntry) error

	// GetWallet returns nil without error when the user has no wallet.
	GetWallet(ctx context.Context, userID string) (*models.Wallet, error)

	ListEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)
	ListHeldReservations(ctx context.Context, olderThan time.Time) ([]models.Reservation, error)
}
