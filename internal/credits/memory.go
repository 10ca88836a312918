package credits

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/lomu/pkg/models"
)

// MemoryStore is a process-local Store. A single mutex makes every operation
// atomic, matching the guarantees of the SQL store.
type MemoryStore struct {
	mu           sync.Mutex
	wallets      map[string]*models.Wallet
	entries      []models.LedgerEntry
	reservations map[string]*models.Reservation // keyed by user + run
	nextID       int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[string]*models.Wallet),
		reservations: make(map[string]*models.Reservation),
	}
}

func reservationKey(userID, runID string) string {
	return userID + "\x00" + runID
}

func (s *MemoryStore) Reserve(ctx context.Context, res *models.Reservation) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[res.UserID]
	if !ok || w.AvailableCredits < res.Credits {
		var available int64
		if ok {
			available = w.AvailableCredits
		}
		return false, available, nil
	}
	w.AvailableCredits -= res.Credits
	w.ReservedCredits += res.Credits
	w.UpdatedAt = time.Now()

	r := *res
	s.reservations[reservationKey(res.UserID, res.RunID)] = &r
	return true, w.AvailableCredits, nil
}

func (s *MemoryStore) Reconcile(ctx context.Context, userID, runID string, reserved, used int64, entry *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok || w.ReservedCredits < reserved {
		return ErrReservationMismatch
	}
	r, ok := s.reservations[reservationKey(userID, runID)]
	if !ok || r.Status != models.ReservationHeld || r.Credits != reserved {
		return ErrReservationMismatch
	}
	now := time.Now()
	w.ReservedCredits -= reserved
	w.AvailableCredits += reserved - used
	w.UpdatedAt = now

	s.appendLocked(entry)

	r.Status = models.ReservationSettled
	r.Used = used
	r.SettledAt = &now
	return nil
}

func (s *MemoryStore) AddCredits(ctx context.Context, entry *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w, ok := s.wallets[entry.UserID]
	if !ok {
		w = &models.Wallet{UserID: entry.UserID, CreatedAt: now}
		s.wallets[entry.UserID] = w
	}
	w.AvailableCredits += entry.DeltaCredits
	w.UpdatedAt = now
	w.LastTopUpAt = &now

	s.appendLocked(entry)
	return nil
}

func (s *MemoryStore) appendLocked(entry *models.LedgerEntry) {
	s.nextID++
	e := *entry
	e.ID = s.nextID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.entries = append(s.entries, e)
	entry.ID = e.ID
	entry.CreatedAt = e.CreatedAt
}

func (s *MemoryStore) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, nil
	}
	c := *w
	return &c, nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].UserID != userID {
			continue
		}
		out = append(out, s.entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListHeldReservations(ctx context.Context, olderThan time.Time) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Reservation
	for _, r := range s.reservations {
		if r.Status == models.ReservationHeld && r.CreatedAt.Before(olderThan) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
