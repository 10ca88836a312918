package credits

import (
	"errors"
	"fmt"
)

var (
	// ErrReservationMismatch means the wallet holds fewer reserved credits
	// than the reconcile call tried to release.
	ErrReservationMismatch = errors.New("reserved balance is smaller than the reservation being settled")
	// ErrInvalidAmount is returned for non-positive or out-of-range amounts.
	ErrInvalidAmount = errors.New("invalid credit amount")
)

// InsufficientCreditsError is the expected outcome of a reservation the
// wallet cannot cover. It carries both sides of the shortfall.
type InsufficientCreditsError struct {
	UserID    string
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: need %d, have %d (short by %d)",
		e.UserID, e.Required, e.Available, e.Shortfall())
}

// Shortfall is the number of credits missing.
func (e *InsufficientCreditsError) Shortfall() int64 {
	if e.Required <= e.Available {
		return 0
	}
	return e.Required - e.Available
}

// IsInsufficientCredits reports whether err carries an InsufficientCreditsError.
func IsInsufficientCredits(err error) (*InsufficientCreditsError, bool) {
	var ice *InsufficientCreditsError
	if errors.As(err, &ice) {
		return ice, true
	}
	return nil, false
}
