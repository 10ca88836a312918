package models

import "time"

// Wallet is a user's credit balance. Available credits can be spent;
// reserved credits are held for in-flight agent runs.
type Wallet struct {
	UserID           string     `json:"user_id"`
	AvailableCredits int64      `json:"available_credits"`
	ReservedCredits  int64      `json:"reserved_credits"`
	LastTopUpAt      *time.Time `json:"last_top_up_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TotalCredits returns available plus reserved credits.
func (w *Wallet) TotalCredits() int64 {
	return w.AvailableCredits + w.ReservedCredits
}

// Balance is the read projection of a wallet.
type Balance struct {
	AvailableCredits int64 `json:"availableCredits"`
	ReservedCredits  int64 `json:"reservedCredits"`
	TotalCredits     int64 `json:"totalCredits"`
}

// LedgerSource classifies a ledger entry.
type LedgerSource string

const (
	LedgerSourceAllocation  LedgerSource = "allocation"
	LedgerSourcePurchase    LedgerSource = "purchase"
	LedgerSourceRefund      LedgerSource = "refund"
	LedgerSourceAdjustment  LedgerSource = "adjustment"
	LedgerSourceConsumption LedgerSource = "consumption"
)

// Valid reports whether s is a known ledger source.
func (s LedgerSource) Valid() bool {
	switch s {
	case LedgerSourceAllocation, LedgerSourcePurchase, LedgerSourceRefund,
		LedgerSourceAdjustment, LedgerSourceConsumption:
		return true
	}
	return false
}

// LedgerEntry is one append-only row of the credit ledger.
type LedgerEntry struct {
	ID           int64                  `json:"id"`
	UserID       string                 `json:"user_id"`
	DeltaCredits int64                  `json:"delta_credits"`
	USDAmount    *float64               `json:"usd_amount,omitempty"`
	Source       LedgerSource           `json:"source"`
	ReferenceID  string                 `json:"reference_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ReservationStatus tracks whether a hold has been settled.
type ReservationStatus string

const (
	ReservationHeld    ReservationStatus = "held"
	ReservationSettled ReservationStatus = "settled"
)

// Reservation is a provisional hold of credits for one run.
type Reservation struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	RunID     string            `json:"run_id"`
	Credits   int64             `json:"credits"`
	Used      int64             `json:"used"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	SettledAt *time.Time        `json:"settled_at,omitempty"`
}
