package api

import (
	"fmt"
	"net/http"

	"github.com/jordanhubbard/lomu/pkg/models"
)

// handleWallet handles GET /api/wallet
func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	bal, err := s.wallets.Balance(r.Context(), s.caller(r).UserID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, bal)
}

// handleLedger handles GET /api/wallet/ledger
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.wallets.Entries(r.Context(), s.caller(r).UserID, parseLimit(r, 50, 1000))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(entries),
		"entries": entries,
	})
}

// AddCreditsRequest is the body of POST /api/wallet/credits.
type AddCreditsRequest struct {
	UserID      string              `json:"userId"`
	Credits     int64               `json:"credits"`
	Source      models.LedgerSource `json:"source,omitempty"`
	ReferenceID string              `json:"referenceId,omitempty"`
}

// handleAddCredits handles POST /api/wallet/credits (admin only)
func (s *Server) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(s.caller(r)) {
		s.respondErr(w, ErrForbidden)
		return
	}
	var req AddCreditsRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	if req.UserID == "" {
		s.respondErr(w, &ValidationError{Field: "userId", Message: "required"})
		return
	}
	if req.Credits <= 0 {
		s.respondErr(w, &ValidationError{Field: "credits", Message: "must be positive"})
		return
	}
	if req.Source == "" {
		req.Source = models.LedgerSourcePurchase
	}
	if !req.Source.Valid() || req.Source == models.LedgerSourceConsumption {
		s.respondErr(w, &ValidationError{Field: "source", Message: fmt.Sprintf("%q is not a top-up source", req.Source)})
		return
	}

	entry, err := s.wallets.AddCredits(r.Context(), req.UserID, req.Credits, req.Source, req.ReferenceID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	bal, err := s.wallets.Balance(r.Context(), req.UserID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"entry":   entry,
		"balance": bal,
	})
}
