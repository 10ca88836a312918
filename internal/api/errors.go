package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jordanhubbard/lomu/internal/agent"
	"github.com/jordanhubbard/lomu/internal/approval"
	"github.com/jordanhubbard/lomu/internal/credits"
)

// ValidationError is bad client input; it maps to 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ErrForbidden is returned for admin-only operations.
var ErrForbidden = errors.New("admin privileges required")

// respondErr maps domain errors onto status codes.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		s.respondError(w, http.StatusBadRequest, verr.Error())
		return
	}
	if ice, ok := credits.IsInsufficientCredits(err); ok {
		s.respondJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"success":   false,
			"error":     ice.Error(),
			"required":  ice.Required,
			"available": ice.Available,
			"shortfall": ice.Shortfall(),
		})
		return
	}
	switch {
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, agent.ErrRunNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrRunActive):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, agent.ErrEmptyPrompt), errors.Is(err, credits.ErrInvalidAmount):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		s.respondError(w, http.StatusForbidden, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}
