package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/jordanhubbard/lomu/internal/approval"
	"github.com/jordanhubbard/lomu/pkg/models"
)

type pendingApproval struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Operation string    `json:"operation"`
	Resources []string  `json:"resources"`
	CreatedAt time.Time `json:"createdAt"`
}

// handleApprove handles POST /api/approve/{id}
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, models.ApprovalApproved, s.approvals.Approve)
}

// handleReject handles POST /api/reject/{id}
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, models.ApprovalRejected, s.approvals.Reject)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, status models.ApprovalStatus, resolve func(string) bool) {
	id := r.PathValue("id")
	if !s.ownsApproval(r, id) || !resolve(id) {
		s.respondError(w, http.StatusNotFound, "approval not pending: "+id)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"id":      id,
		"status":  status,
	})
}

// ownsApproval hides other users' requests behind the same 404 as unknown
// ids. Admins may decide for anyone.
func (s *Server) ownsApproval(r *http.Request, id string) bool {
	c := s.caller(r)
	if s.isAdmin(c) {
		return true
	}
	req, err := s.approvals.Status(r.Context(), id)
	return err == nil && req.UserID == c.UserID
}

// handlePendingApprovals handles GET /api/approvals/pending
func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	c := s.caller(r)
	userID := c.UserID
	if s.isAdmin(c) {
		// Admins see everyone's queue unless they narrow it.
		userID = r.URL.Query().Get("userId")
	}

	pending := s.approvals.ListPending(userID)
	out := make([]pendingApproval, 0, len(pending))
	for _, p := range pending {
		out = append(out, pendingApproval{
			ID:        p.ID,
			UserID:    p.UserID,
			Operation: p.Operation,
			Resources: p.AffectedResources,
			CreatedAt: p.CreatedAt,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"count":     len(out),
		"approvals": out,
	})
}

// handleApprovalStatus handles GET /api/approvals/{id}/status
func (s *Server) handleApprovalStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, err := s.approvals.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "approval not found: "+id)
			return
		}
		s.respondErr(w, err)
		return
	}
	c := s.caller(r)
	if req.UserID != c.UserID && !s.isAdmin(c) {
		s.respondError(w, http.StatusNotFound, "approval not found: "+id)
		return
	}

	resp := map[string]interface{}{
		"status":    req.Status,
		"operation": req.Operation,
		"createdAt": req.CreatedAt,
	}
	if req.ResolvedAt != nil {
		resp["resolvedAt"] = req.ResolvedAt
	}
	if req.Reason != "" {
		resp["reason"] = req.Reason
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleApprovalHistory handles GET /api/approvals/history
func (s *Server) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	c := s.caller(r)
	items, err := s.history.ListApprovals(r.Context(), c.UserID, parseLimit(r, 50, 500))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if items == nil {
		items = []*models.ApprovalRequest{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"count":     len(items),
		"approvals": items,
	})
}
