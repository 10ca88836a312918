package api

import (
	"net/http"

	"github.com/jordanhubbard/lomu/internal/agent"
	"github.com/jordanhubbard/lomu/pkg/models"
)

// StartRunRequest is the body of POST /api/agent/runs.
type StartRunRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	Prompt         string `json:"prompt"`
	MaxRounds      int    `json:"maxRounds,omitempty"`
}

// handleStartRun handles POST /api/agent/runs. Credits are reserved before
// it returns, so an empty wallet answers 402 here rather than on the stream.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	if req.Prompt == "" {
		s.respondErr(w, &ValidationError{Field: "prompt", Message: "required"})
		return
	}
	if req.MaxRounds < 0 {
		s.respondErr(w, &ValidationError{Field: "maxRounds", Message: "must not be negative"})
		return
	}

	st, err := s.runs.Start(r.Context(), agent.Request{
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		UserID:         s.caller(r).UserID,
		Prompt:         req.Prompt,
		MaxRounds:      req.MaxRounds,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":        true,
		"conversationId": st.ConversationID,
		"run":            st,
	})
}

// handleListRuns handles GET /api/agent/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.List(r.Context(), s.caller(r).UserID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if runs == nil {
		runs = []*models.AgentRunState{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(runs),
		"runs":    runs,
	})
}

// handleGetRun handles GET /api/agent/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	st, ok := s.ownedRun(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

// handleAbortRun handles POST /api/agent/runs/{id}/abort
func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	st, ok := s.ownedRun(w, r)
	if !ok {
		return
	}
	aborted := s.runs.Abort(st.ConversationID)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":        aborted,
		"conversationId": st.ConversationID,
		"phase":          st.Phase,
	})
}

func (s *Server) ownedRun(w http.ResponseWriter, r *http.Request) (*models.AgentRunState, bool) {
	id := r.PathValue("id")
	st, err := s.runs.Get(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return nil, false
	}
	c := s.caller(r)
	if st.UserID != c.UserID && !s.isAdmin(c) {
		s.respondErr(w, agent.ErrRunNotFound)
		return nil, false
	}
	return st, true
}
