package auth

import (
	"encoding/json"
	"net/http"
)

// Handlers provides HTTP handlers for auth operations
type Handlers struct {
	manager *Manager
}

// NewHandlers creates auth HTTP handlers
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{manager: manager}
}

// HandleGetCurrentUser handles GET /api/auth/me
func (h *Handlers) HandleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]interface{}{
		"userId": claims.UserID,
		"role":   claims.Role,
		"admin":  h.manager.IsAdmin(claims),
	})
}

// HandleRefreshToken handles POST /api/auth/refresh (returns new token)
func (h *Handlers) HandleRefreshToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	token, err := h.manager.GenerateToken(claims.UserID, claims.Role)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"token":      token,
		"expires_in": int64(h.manager.tokenTTL.Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
