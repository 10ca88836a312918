// Package api is the HTTP surface of lomu: approval decisions, wallet
// reads and top-ups, agent runs, the realtime websocket and health.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/lomu/internal/agent"
	"github.com/jordanhubbard/lomu/internal/auth"
	"github.com/jordanhubbard/lomu/internal/metrics"
	"github.com/jordanhubbard/lomu/pkg/config"
	"github.com/jordanhubbard/lomu/pkg/models"
)

// anonymousUser owns every request when authentication is disabled and the
// caller names no user.
const anonymousUser = "local"

// Approvals is the part of the approval gate the API drives.
type Approvals interface {
	Approve(id string) bool
	Reject(id string) bool
	ListPending(userID string) []models.ApprovalRequest
	Status(ctx context.Context, id string) (*models.ApprovalRequest, error)
}

// ApprovalHistory lists resolved approvals.
type ApprovalHistory interface {
	ListApprovals(ctx context.Context, userID string, limit int) ([]*models.ApprovalRequest, error)
}

// Wallets is the part of the credit ledger the API drives.
type Wallets interface {
	Balance(ctx context.Context, userID string) (models.Balance, error)
	Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)
	AddCredits(ctx context.Context, userID string, credits int64, source models.LedgerSource, referenceID string) (*models.LedgerEntry, error)
}

// Runs starts and inspects agent runs.
type Runs interface {
	Start(ctx context.Context, req agent.Request) (*models.AgentRunState, error)
	Get(ctx context.Context, conversationID string) (*models.AgentRunState, error)
	List(ctx context.Context, userID string) ([]*models.AgentRunState, error)
	Abort(conversationID string) bool
}

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

// Server represents the HTTP API server
type Server struct {
	approvals Approvals
	history   ApprovalHistory
	wallets   Wallets
	runs      Runs
	stream    http.Handler
	auth      *auth.Manager
	authH     *auth.Handlers
	onboard   func(ctx context.Context, userID string)
	config    *config.Config
	metrics   *metrics.Metrics
	checks    map[string]CheckFunc
}

// Deps are the collaborators a Server routes to. Nil members disable their
// routes.
type Deps struct {
	Approvals Approvals
	History   ApprovalHistory
	Wallets   Wallets
	Runs      Runs
	Stream    http.Handler
	Auth      *auth.Manager
	// Onboard runs for every authenticated API call, e.g. to grant the
	// signup allocation.
	Onboard func(ctx context.Context, userID string)
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &Server{
		approvals: deps.Approvals,
		history:   deps.History,
		wallets:   deps.Wallets,
		runs:      deps.Runs,
		stream:    deps.Stream,
		auth:      deps.Auth,
		onboard:   deps.Onboard,
		config:    cfg,
		metrics:   metrics.NewMetrics(),
		checks:    make(map[string]CheckFunc),
	}
	if s.auth != nil {
		s.authH = auth.NewHandlers(s.auth)
	}
	return s
}

// AddHealthCheck registers a dependency probe reported by /health.
func (s *Server) AddHealthCheck(name string, fn CheckFunc) {
	s.checks[name] = fn
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Health and metrics
	mux.HandleFunc("/health", s.handleHealthDetail)
	mux.HandleFunc("/health/live", s.handleHealthLive)
	mux.HandleFunc("/health/ready", s.handleHealthReady)
	mux.Handle("/metrics", promhttp.Handler())

	// Realtime channel
	if s.stream != nil {
		mux.Handle("/ws", s.stream)
	}

	// Auth
	if s.authH != nil {
		mux.HandleFunc("/api/auth/me", s.authH.HandleGetCurrentUser)
		mux.HandleFunc("/api/auth/refresh", s.authH.HandleRefreshToken)
	}

	// Approvals
	if s.approvals != nil {
		mux.HandleFunc("POST /api/approve/{id}", s.handleApprove)
		mux.HandleFunc("POST /api/reject/{id}", s.handleReject)
		mux.HandleFunc("GET /api/approvals/pending", s.handlePendingApprovals)
		mux.HandleFunc("GET /api/approvals/{id}/status", s.handleApprovalStatus)
	}
	if s.history != nil {
		mux.HandleFunc("GET /api/approvals/history", s.handleApprovalHistory)
	}

	// Wallet
	if s.wallets != nil {
		mux.HandleFunc("GET /api/wallet", s.handleWallet)
		mux.HandleFunc("GET /api/wallet/ledger", s.handleLedger)
		mux.HandleFunc("POST /api/wallet/credits", s.handleAddCredits)
	}

	// Agent runs
	if s.runs != nil {
		mux.HandleFunc("POST /api/agent/runs", s.handleStartRun)
		mux.HandleFunc("GET /api/agent/runs", s.handleListRuns)
		mux.HandleFunc("GET /api/agent/runs/{id}", s.handleGetRun)
		mux.HandleFunc("POST /api/agent/runs/{id}/abort", s.handleAbortRun)
	}

	// Apply middleware
	handler := s.authMiddleware(mux)
	handler = s.corsMiddleware(handler)
	handler = s.loggingMiddleware(handler)

	return handler
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for websocket
// upgrades.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// loggingMiddleware logs HTTP requests and records request metrics
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// The upgrade needs the raw writer.
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeLabel(r.URL.Path)
		elapsed := time.Since(start)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		if rec.status >= 500 {
			log.Printf("[API] %s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, elapsed)
		}
	})
}

// routeLabel collapses ids out of paths so metric cardinality stays bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "api" && (parts[1] == "approve" || parts[1] == "reject"):
		parts[2] = "{id}"
	case len(parts) >= 4 && parts[0] == "api" && parts[1] == "approvals" && parts[2] != "pending" && parts[2] != "history":
		parts[2] = "{id}"
	case len(parts) >= 4 && parts[0] == "api" && parts[1] == "agent" && parts[2] == "runs":
		parts[3] = "{id}"
	}
	return "/" + strings.Join(parts, "/")
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.config.Security.AllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			for _, allowedOrigin := range s.config.Security.AllowedOrigins {
				if allowedOrigin == "*" || allowedOrigin == origin {
					w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware attaches the caller's claims to the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health, metrics and the websocket (which authenticates itself)
		// are public.
		if r.URL.Path == "/metrics" || r.URL.Path == "/ws" || strings.HasPrefix(r.URL.Path, "/health") {
			next.ServeHTTP(w, r)
			return
		}

		if !s.config.Security.EnableAuth || s.auth == nil {
			user := r.Header.Get("X-User-ID")
			if user == "" {
				user = anonymousUser
			}
			claims := &auth.Claims{UserID: user, Role: auth.RoleAdmin}
			s.serveAs(next, w, r, claims)
			return
		}

		claims, err := s.auth.ClaimsFromRequest(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.serveAs(next, w, r, claims)
	})
}

func (s *Server) serveAs(next http.Handler, w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	if s.onboard != nil {
		s.onboard(r.Context(), claims.UserID)
	}
	next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]interface{}{"success": false, "error": message})
}

// parseJSON parses JSON request body
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

// parseLimit reads ?limit=, falling back to def and capping at max.
func parseLimit(r *http.Request, def, max int) int {
	limit := def
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

func (s *Server) caller(r *http.Request) *auth.Claims {
	if c, ok := auth.ClaimsFromContext(r.Context()); ok {
		return c
	}
	return &auth.Claims{UserID: anonymousUser}
}

func (s *Server) isAdmin(c *auth.Claims) bool {
	if !s.config.Security.EnableAuth || s.auth == nil {
		return true
	}
	return s.auth.IsAdmin(c)
}
