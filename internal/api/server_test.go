package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/lomu/internal/agent"
	"github.com/jordanhubbard/lomu/internal/approval"
	"github.com/jordanhubbard/lomu/internal/auth"
	"github.com/jordanhubbard/lomu/internal/credits"
	"github.com/jordanhubbard/lomu/internal/provider"
	"github.com/jordanhubbard/lomu/internal/tools"
	"github.com/jordanhubbard/lomu/pkg/config"
	"github.com/jordanhubbard/lomu/pkg/messages"
	"github.com/jordanhubbard/lomu/pkg/models"
)

type onlineNotifier struct {
	mu   sync.Mutex
	sent []*messages.StreamMessage
}

func (n *onlineNotifier) Send(userID string, msg *messages.StreamMessage) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return true
}

type testEnv struct {
	server  *Server
	handler http.Handler
	gate    *approval.Gate
	ledger  *credits.Ledger
	runs    *agent.Manager
	auth    *auth.Manager
}

func newTestEnv(t *testing.T, enableAuth bool) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Security.EnableAuth = enableAuth

	notifier := &onlineNotifier{}
	gate := approval.NewGate(notifier)
	ledger := credits.NewLedger(credits.NewMemoryStore(), credits.Pricing{TokensPerCredit: 1000, CreditDollarValue: 0.01})
	loop := agent.NewLoop(provider.NewMockProvider(), tools.NewRegistry(), ledger, gate, notifier,
		agent.WithConfig(agent.Config{MaxRounds: 5, EstimatedTokensPerRound: 20000}))
	runs := agent.NewManager(loop)
	am := auth.NewManager("test-secret", []string{"ops"})

	s := NewServer(Deps{
		Approvals: gate,
		History:   historyFunc(func(ctx context.Context, userID string, limit int) ([]*models.ApprovalRequest, error) { return nil, nil }),
		Wallets:   ledger,
		Runs:      runs,
		Auth:      am,
	}, cfg)
	return &testEnv{server: s, handler: s.SetupRoutes(), gate: gate, ledger: ledger, runs: runs, auth: am}
}

type historyFunc func(ctx context.Context, userID string, limit int) ([]*models.ApprovalRequest, error)

func (f historyFunc) ListApprovals(ctx context.Context, userID string, limit int) ([]*models.ApprovalRequest, error) {
	return f(ctx, userID, limit)
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		if e.server.config.Security.EnableAuth {
			token, err := e.auth.GenerateToken(user, "")
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+token)
		} else {
			req.Header.Set("X-User-ID", user)
		}
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	var out map[string]interface{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func TestApproveAndReject(t *testing.T) {
	env := newTestEnv(t, false)
	f1 := env.gate.RequestApproval(context.Background(), "a1", "u1", "write x", []string{"x"}, time.Minute)
	f2 := env.gate.RequestApproval(context.Background(), "a2", "u1", "delete y", []string{"y"}, time.Minute)

	w, body := env.do(t, http.MethodPost, "/api/approve/a1", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "a1", body["id"])
	assert.Equal(t, "approved", body["status"])
	ok, res, err := f1.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, approval.ResolutionApproved, res)

	w, body = env.do(t, http.MethodPost, "/api/reject/a2", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rejected", body["status"])
	ok, _, _ = f2.Wait(context.Background())
	assert.False(t, ok)

	// Already resolved.
	w, _ = env.do(t, http.MethodPost, "/api/approve/a1", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = env.do(t, http.MethodPost, "/api/reject/missing", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPendingApprovals(t *testing.T) {
	env := newTestEnv(t, true)
	env.gate.RequestApproval(context.Background(), "a1", "u1", "write x", []string{"x"}, time.Minute)
	env.gate.RequestApproval(context.Background(), "b1", "u2", "write y", []string{"y"}, time.Minute)

	w, body := env.do(t, http.MethodGet, "/api/approvals/pending", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["count"])
	items := body["approvals"].([]interface{})
	first := items[0].(map[string]interface{})
	assert.Equal(t, "a1", first["id"])
	assert.Equal(t, "u1", first["userId"])
	assert.Equal(t, "write x", first["operation"])
	assert.Equal(t, []interface{}{"x"}, first["resources"])
	assert.NotEmpty(t, first["createdAt"])

	// Admins see every user's queue.
	w, body = env.do(t, http.MethodGet, "/api/approvals/pending", "ops", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])
}

func TestApprovalOwnership(t *testing.T) {
	env := newTestEnv(t, true)
	env.gate.RequestApproval(context.Background(), "a1", "u1", "write x", nil, time.Minute)

	w, _ := env.do(t, http.MethodPost, "/api/approve/a1", "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = env.do(t, http.MethodGet, "/api/approvals/a1/status", "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Len(t, env.gate.ListPending("u1"), 1)

	w, _ = env.do(t, http.MethodPost, "/api/approve/a1", "ops", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestApprovalStatus(t *testing.T) {
	env := newTestEnv(t, false)
	env.gate.RequestApproval(context.Background(), "a1", "u1", "write x", nil, time.Minute)

	w, body := env.do(t, http.MethodGet, "/api/approvals/a1/status", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "write x", body["operation"])
	assert.NotContains(t, body, "resolvedAt")

	require.True(t, env.gate.Reject("a1"))
	w, body = env.do(t, http.MethodGet, "/api/approvals/a1/status", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rejected", body["status"])
	assert.Contains(t, body, "resolvedAt")
	assert.Equal(t, "rejected", body["reason"])

	w, _ = env.do(t, http.MethodGet, "/api/approvals/nope/status", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWalletEndpoints(t *testing.T) {
	env := newTestEnv(t, true)

	w, body := env.do(t, http.MethodGet, "/api/wallet", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["availableCredits"])
	assert.Equal(t, float64(0), body["reservedCredits"])
	assert.Equal(t, float64(0), body["totalCredits"])

	// Top-ups are admin only.
	w, _ = env.do(t, http.MethodPost, "/api/wallet/credits", "u1", AddCreditsRequest{UserID: "u1", Credits: 150})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body = env.do(t, http.MethodPost, "/api/wallet/credits", "ops", AddCreditsRequest{UserID: "u1", Credits: 150})
	require.Equal(t, http.StatusOK, w.Code)
	bal := body["balance"].(map[string]interface{})
	assert.Equal(t, float64(150), bal["availableCredits"])

	w, _ = env.do(t, http.MethodPost, "/api/wallet/credits", "ops", AddCreditsRequest{UserID: "u1", Credits: -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = env.do(t, http.MethodPost, "/api/wallet/credits", "ops", AddCreditsRequest{UserID: "u1", Credits: 5, Source: models.LedgerSourceConsumption})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = env.do(t, http.MethodGet, "/api/wallet/ledger", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])
	entry := body["entries"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, float64(150), entry["delta_credits"])
	assert.Equal(t, "purchase", entry["source"])
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, true)

	w, _ := env.do(t, http.MethodGet, "/api/wallet", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/wallet", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	w, _ = env.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunLifecycle(t *testing.T) {
	env := newTestEnv(t, false)

	// Nothing in the wallet yet.
	w, body := env.do(t, http.MethodPost, "/api/agent/runs", "u1", StartRunRequest{Prompt: "hi"})
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, float64(100), body["required"])
	assert.Equal(t, float64(0), body["available"])

	_, err := env.ledger.AddCredits(context.Background(), "u1", 500, models.LedgerSourceAllocation, "")
	require.NoError(t, err)

	w, body = env.do(t, http.MethodPost, "/api/agent/runs", "u1", StartRunRequest{ConversationID: "c1", Prompt: "hi"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "c1", body["conversationId"])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := env.runs.Wait(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseDone, res.State.Phase)

	w, body = env.do(t, http.MethodGet, "/api/agent/runs/c1", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "done", body["phase"])

	w, body = env.do(t, http.MethodGet, "/api/agent/runs", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])

	w, body = env.do(t, http.MethodPost, "/api/agent/runs/c1/abort", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["success"])

	w, _ = env.do(t, http.MethodGet, "/api/agent/runs/nope", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = env.do(t, http.MethodPost, "/api/agent/runs", "u1", StartRunRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOnboardRunsForAuthenticatedCalls(t *testing.T) {
	env := newTestEnv(t, true)
	env.server.onboard = func(ctx context.Context, userID string) {
		_, err := env.ledger.EnsureSignup(ctx, userID, 10)
		require.NoError(t, err)
	}

	w, body := env.do(t, http.MethodGet, "/api/wallet", "u9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(10), body["availableCredits"])

	w, body = env.do(t, http.MethodGet, "/api/wallet", "u9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(10), body["availableCredits"])
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	env.server.AddHealthCheck("database", func(ctx context.Context) error { return nil })
	env.handler = env.server.SetupRoutes()

	w, body := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	env.server.AddHealthCheck("redis", func(ctx context.Context) error { return errors.New("down") })
	w, body = env.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, false, body["ready"])
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/api/approve/{id}", routeLabel("/api/approve/abc"))
	assert.Equal(t, "/api/approvals/{id}/status", routeLabel("/api/approvals/abc/status"))
	assert.Equal(t, "/api/approvals/pending", routeLabel("/api/approvals/pending"))
	assert.Equal(t, "/api/agent/runs/{id}/abort", routeLabel("/api/agent/runs/c1/abort"))
	assert.Equal(t, "/api/wallet", routeLabel("/api/wallet"))
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, true)
	req := httptest.NewRequest(http.MethodOptions, "/api/wallet", nil)
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
