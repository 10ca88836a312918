package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/lomu/internal/approval"
	"github.com/jordanhubbard/lomu/internal/clock"
	"github.com/jordanhubbard/lomu/internal/credits"
	"github.com/jordanhubbard/lomu/internal/files"
	"github.com/jordanhubbard/lomu/internal/provider"
	"github.com/jordanhubbard/lomu/internal/tools"
	"github.com/jordanhubbard/lomu/pkg/messages"
	"github.com/jordanhubbard/lomu/pkg/models"
)

// recorder is an Emitter that stores every event and reports a fixed
// online status.
type recorder struct {
	mu     sync.Mutex
	online bool
	events []*messages.StreamMessage
}

func (r *recorder) Send(userID string, msg *messages.StreamMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, msg)
	return r.online
}

func (r *recorder) ofType(t messages.Type) []*messages.StreamMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*messages.StreamMessage
	for _, m := range r.events {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) phases() []string {
	var out []string
	for _, m := range r.ofType(messages.TypeStatus) {
		var p messages.StatusPayload
		if err := m.Decode(&p); err == nil {
			out = append(out, p.Phase)
		}
	}
	return out
}

type harness struct {
	loop     *Loop
	model    *provider.MockProvider
	ledger   *credits.Ledger
	gate     *approval.Gate
	events   *recorder
	registry *tools.Registry
	workDir  string
}

type harnessOpts struct {
	steps     []provider.Step
	online    bool
	funds     int64
	maxRounds int
	clock     clock.Clock
	sensitive []string
	streaming bool
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	root := t.TempDir()
	mgr := files.NewManager(files.RootResolver{Root: root})
	registry := tools.NewRegistry()
	tools.RegisterWorkspace(registry, mgr)
	if o.sensitive != nil {
		registry.SetSensitive(o.sensitive)
	}

	ledger := credits.NewLedger(credits.NewMemoryStore(), credits.Pricing{TokensPerCredit: 1000, CreditDollarValue: 0.01})
	if o.funds == 0 {
		o.funds = 1000
	}
	if o.funds > 0 {
		_, err := ledger.AddCredits(context.Background(), "u1", o.funds, models.LedgerSourceAllocation, "")
		require.NoError(t, err)
	}

	events := &recorder{online: o.online}
	gateOpts := []approval.Option{}
	if o.clock != nil {
		gateOpts = append(gateOpts, approval.WithClock(o.clock))
	}
	gate := approval.NewGate(events, gateOpts...)
	model := provider.NewMockProvider(o.steps...)
	var generator provider.Generator = model
	if o.streaming {
		generator = &provider.StreamingMock{MockProvider: model, ChunkSize: 4}
	}

	if o.maxRounds == 0 {
		o.maxRounds = 5
	}
	loop := NewLoop(generator, registry, ledger, gate, events, WithConfig(Config{
		MaxRounds:               o.maxRounds,
		EstimatedTokensPerRound: 20000,
		ToolTimeout:             5 * time.Second,
	}))
	return &harness{
		loop:     loop,
		model:    model,
		ledger:   ledger,
		gate:     gate,
		events:   events,
		registry: registry,
		workDir:  filepath.Join(root, "u1"),
	}
}

func (h *harness) writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(h.workDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(h.workDir, name), []byte(content), 0644))
}

func (h *harness) balance(t *testing.T) models.Balance {
	t.Helper()
	bal, err := h.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return bal
}

func toolStep(calls ...provider.ToolCall) provider.Step {
	return provider.Step{Generation: &provider.Generation{
		ToolCalls: calls,
		Usage:     provider.Usage{InputTokens: 400, OutputTokens: 100},
	}}
}

func textStep(text string) provider.Step {
	return provider.Step{Generation: &provider.Generation{
		Text:  text,
		Usage: provider.Usage{InputTokens: 300, OutputTokens: 200},
	}}
}

func lastToolMessage(t *testing.T, reqs [][]provider.ChatMessage, call int) provider.ChatMessage {
	t.Helper()
	require.Greater(t, len(reqs), call)
	msgs := reqs[call]
	last := msgs[len(msgs)-1]
	require.Equal(t, "tool", last.Role)
	return last
}

func TestRunWithoutToolCallsCompletes(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "hello", SessionID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, "[mock] hello", res.Output)
	assert.Equal(t, models.PhaseDone, res.State.Phase)
	assert.Equal(t, 1, res.State.RoundCount)
	assert.Empty(t, res.State.ToolLog)
	assert.Equal(t, int64(1), res.CreditsUsed)
	assert.Equal(t, int64(100), res.State.ReservedCredits)

	bal := h.balance(t)
	assert.Equal(t, int64(999), bal.AvailableCredits)
	assert.Equal(t, int64(0), bal.ReservedCredits)

	require.NotEmpty(t, h.events.events)
	assert.Equal(t, messages.TypeRunStarted, h.events.events[0].Type)
	assert.Equal(t, messages.TypeComplete, h.events.events[len(h.events.events)-1].Type)
	assert.Equal(t, "s1", h.events.events[0].SessionID)
	assert.Equal(t, []string{"assess", "done"}, h.events.phases())

	entries, err := h.ledger.Entries(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, int64(-1), entries[0].DeltaCredits)
	assert.Equal(t, models.LedgerSourceConsumption, entries[0].Source)
}

func TestStreamingModelEmitsTextChunks(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, streaming: true, steps: []provider.Step{textStep("all done here")}})

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "all done here", res.Output)

	var text []string
	for _, msg := range h.events.ofType(messages.TypeTextChunk) {
		var p messages.TextChunkPayload
		require.NoError(t, msg.Decode(&p))
		text = append(text, p.Text)
	}
	assert.Equal(t, []string{"all ", "done", " her", "e"}, text)
	require.Len(t, h.events.ofType(messages.TypeThought), 1)
}

func TestToolResultsFeedBackToModel(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, steps: []provider.Step{
		toolStep(provider.Call("c1", "read_file", map[string]interface{}{"path": "notes.txt"})),
		textStep("the notes say hi"),
	}})
	h.writeFile(t, "notes.txt", "hi there")

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "read my notes"})
	require.NoError(t, err)

	assert.Equal(t, "the notes say hi", res.Output)
	assert.Equal(t, 2, res.State.RoundCount)
	require.Len(t, res.State.ToolLog, 1)
	rec := res.State.ToolLog[0]
	assert.Equal(t, "read_file", rec.Name)
	assert.Equal(t, models.ToolSuccess, rec.Status)
	assert.False(t, rec.Cached)
	assert.Equal(t, 2, rec.CostTokens)

	tool := lastToolMessage(t, h.model.Requests(), 1)
	assert.Equal(t, "hi there", tool.Content)
	assert.Equal(t, "c1", tool.ToolCallID)

	assert.Equal(t, []string{"assess", "act", "verify", "done"}, h.events.phases())
	assert.Len(t, h.events.ofType(messages.TypeToolStart), 1)
	assert.Len(t, h.events.ofType(messages.TypeToolResult), 1)
	assert.Equal(t, 1000, res.State.TokensUsed)
	assert.Equal(t, int64(1), res.CreditsUsed)
}

func TestToolErrorIsFedBackAndRetriedIsMarked(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, sensitive: []string{}, steps: []provider.Step{
		toolStep(provider.Call("c1", "read_file", map[string]interface{}{"path": "todo.txt"})),
		toolStep(provider.Call("c2", "write_file", map[string]interface{}{"path": "todo.txt", "content": "ship it"})),
		toolStep(provider.Call("c3", "read_file", map[string]interface{}{"path": "todo.txt"})),
		textStep("done"),
	}})

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "fix todo"})
	require.NoError(t, err)
	require.Len(t, res.State.ToolLog, 3)

	assert.Equal(t, models.ToolError, res.State.ToolLog[0].Status)
	assert.NotEmpty(t, res.State.ToolLog[0].Error)
	assert.True(t, strings.HasPrefix(lastToolMessage(t, h.model.Requests(), 1).Content, "Error: "))

	assert.Equal(t, models.ToolSuccess, res.State.ToolLog[1].Status)
	assert.Equal(t, models.ToolRetried, res.State.ToolLog[2].Status)
	assert.Equal(t, "ship it", lastToolMessage(t, h.model.Requests(), 3).Content)
	assert.Len(t, h.events.ofType(messages.TypeFileChanged), 1)
}

func TestUnknownToolAndBadArgumentsAreRecoverable(t *testing.T) {
	bad := provider.ToolCall{ID: "c2", Type: "function", Function: provider.FunctionCall{Name: "read_file", Arguments: "{nope"}}
	h := newHarness(t, harnessOpts{online: true, steps: []provider.Step{
		toolStep(provider.Call("c1", "launch_rockets", nil), bad),
		textStep("ok"),
	}})

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "go"})
	require.NoError(t, err)
	require.Len(t, res.State.ToolLog, 2)
	assert.Equal(t, models.ToolError, res.State.ToolLog[0].Status)
	assert.Contains(t, res.State.ToolLog[0].Error, "unknown tool")
	assert.Equal(t, models.ToolError, res.State.ToolLog[1].Status)
	assert.Equal(t, models.PhaseDone, res.State.Phase)
}

func TestReadCacheReusesAndInvalidates(t *testing.T) {
	read := map[string]interface{}{"path": "a.txt"}
	h := newHarness(t, harnessOpts{online: true, sensitive: []string{}, steps: []provider.Step{
		toolStep(provider.Call("c1", "read_file", read), provider.Call("c2", "read_file", read)),
		toolStep(provider.Call("c3", "write_file", map[string]interface{}{"path": "a.txt", "content": "v2"})),
		toolStep(provider.Call("c4", "read_file", read)),
		textStep("done"),
	}})
	h.writeFile(t, "a.txt", "v1")

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "edit a"})
	require.NoError(t, err)
	require.Len(t, res.State.ToolLog, 4)

	assert.False(t, res.State.ToolLog[0].Cached)
	assert.True(t, res.State.ToolLog[1].Cached)
	assert.False(t, res.State.ToolLog[3].Cached)
	assert.Equal(t, "v2", lastToolMessage(t, h.model.Requests(), 3).Content)
	assert.Len(t, h.events.ofType(messages.TypeToolStart), 4)
	assert.Len(t, h.events.ofType(messages.TypeToolResult), 4)
}

func TestTaskUpdateEvent(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, steps: []provider.Step{
		toolStep(provider.Call("c1", "update_tasks", map[string]interface{}{
			"tasks": []interface{}{
				map[string]interface{}{"id": "1", "title": "Read code", "status": "completed"},
				map[string]interface{}{"id": "2", "title": "Write fix", "status": "in_progress"},
			},
		})),
		textStep("working"),
	}})

	_, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "plan"})
	require.NoError(t, err)

	updates := h.events.ofType(messages.TypeTaskUpdate)
	require.Len(t, updates, 1)
	var p messages.TaskUpdatePayload
	require.NoError(t, updates[0].Decode(&p))
	require.Len(t, p.Tasks, 2)
	assert.Equal(t, "Write fix", p.Tasks[1].Title)
}

func waitPending(t *testing.T, g *approval.Gate) models.ApprovalRequest {
	t.Helper()
	var pending []models.ApprovalRequest
	require.Eventually(t, func() bool {
		pending = g.ListPending("u1")
		return len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	return pending[0]
}

func TestSensitiveToolApproved(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, steps: []provider.Step{
		toolStep(provider.Call("c1", "write_file", map[string]interface{}{"path": "out.txt", "content": "data"})),
		textStep("written"),
	}})

	go func() {
		req := waitPending(t, h.gate)
		assert.Equal(t, "write out.txt", req.Operation)
		assert.Equal(t, []string{"out.txt"}, req.AffectedResources)
		h.gate.Approve(req.ID)
	}()

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "write"})
	require.NoError(t, err)
	require.Len(t, res.State.ToolLog, 1)
	assert.Equal(t, models.ToolSuccess, res.State.ToolLog[0].Status)

	data, err := os.ReadFile(filepath.Join(h.workDir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	assert.Len(t, h.events.ofType(messages.TypeApprovalRequest), 1)
	assert.Len(t, h.events.ofType(messages.TypeFileChanged), 1)
}

func TestSensitiveToolRejectedContinuesRun(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, steps: []provider.Step{
		toolStep(provider.Call("c1", "delete_file", map[string]interface{}{"path": "keep.txt"})),
		textStep("understood"),
	}})
	h.writeFile(t, "keep.txt", "precious")

	go func() {
		req := waitPending(t, h.gate)
		h.gate.Reject(req.ID)
	}()

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "clean up"})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseDone, res.State.Phase)
	require.Len(t, res.State.ToolLog, 1)
	assert.Equal(t, models.ToolError, res.State.ToolLog[0].Status)
	assert.Contains(t, res.State.ToolLog[0].Error, "rejected")
	assert.Contains(t, lastToolMessage(t, h.model.Requests(), 1).Content, "not approved")

	_, err = os.Stat(filepath.Join(h.workDir, "keep.txt"))
	assert.NoError(t, err)
}

func TestSensitiveToolOfflineUserAutoRejects(t *testing.T) {
	h := newHarness(t, harnessOpts{online: false, steps: []provider.Step{
		toolStep(provider.Call("c1", "write_file", map[string]interface{}{"path": "x.txt", "content": "x"})),
		textStep("ok"),
	}})

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "write"})
	require.NoError(t, err)
	require.Len(t, res.State.ToolLog, 1)
	assert.Equal(t, models.ToolError, res.State.ToolLog[0].Status)
	assert.Contains(t, res.State.ToolLog[0].Error, "offline")
	assert.Empty(t, h.gate.ListPending("u1"))
}

func TestSensitiveToolApprovalTimeout(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := newHarness(t, harnessOpts{online: true, clock: fc, steps: []provider.Step{
		toolStep(provider.Call("c1", "write_file", map[string]interface{}{"path": "x.txt", "content": "x"})),
		textStep("ok"),
	}})

	go func() {
		waitPending(t, h.gate)
		// The deadline timer is armed right after the entry is listed.
		assert.Eventually(t, func() bool { return fc.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)
		fc.Advance(approval.DefaultTimeout + time.Second)
	}()

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "write"})
	require.NoError(t, err)
	require.Len(t, res.State.ToolLog, 1)
	assert.Equal(t, models.ToolTimeout, res.State.ToolLog[0].Status)
}

func TestProviderErrorsConsumeRounds(t *testing.T) {
	boom := errors.New("upstream 503")
	h := newHarness(t, harnessOpts{online: true, steps: []provider.Step{
		{Err: boom}, {Err: boom},
	}})

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.State.RoundCount)
	assert.Equal(t, models.PhaseDone, res.State.Phase)
}

func TestProviderErrorOnLastRoundFailsRun(t *testing.T) {
	boom := errors.New("upstream 503")
	h := newHarness(t, harnessOpts{online: true, maxRounds: 2, steps: []provider.Step{
		{Err: boom}, {Err: boom},
	}})

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "hi"})
	require.Error(t, err)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Round)
	assert.ErrorIs(t, err, boom)

	require.NotNil(t, res)
	assert.Equal(t, models.PhaseFailed, res.State.Phase)
	assert.Equal(t, int64(0), res.CreditsUsed)

	bal := h.balance(t)
	assert.Equal(t, int64(1000), bal.AvailableCredits)
	assert.Equal(t, int64(0), bal.ReservedCredits)

	errs := h.events.ofType(messages.TypeError)
	require.Len(t, errs, 1)
	var p messages.ErrorPayload
	require.NoError(t, errs[0].Decode(&p))
	assert.Equal(t, "provider_error", p.Code)
}

func TestRoundLimitTruncates(t *testing.T) {
	list := provider.Call("c1", "list_files", nil)
	h := newHarness(t, harnessOpts{online: true, maxRounds: 2, steps: []provider.Step{
		toolStep(list), toolStep(list), toolStep(list),
	}})

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "explore"})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 2, res.State.RoundCount)
	assert.Equal(t, models.PhaseDone, res.State.Phase)
	assert.Len(t, h.model.Requests(), 2)
}

func TestUsageIsClampedToReservation(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, steps: []provider.Step{
		{Generation: &provider.Generation{Text: "huge", Usage: provider.Usage{InputTokens: 900000, OutputTokens: 1}}},
	}})

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.CreditsUsed)

	bal := h.balance(t)
	assert.Equal(t, int64(900), bal.AvailableCredits)
	assert.Equal(t, int64(0), bal.ReservedCredits)
}

func TestInsufficientCreditsAbortsBeforeFirstRound(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, funds: 40})

	res, err := h.loop.Run(context.Background(), Request{UserID: "u1", Prompt: "hi"})
	assert.Nil(t, res)
	ice, ok := credits.IsInsufficientCredits(err)
	require.True(t, ok)
	assert.Equal(t, int64(100), ice.Required)
	assert.Equal(t, int64(40), ice.Available)

	assert.Empty(t, h.model.Requests())
	bal := h.balance(t)
	assert.Equal(t, int64(40), bal.AvailableCredits)
	assert.Equal(t, int64(0), bal.ReservedCredits)

	errs := h.events.ofType(messages.TypeError)
	require.Len(t, errs, 1)
	var p messages.ErrorPayload
	require.NoError(t, errs[0].Decode(&p))
	assert.Equal(t, "insufficient_credits", p.Code)

	states, err := h.loop.States().ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, states, "a run that never reserved credits is not published")
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})
	_, err := h.loop.Start(context.Background(), Request{UserID: "u1", Prompt: "  "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	_, err = h.loop.Start(context.Background(), Request{Prompt: "hi"})
	assert.Error(t, err)
}

func TestRunStateIsPublished(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})
	res, err := h.loop.Run(context.Background(), Request{ConversationID: "conv-1", UserID: "u1", Prompt: "hi"})
	require.NoError(t, err)

	st, err := h.loop.States().Get(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseDone, st.Phase)
	assert.Equal(t, res.State.RunID, st.RunID)
	require.NotNil(t, st.EndedAt)
}

func TestCallKeyIgnoresArgumentOrder(t *testing.T) {
	a := callKey("read_file", map[string]interface{}{"path": "a", "limit": 3})
	b := callKey("read_file", map[string]interface{}{"limit": 3, "path": "a"})
	c := callKey("read_file", map[string]interface{}{"path": "b", "limit": 3})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, callKey("list_files", map[string]interface{}{"path": "a", "limit": 3}))
}

func TestCutAtKeepsRunesWhole(t *testing.T) {
	s := "ab" + "é" + "cd" // é is two bytes at offsets 2-3
	assert.Equal(t, "ab", cutAt(s, 3))
	assert.Equal(t, "abé", cutAt(s, 4))
	assert.Equal(t, s, cutAt(s, 100))
	assert.Equal(t, "ab...", truncate(s, 3))

	long := strings.Repeat("日", MaxToolOutput/3+10)
	cut := cutAt(long, MaxToolOutput)
	assert.True(t, utf8.ValidString(cut))
	assert.LessOrEqual(t, len(cut), MaxToolOutput)
}
