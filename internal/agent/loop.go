// Package agent drives agent runs: rounds of model call, tool dispatch and
// tool result, with sensitive tools routed through the approval gate and
// usage metered against a credit reservation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/lomu/internal/approval"
	"github.com/jordanhubbard/lomu/internal/clock"
	"github.com/jordanhubbard/lomu/internal/credits"
	"github.com/jordanhubbard/lomu/internal/metrics"
	"github.com/jordanhubbard/lomu/internal/provider"
	"github.com/jordanhubbard/lomu/internal/runstate"
	"github.com/jordanhubbard/lomu/internal/telemetry"
	"github.com/jordanhubbard/lomu/internal/tools"
	"github.com/jordanhubbard/lomu/pkg/config"
	"github.com/jordanhubbard/lomu/pkg/messages"
	"github.com/jordanhubbard/lomu/pkg/models"
)

const (
	DefaultMaxRounds = 5
	// MaxToolOutput bounds the tool text fed back to the model.
	MaxToolOutput = 32 * 1024
)

// Emitter delivers stream events to a user's live subscribers.
type Emitter interface {
	Send(userID string, msg *messages.StreamMessage) bool
}

// Approver gates sensitive tool calls.
type Approver interface {
	RequestApproval(ctx context.Context, id, userID, operation string, resources []string, timeout time.Duration) *approval.Future
	Cancel(id string) bool
}

// Meter reserves and settles credits.
type Meter interface {
	Reserve(ctx context.Context, userID string, credits int64, runID string) (*models.Reservation, error)
	Reconcile(ctx context.Context, userID, runID string, reserved, used int64) error
	Pricing() credits.Pricing
}

// Config tunes the loop.
type Config struct {
	MaxRounds               int
	EstimatedTokensPerRound int64
	ToolTimeout             time.Duration
	// ApprovalTimeout of zero uses the gate's default.
	ApprovalTimeout time.Duration
	SystemPrompt    string
}

// ConfigFrom maps the agent section of the service config.
func ConfigFrom(cfg config.AgentConfig) Config {
	return Config{
		MaxRounds:               cfg.MaxRounds,
		EstimatedTokensPerRound: cfg.EstimatedTokensPerRound,
		ToolTimeout:             cfg.ToolTimeout,
		SystemPrompt:            cfg.SystemPrompt,
	}
}

// Request starts a run.
type Request struct {
	ConversationID string `json:"conversationId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	UserID         string `json:"userId"`
	Prompt         string `json:"prompt"`
	MaxRounds      int    `json:"maxRounds,omitempty"`
}

// Result is the outcome of a run. It is returned alongside the error for
// failed runs so callers still see what was consumed.
type Result struct {
	State       *models.AgentRunState `json:"state"`
	Output      string                `json:"output"`
	Truncated   bool                  `json:"truncated,omitempty"`
	CreditsUsed int64                 `json:"creditsUsed"`
}

// Loop holds the collaborators shared by every run.
type Loop struct {
	model    provider.Generator
	registry *tools.Registry
	meter    Meter
	gate     Approver
	events   Emitter
	states   runstate.Store
	clock    clock.Clock
	cfg      Config
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// Option configures a Loop.
type Option func(*Loop)

func WithRunStateStore(s runstate.Store) Option {
	return func(l *Loop) { l.states = s }
}

func WithClock(c clock.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

func WithConfig(cfg Config) Option {
	return func(l *Loop) { l.cfg = cfg }
}

// NewLoop creates a loop driver.
func NewLoop(model provider.Generator, registry *tools.Registry, meter Meter, gate Approver, events Emitter, opts ...Option) *Loop {
	l := &Loop{
		model:    model,
		registry: registry,
		meter:    meter,
		gate:     gate,
		events:   events,
		states:   runstate.NewMemoryStore(),
		clock:    clock.Real(),
		metrics:  metrics.NewMetrics(),
		tracer:   telemetry.Tracer("agent"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cfg.MaxRounds <= 0 {
		l.cfg.MaxRounds = DefaultMaxRounds
	}
	if l.cfg.ToolTimeout <= 0 {
		l.cfg.ToolTimeout = 2 * time.Minute
	}
	return l
}

// States exposes the run snapshot store.
func (l *Loop) States() runstate.Store {
	return l.states
}

// Run starts and executes a run on the calling goroutine.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	r, err := l.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx)
}

// Start reserves the run's credit budget and announces it. A failed
// reservation is returned as *credits.InsufficientCreditsError.
func (l *Loop) Start(ctx context.Context, req Request) (*Run, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if req.UserID == "" {
		return nil, errors.New("user id is required")
	}
	maxRounds := req.MaxRounds
	if maxRounds <= 0 {
		maxRounds = l.cfg.MaxRounds
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.New().String()
	}

	now := l.clock.Now().UTC()
	r := &Run{
		loop:      l,
		req:       req,
		maxRounds: maxRounds,
		cache:     newReadCache(),
		failed:    make(map[string]bool),
		state: &models.AgentRunState{
			ConversationID: req.ConversationID,
			RunID:          uuid.New().String(),
			UserID:         req.UserID,
			SessionID:      req.SessionID,
			Phase:          models.PhaseAssess,
			ToolLog:        []models.ToolExecutionRecord{},
			StartedAt:      now,
			UpdatedAt:      now,
		},
	}

	budget := l.meter.Pricing().CreditsForTokens(int(int64(maxRounds)*l.cfg.EstimatedTokensPerRound), 0)
	if budget <= 0 {
		budget = 1
	}
	res, err := l.meter.Reserve(ctx, req.UserID, budget, r.state.RunID)
	if err != nil {
		// Nothing was reserved, so no run state is published.
		code := "reservation_failed"
		if _, ok := credits.IsInsufficientCredits(err); ok {
			code = "insufficient_credits"
		}
		r.emit(messages.TypeError, messages.ErrorPayload{Code: code, Message: err.Error()})
		l.metrics.AgentRuns.WithLabelValues(string(models.PhaseFailed)).Inc()
		log.Printf("[AgentLoop] Run for %s not started: %v", req.UserID, err)
		return nil, err
	}
	r.reservation = res
	r.state.ReservedCredits = res.Credits
	r.save(ctx)

	r.emit(messages.TypeRunStarted, messages.RunStartedPayload{
		RunID:           r.state.RunID,
		MaxRounds:       maxRounds,
		ReservedCredits: res.Credits,
	})
	log.Printf("[AgentLoop] Run %s started for %s (conversation %s, %d credits reserved)",
		r.state.RunID, req.UserID, req.ConversationID, res.Credits)
	return r, nil
}

// Run is one reserved agent run. Its state is owned by the goroutine that
// calls Execute; other goroutines read snapshots from the run state store.
type Run struct {
	loop        *Loop
	req         Request
	maxRounds   int
	reservation *models.Reservation
	state       *models.AgentRunState

	conversation []provider.ChatMessage
	output       strings.Builder
	inputTokens  int
	outputTokens int
	truncated    bool

	cache  *readCache
	failed map[string]bool
}

// ConversationID returns the run's conversation id.
func (r *Run) ConversationID() string {
	return r.req.ConversationID
}

// Snapshot returns a copy of the current state.
func (r *Run) Snapshot() *models.AgentRunState {
	return r.state.Clone()
}

// Execute drives rounds until the model stops calling tools, the round
// budget runs out, or ctx ends. Usage is reconciled on every exit path.
func (r *Run) Execute(ctx context.Context) (*Result, error) {
	l := r.loop
	ctx, span := l.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("run.id", r.state.RunID),
		telemetry.UserID(r.req.UserID),
		attribute.Int("max_rounds", r.maxRounds),
	))
	defer span.End()

	l.metrics.AgentRunsActive.Inc()
	defer l.metrics.AgentRunsActive.Dec()

	if l.cfg.SystemPrompt != "" {
		r.conversation = append(r.conversation, provider.ChatMessage{Role: "system", Content: l.cfg.SystemPrompt})
	}
	r.conversation = append(r.conversation, provider.ChatMessage{Role: "user", Content: r.req.Prompt})
	r.setPhase(ctx, models.PhaseAssess)

	runErr := r.rounds(ctx)
	if runErr != nil {
		telemetry.RecordError(span, runErr)
	}
	return r.finish(ctx, runErr)
}

// generate asks the model for one round, relaying text fragments as they
// arrive when the model can stream.
func (r *Run) generate(ctx context.Context, specs []tools.Spec) (*provider.Generation, error) {
	sg, ok := r.loop.model.(provider.StreamingGenerator)
	if !ok {
		return r.loop.model.Generate(ctx, r.conversation, specs)
	}
	return sg.GenerateStream(ctx, r.conversation, specs, func(text string) {
		r.emit(messages.TypeTextChunk, messages.TextChunkPayload{Text: text})
	})
}

func (r *Run) rounds(ctx context.Context) error {
	l := r.loop
	specs := l.registry.Specs()
	for round := 1; round <= r.maxRounds; round++ {
		if ctx.Err() != nil {
			return ErrAborted
		}
		r.state.RoundCount = round
		l.metrics.AgentRounds.Inc()

		rctx, span := l.tracer.Start(ctx, "agent.round", trace.WithAttributes(attribute.Int("round", round)))
		gen, err := r.generate(rctx, specs)
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			if ctx.Err() != nil {
				return ErrAborted
			}
			log.Printf("[AgentLoop] Run %s round %d/%d model call failed: %v", r.state.RunID, round, r.maxRounds, err)
			r.save(ctx)
			if round == r.maxRounds {
				return &ProviderError{Round: round, Err: err}
			}
			continue
		}

		r.inputTokens += gen.Usage.InputTokens
		r.outputTokens += gen.Usage.OutputTokens
		r.state.TokensUsed = r.inputTokens + r.outputTokens
		r.state.TotalCreditCost = r.usedCredits()

		if gen.Text != "" {
			if r.output.Len() > 0 {
				r.output.WriteString("\n")
			}
			r.output.WriteString(gen.Text)
			r.emit(messages.TypeThought, messages.ThoughtPayload{Round: round, Text: gen.Text})
		}
		r.conversation = append(r.conversation, provider.ChatMessage{
			Role:      "assistant",
			Content:   gen.Text,
			ToolCalls: gen.ToolCalls,
		})

		if len(gen.ToolCalls) == 0 {
			span.End()
			return nil
		}

		r.setPhase(ctx, models.PhaseAct)
		for _, call := range gen.ToolCalls {
			if err := r.dispatch(rctx, round, call); err != nil {
				span.End()
				return err
			}
		}
		r.setPhase(ctx, models.PhaseVerify)
		span.End()

		if round == r.maxRounds {
			r.truncated = true
			log.Printf("[AgentLoop] Run %s reached its round limit (%d) with tool calls outstanding", r.state.RunID, r.maxRounds)
		}
	}
	return nil
}

// dispatch runs one tool call and appends its result to the conversation.
// Only abort-class failures are returned; tool failures become results.
func (r *Run) dispatch(ctx context.Context, round int, call provider.ToolCall) error {
	l := r.loop
	name := call.Function.Name
	ctx, span := l.tracer.Start(ctx, "agent.tool", trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	started := l.clock.Now().UTC()
	rec := models.ToolExecutionRecord{Name: name, StartedAt: started}

	args, err := call.DecodeArguments()
	r.emit(messages.TypeToolStart, messages.ToolStartPayload{Round: round, Tool: name, Args: args})
	if err != nil {
		r.complete(round, call, rec, "", models.ToolError, err)
		return nil
	}
	tool, err := l.registry.Lookup(name)
	if err != nil {
		r.complete(round, call, rec, "", models.ToolError, err)
		return nil
	}
	kind := tool.Kind()
	key := callKey(name, args)

	if kind.ReadOnly() {
		if out, ok := r.cache.get(key); ok {
			rec.Cached = true
			r.complete(round, call, rec, out, models.ToolSuccess, nil)
			return nil
		}
	}

	if l.registry.IsSensitive(kind) {
		op, resources := tool.Describe(args)
		approvalID := r.state.RunID + "-" + call.ID
		if call.ID == "" {
			approvalID = r.state.RunID + "-" + uuid.New().String()
		}
		future := l.gate.RequestApproval(ctx, approvalID, r.req.UserID, op, resources, l.cfg.ApprovalTimeout)
		approved, reason, err := future.Wait(ctx)
		if err != nil {
			l.gate.Cancel(approvalID)
			r.complete(round, call, rec, "", models.ToolError, errors.New("run aborted while awaiting approval"))
			return ErrAborted
		}
		if !approved {
			status := models.ToolError
			if reason == approval.ResolutionTimedOut {
				status = models.ToolTimeout
			}
			r.complete(round, call, rec, "", status, fmt.Errorf("operation not approved (%s): %s", reason, op))
			return nil
		}
	}

	tctx, cancel := context.WithTimeout(ctx, l.cfg.ToolTimeout)
	res, err := l.registry.Execute(tctx, tools.Env{UserID: r.req.UserID, RunID: r.state.RunID}, name, args)
	timedOut := errors.Is(tctx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			r.complete(round, call, rec, res.Output, models.ToolError, err)
			return ErrAborted
		}
		r.failed[key] = true
		status := models.ToolError
		if timedOut {
			status = models.ToolTimeout
			err = fmt.Errorf("%s timed out after %s", name, l.cfg.ToolTimeout)
		}
		r.complete(round, call, rec, res.Output, status, err)
		return nil
	}

	status := models.ToolSuccess
	if r.failed[key] {
		status = models.ToolRetried
		delete(r.failed, key)
	}
	if kind.ReadOnly() {
		r.cache.put(key, res.Output)
	} else if l.registry.IsSensitive(kind) || len(res.FileChanges) > 0 {
		r.cache.invalidate()
	}

	for _, fc := range res.FileChanges {
		r.emit(messages.TypeFileChanged, fc)
	}
	if res.Tasks != nil {
		r.emit(messages.TypeTaskUpdate, messages.TaskUpdatePayload{Tasks: res.Tasks})
	}
	r.complete(round, call, rec, res.Output, status, nil)
	return nil
}

// complete records the tool outcome, emits tool_result and feeds the
// result text back to the model.
func (r *Run) complete(round int, call provider.ToolCall, rec models.ToolExecutionRecord, output string, status models.ToolStatus, err error) {
	l := r.loop
	rec.EndedAt = l.clock.Now().UTC()
	rec.Status = status

	content := output
	if err != nil {
		rec.Error = err.Error()
		if content != "" {
			content = "Error: " + err.Error() + "\n" + content
		} else {
			content = "Error: " + err.Error()
		}
	}
	if len(content) > MaxToolOutput {
		content = cutAt(content, MaxToolOutput) + "\n[output truncated]"
	}
	rec.CostTokens = len(content) / 4

	r.state.ToolLog = append(r.state.ToolLog, rec)
	r.conversation = append(r.conversation, provider.ChatMessage{
		Role:       "tool",
		Content:    content,
		ToolCallID: call.ID,
		Name:       rec.Name,
	})

	duration := rec.EndedAt.Sub(rec.StartedAt)
	if !rec.Cached {
		l.metrics.RecordToolExecution(rec.Name, string(status), duration.Seconds())
	}
	r.emit(messages.TypeToolResult, messages.ToolResultPayload{
		Round:      round,
		Tool:       rec.Name,
		Status:     string(status),
		Output:     truncate(output, 2048),
		Error:      rec.Error,
		Cached:     rec.Cached,
		DurationMs: duration.Milliseconds(),
	})
	r.save(context.Background())
}

// finish reconciles usage, marks the terminal phase and emits the final event.
func (r *Run) finish(ctx context.Context, runErr error) (*Result, error) {
	l := r.loop
	settle := context.WithoutCancel(ctx)

	used := r.usedCredits()
	if err := l.meter.Reconcile(settle, r.req.UserID, r.state.RunID, r.reservation.Credits, used); err != nil {
		log.Printf("[AgentLoop] Run %s failed to reconcile %d/%d credits: %v",
			r.state.RunID, used, r.reservation.Credits, err)
		if runErr == nil {
			runErr = fmt.Errorf("failed to reconcile credits: %w", err)
		}
	}
	r.state.TotalCreditCost = used

	ended := l.clock.Now().UTC()
	r.state.EndedAt = &ended
	result := &Result{
		Output:      r.output.String(),
		Truncated:   r.truncated,
		CreditsUsed: used,
	}

	if runErr != nil {
		r.state.Error = runErr.Error()
		r.setPhase(settle, models.PhaseFailed)
		code := "run_failed"
		var perr *ProviderError
		switch {
		case errors.Is(runErr, ErrAborted):
			code = "aborted"
		case errors.As(runErr, &perr):
			code = "provider_error"
		}
		r.emit(messages.TypeError, messages.ErrorPayload{Code: code, Message: runErr.Error()})
		log.Printf("[AgentLoop] Run %s failed after %d rounds: %v", r.state.RunID, r.state.RoundCount, runErr)
	} else {
		r.setPhase(settle, models.PhaseDone)
		r.emit(messages.TypeComplete, messages.CompletePayload{
			Output:      result.Output,
			Rounds:      r.state.RoundCount,
			TokensUsed:  r.state.TokensUsed,
			CreditsUsed: used,
			Truncated:   r.truncated,
		})
		log.Printf("[AgentLoop] Run %s done in %d rounds (%d tokens, %d credits)",
			r.state.RunID, r.state.RoundCount, r.state.TokensUsed, used)
	}

	phase := string(r.state.Phase)
	l.metrics.AgentRuns.WithLabelValues(phase).Inc()
	l.metrics.AgentRunDuration.WithLabelValues(phase).Observe(ended.Sub(r.state.StartedAt).Seconds())

	result.State = r.state.Clone()
	return result, runErr
}

// usedCredits converts tokens to credits, clamped to the reservation.
func (r *Run) usedCredits() int64 {
	used := r.loop.meter.Pricing().CreditsForTokens(r.inputTokens, r.outputTokens)
	if r.reservation != nil && used > r.reservation.Credits {
		used = r.reservation.Credits
	}
	return used
}

func (r *Run) setPhase(ctx context.Context, phase models.RunPhase) {
	if r.state.Phase == phase && phase != models.PhaseAssess {
		return
	}
	r.state.Phase = phase
	r.save(ctx)
	r.emit(messages.TypeStatus, messages.StatusPayload{Phase: string(phase), Message: phaseMessage(phase)})
}

func (r *Run) save(ctx context.Context) {
	r.state.UpdatedAt = r.loop.clock.Now().UTC()
	if err := r.loop.states.Save(context.WithoutCancel(ctx), r.state); err != nil {
		log.Printf("[AgentLoop] Failed to save state for run %s: %v", r.state.RunID, err)
	}
}

func (r *Run) emit(t messages.Type, payload interface{}) {
	msg := messages.New(t, payload).ForConversation(r.req.ConversationID, r.req.SessionID)
	r.loop.events.Send(r.req.UserID, msg)
}

func phaseMessage(p models.RunPhase) string {
	switch p {
	case models.PhaseAssess:
		return "Assessing the request"
	case models.PhaseAct:
		return "Running tools"
	case models.PhaseVerify:
		return "Checking results"
	case models.PhaseDone:
		return "Finished"
	case models.PhaseFailed:
		return "Failed"
	}
	return string(p)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return cutAt(s, n) + "..."
}

// cutAt returns at most n bytes of s without splitting a rune.
func cutAt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
