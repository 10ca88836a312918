package models

import "time"

// RunPhase is the agent loop state.
type RunPhase string

const (
	PhaseAssess RunPhase = "assess"
	PhaseAct    RunPhase = "act"
	PhaseVerify RunPhase = "verify"
	PhaseDone   RunPhase = "done"
	PhaseFailed RunPhase = "failed"
)

// Terminal reports whether no further transitions are possible.
func (p RunPhase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// ToolStatus is the outcome of one tool invocation.
type ToolStatus string

const (
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
	ToolTimeout ToolStatus = "timeout"
	ToolRetried ToolStatus = "retried"
)

// ToolExecutionRecord is appended once per dispatched tool call.
type ToolExecutionRecord struct {
	Name       string     `json:"name"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    time.Time  `json:"ended_at"`
	Status     ToolStatus `json:"status"`
	CostTokens int        `json:"cost_tokens"`
	Cached     bool       `json:"cached"`
	Error      string     `json:"error,omitempty"`
}

// AgentRunState is owned by the loop goroutine driving the run.
type AgentRunState struct {
	ConversationID  string                `json:"conversation_id"`
	RunID           string                `json:"run_id"`
	UserID          string                `json:"user_id"`
	SessionID       string                `json:"session_id,omitempty"`
	Phase           RunPhase              `json:"phase"`
	RoundCount      int                   `json:"round_count"`
	ToolLog         []ToolExecutionRecord `json:"tool_log"`
	TokensUsed      int                   `json:"tokens_used"`
	TotalCreditCost int64                 `json:"total_credit_cost"`
	ReservedCredits int64                 `json:"reserved_credits"`
	Error           string                `json:"error,omitempty"`
	StartedAt       time.Time             `json:"started_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	EndedAt         *time.Time            `json:"ended_at,omitempty"`
}

// Clone returns a copy safe to hand to other goroutines.
func (s *AgentRunState) Clone() *AgentRunState {
	if s == nil {
		return nil
	}
	c := *s
	c.ToolLog = append([]ToolExecutionRecord(nil), s.ToolLog...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
