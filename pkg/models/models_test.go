package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWallet_TotalCredits(t *testing.T) {
	w := &Wallet{AvailableCredits: 50, ReservedCredits: 100}
	assert.Equal(t, int64(150), w.TotalCredits())
}

func TestLedgerSource_Valid(t *testing.T) {
	for _, s := range []LedgerSource{"allocation", "purchase", "refund", "adjustment", "consumption"} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, LedgerSource("gift").Valid())
	assert.False(t, LedgerSource("").Valid())
}

func TestRunPhase_Terminal(t *testing.T) {
	assert.False(t, PhaseAssess.Terminal())
	assert.False(t, PhaseAct.Terminal())
	assert.False(t, PhaseVerify.Terminal())
	assert.True(t, PhaseDone.Terminal())
	assert.True(t, PhaseFailed.Terminal())
}

func TestAgentRunState_CloneIsIndependent(t *testing.T) {
	ended := time.Now()
	s := &AgentRunState{
		ConversationID: "c1",
		ToolLog:        []ToolExecutionRecord{{Name: "read_file", Status: ToolSuccess}},
		EndedAt:        &ended,
	}
	c := s.Clone()
	c.ToolLog[0].Name = "changed"
	c.ToolLog = append(c.ToolLog, ToolExecutionRecord{Name: "extra"})
	*c.EndedAt = ended.Add(time.Hour)

	assert.Equal(t, "read_file", s.ToolLog[0].Name)
	assert.Len(t, s.ToolLog, 1)
	assert.Equal(t, ended, *s.EndedAt)

	var nilState *AgentRunState
	assert.Nil(t, nilState.Clone())
}
