package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/lomu/internal/credits"
	"github.com/jordanhubbard/lomu/internal/provider"
	"github.com/jordanhubbard/lomu/pkg/messages"
	"github.com/jordanhubbard/lomu/pkg/models"
)

func TestManagerRunsInBackground(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})
	m := NewManager(h.loop)
	ctx := context.Background()

	st, err := m.Start(ctx, Request{ConversationID: "conv-1", UserID: "u1", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", st.ConversationID)
	assert.Equal(t, int64(100), st.ReservedCredits)

	res, err := m.Wait(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseDone, res.State.Phase)

	got, err := m.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseDone, got.Phase)

	list, err := m.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.Equal(t, 0, m.Active())
	assert.False(t, m.Abort("conv-1"))
}

func TestManagerReleasesFinishedRuns(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, funds: 100000})
	m := NewManager(h.loop)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("conv-%d", i)
		_, err := m.Start(ctx, Request{ConversationID: id, UserID: "u1", Prompt: "hi"})
		require.NoError(t, err)
		_, err = m.Wait(ctx, id)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return m.Tracked() == 0 }, 2*time.Second, time.Millisecond)

	res, err := m.Wait(ctx, "conv-3")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseDone, res.State.Phase)
	assert.Equal(t, int64(1), res.CreditsUsed)

	list, err := m.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 20)
}

func TestManagerUnknownRun(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true})
	m := NewManager(h.loop)

	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = m.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.False(t, m.Abort("nope"))
}

func TestManagerReportsInsufficientCreditsSynchronously(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, funds: 10})
	m := NewManager(h.loop)

	_, err := m.Start(context.Background(), Request{ConversationID: "c", UserID: "u1", Prompt: "hi"})
	_, ok := credits.IsInsufficientCredits(err)
	assert.True(t, ok)
	assert.Equal(t, 0, m.Active())

	_, err = m.Wait(context.Background(), "c")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestManagerAbortWhileAwaitingApproval(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, steps: []provider.Step{
		toolStep(provider.Call("c1", "write_file", map[string]interface{}{"path": "x.txt", "content": "x"})),
	}})
	m := NewManager(h.loop)
	ctx := context.Background()

	_, err := m.Start(ctx, Request{ConversationID: "conv-2", UserID: "u1", Prompt: "write"})
	require.NoError(t, err)
	waitPending(t, h.gate)

	_, err = m.Start(ctx, Request{ConversationID: "conv-2", UserID: "u1", Prompt: "again"})
	assert.ErrorIs(t, err, ErrRunActive)
	assert.Equal(t, 1, m.Active())

	require.True(t, m.Abort("conv-2"))

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := m.Wait(wctx, "conv-2")
	require.ErrorIs(t, err, ErrAborted)
	require.NotNil(t, res)
	assert.Equal(t, models.PhaseFailed, res.State.Phase)
	require.Len(t, res.State.ToolLog, 1)
	assert.Equal(t, models.ToolError, res.State.ToolLog[0].Status)

	assert.Empty(t, h.gate.ListPending("u1"))

	bal := h.balance(t)
	assert.Equal(t, int64(0), bal.ReservedCredits)
	assert.Equal(t, int64(999), bal.AvailableCredits)

	errs := h.events.ofType(messages.TypeError)
	require.Len(t, errs, 1)
	var p messages.ErrorPayload
	require.NoError(t, errs[0].Decode(&p))
	assert.Equal(t, "aborted", p.Code)
}

func TestManagerShutdownAbortsRuns(t *testing.T) {
	h := newHarness(t, harnessOpts{online: true, steps: []provider.Step{
		toolStep(provider.Call("c1", "delete_file", map[string]interface{}{"path": "x.txt"})),
	}})
	m := NewManager(h.loop)

	_, err := m.Start(context.Background(), Request{UserID: "u1", Prompt: "delete"})
	require.NoError(t, err)
	waitPending(t, h.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, 0, m.Active())
	assert.Equal(t, int64(0), h.balance(t).ReservedCredits)
}
