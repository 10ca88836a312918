package audit

import (
	"bytes"
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/lomu/internal/database"
)

func TestRecentNewestFirstWithFilters(t *testing.T) {
	l := NewLogger(nil)
	l.Info("approval", "approval approved", map[string]interface{}{"user_id": "u1", "reason": "approved"})
	l.Warn("approval", "approval offline", map[string]interface{}{"user_id": "u2", "reason": "offline"})
	l.Error("ledger", "reconcile failed", map[string]interface{}{"user_id": "u1"})

	all := l.Recent(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "reconcile failed", all[0].Message)
	assert.Equal(t, "approval approved", all[2].Message)

	assert.Len(t, l.Recent(Filter{Source: "approval"}), 2)
	assert.Len(t, l.Recent(Filter{UserID: "u1"}), 2)
	assert.Len(t, l.Recent(Filter{Level: LevelWarn}), 1)
	assert.Len(t, l.Recent(Filter{Limit: 1}), 1)
	assert.Empty(t, l.Recent(Filter{Since: time.Now().Add(time.Hour)}))
}

func TestRingBufferWraps(t *testing.T) {
	l := NewLogger(nil)
	for i := 0; i < MaxBufferSize+5; i++ {
		l.Info("test", "entry", nil)
	}
	assert.Len(t, l.Recent(Filter{Limit: MaxBufferSize}), MaxBufferSize)
}

func TestHandlersReceiveEntries(t *testing.T) {
	l := NewLogger(nil)
	got := make(chan Entry, 1)
	l.AddHandler(func(e Entry) { got <- e })

	l.Log(LevelInfo, "approval", "approval rejected", map[string]interface{}{"reason": "rejected"})
	select {
	case e := <-got:
		assert.Equal(t, "rejected", e.Metadata["reason"])
		assert.NotEmpty(t, e.ID)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestQueryWithoutDatabaseUsesBuffer(t *testing.T) {
	l := NewLogger(nil)
	l.Info("stream", "connected", nil)
	entries, err := l.Query(context.Background(), Filter{Source: "stream"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPersistsToDatabase(t *testing.T) {
	db, err := database.New(":memory:")
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer db.Close()

	l := NewLogger(db)
	l.Info("approval", "approval timed_out", map[string]interface{}{"user_id": "u1", "reason": "timed_out"})
	l.Info("approval", "approval approved", map[string]interface{}{"user_id": "u2", "reason": "approved"})
	l.Close()

	entries, err := l.Query(context.Background(), Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "timed_out", entries[0].Metadata["reason"])

	entries, err = l.Query(context.Background(), Filter{Source: "approval", Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "approval approved", entries[0].Message)

	l.Info("approval", "after close", nil)
}

func TestLogInterceptorParsesComponent(t *testing.T) {
	var out bytes.Buffer
	orig := stderr
	stderr = &out
	defer func() {
		stderr = orig
		log.SetOutput(os.Stderr)
		log.SetFlags(log.LstdFlags)
	}()

	l := NewLogger(nil)
	l.InstallLogInterceptor()
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("[Ledger] Failed to reserve credits")
	log.Printf("plain message")

	entries := l.Recent(Filter{})
	require.Len(t, entries, 2)
	assert.Equal(t, "system", entries[0].Source)
	assert.Equal(t, "ledger", entries[1].Source)
	assert.Equal(t, LevelError, entries[1].Level)
	assert.Equal(t, "Failed to reserve credits", entries[1].Message)
	assert.Contains(t, out.String(), "[Ledger] Failed to reserve credits")
}
