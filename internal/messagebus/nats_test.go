package messagebus

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/lomu/pkg/config"
	"github.com/jordanhubbard/lomu/pkg/messages"
)

func TestStripPrefix(t *testing.T) {
	tests := []struct {
		s, prefix, want string
	}{
		{"lomu.events.u1", eventsPrefix, "u1"},
		{"other.thing", eventsPrefix, "other.thing"},
		{"", eventsPrefix, ""},
		{eventsPrefix, eventsPrefix, ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, stripPrefix(tc.s, tc.prefix))
	}
}

func TestEventSubject(t *testing.T) {
	assert.Equal(t, "lomu.events.u1", EventSubject("u1"))
	assert.Equal(t, "lomu.events.a_b_c_", EventSubject("a.b*c>"))
	assert.Equal(t, "lomu.events._", EventSubject(""))
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.NATSConfig{URL: "nats://x:4222", StreamName: "S", Timeout: time.Second})
	assert.Equal(t, Config{URL: "nats://x:4222", StreamName: "S", Timeout: time.Second}, cfg)
}

func TestNewNatsMessageBus_BadURL(t *testing.T) {
	_, err := NewNatsMessageBus(Config{
		URL:     "nats://nonexistent-host:99999",
		Timeout: 500 * time.Millisecond,
	})
	assert.Error(t, err)
}

// fakeBus records publishes and lets the test inject remote events.
type fakeBus struct {
	mu        sync.Mutex
	published []string
	block     chan struct{}
	fail      bool
	handler   func(origin string, msg *messages.StreamMessage)
}

func (f *fakeBus) PublishEvent(ctx context.Context, origin, userID string, msg *messages.StreamMessage) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("nats down")
	}
	f.published = append(f.published, origin+"/"+userID+"/"+string(msg.Type))
	return nil
}

func (f *fakeBus) SubscribeEvents(handler func(origin string, msg *messages.StreamMessage)) error {
	f.handler = handler
	return nil
}

func (f *fakeBus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeLocal struct {
	mu    sync.Mutex
	users []string
}

func (l *fakeLocal) Deliver(userID string, msg *messages.StreamMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users = append(l.users, userID)
	return true
}

func TestBridgePublishesAsynchronously(t *testing.T) {
	bus := &fakeBus{}
	b := NewBridge(bus, bus, &fakeLocal{}, 8)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	b.Publish("u1", messages.New(messages.TypeStatus, messages.StatusPayload{Message: "hi"}))
	require.Eventually(t, func() bool { return bus.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, b.Origin()+"/u1/status", bus.published[0])
}

func TestBridgePublishNeverBlocks(t *testing.T) {
	bus := &fakeBus{block: make(chan struct{})}
	b := NewBridge(bus, nil, nil, 2)
	require.NoError(t, b.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish("u1", messages.New(messages.TypeThought, nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled bus")
	}
	close(bus.block)
	b.Stop()
	assert.LessOrEqual(t, bus.count(), 3)
}

func TestBridgeSurvivesPublishErrors(t *testing.T) {
	bus := &fakeBus{fail: true}
	b := NewBridge(bus, nil, nil, 4)
	require.NoError(t, b.Start(context.Background()))
	b.Publish("u1", messages.New(messages.TypeThought, nil))
	b.Publish("u1", messages.New(messages.TypeThought, nil))
	b.Stop()
	assert.Equal(t, 0, bus.count())
}

func TestBridgeDeliversOnlyRemoteEvents(t *testing.T) {
	bus := &fakeBus{}
	local := &fakeLocal{}
	b := NewBridge(bus, bus, local, 4)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()
	require.NotNil(t, bus.handler)

	own := messages.New(messages.TypeStatus, nil)
	own.UserID = "u1"
	bus.handler(b.Origin(), own)

	remote := messages.New(messages.TypeStatus, nil)
	remote.UserID = "u2"
	bus.handler("other-instance", remote)

	assert.Equal(t, []string{"u2"}, local.users)
}

func TestNatsRoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	bus, err := NewNatsMessageBus(Config{URL: url, StreamName: "LOMU_TEST", Timeout: time.Second})
	if err != nil {
		t.Skipf("NATS unavailable: %v", err)
	}
	defer bus.Close()

	got := make(chan *messages.StreamMessage, 1)
	require.NoError(t, bus.SubscribeEvents(func(origin string, msg *messages.StreamMessage) {
		if origin == "test-origin" {
			got <- msg
		}
	}))

	msg := messages.New(messages.TypeThought, messages.ThoughtPayload{Round: 1, Text: "hi"})
	msg.UserID = "u1"
	require.NoError(t, bus.PublishEvent(context.Background(), "test-origin", "u1", msg))

	select {
	case m := <-got:
		assert.Equal(t, messages.TypeThought, m.Type)
		assert.Equal(t, "u1", m.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}
