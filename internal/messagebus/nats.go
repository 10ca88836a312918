package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jordanhubbard/lomu/pkg/config"
	"github.com/jordanhubbard/lomu/pkg/messages"
)

const (
	subjectRoot   = "lomu"
	eventsPrefix  = subjectRoot + ".events."
	originHeader  = "Lomu-Origin"
	defaultStream = "LOMU"
)

func stripPrefix(s, prefix string) string {
	return strings.TrimPrefix(s, prefix)
}

// subjectToken makes a user id safe to use as a single subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}

// EventSubject is the subject stream events for userID are published on.
func EventSubject(userID string) string {
	return eventsPrefix + subjectToken(userID)
}

// NatsMessageBus publishes stream events to NATS with JetStream retention
// and subscribes to events published by other instances.
type NatsMessageBus struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
	url        string

	mu            sync.Mutex
	subscriptions map[string]*nats.Subscription
}

// Config holds NATS configuration
type Config struct {
	URL        string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName string        // JetStream stream name (default: "LOMU")
	Timeout    time.Duration // Connection timeout
}

// ConfigFrom maps the nats section of the service config.
func ConfigFrom(cfg config.NATSConfig) Config {
	return Config{URL: cfg.URL, StreamName: cfg.StreamName, Timeout: cfg.Timeout}
}

// NewNatsMessageBus connects and makes sure the event stream exists.
func NewNatsMessageBus(cfg Config) (*NatsMessageBus, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = defaultStream
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("lomu"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[NATS] Disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[NATS] Reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	mb := &NatsMessageBus{
		conn:          nc,
		js:            js,
		streamName:    cfg.StreamName,
		url:           cfg.URL,
		subscriptions: make(map[string]*nats.Subscription),
	}
	if err := mb.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[NATS] Connected to %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return mb, nil
}

// ensureStream creates or updates the event stream. Stream events are
// ephemeral, so retention is short and old messages are discarded first.
func (mb *NatsMessageBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      mb.streamName,
		Subjects:  []string{subjectRoot + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.MemoryStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		if _, err := mb.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[NATS] Created JetStream stream: %s", mb.streamName)
		return nil
	}
	if _, err := mb.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// PublishEvent publishes msg on the user's event subject, tagged with the
// publishing instance.
func (mb *NatsMessageBus) PublishEvent(ctx context.Context, origin, userID string, msg *messages.StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	out := nats.NewMsg(EventSubject(userID))
	out.Data = data
	out.Header.Set(originHeader, origin)

	if _, err := mb.js.PublishMsg(out, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", out.Subject, err)
	}
	return nil
}

// SubscribeEvents receives every published stream event. Core NATS
// subscriptions give each instance its own copy.
func (mb *NatsMessageBus) SubscribeEvents(handler func(origin string, msg *messages.StreamMessage)) error {
	subject := eventsPrefix + ">"
	sub, err := mb.conn.Subscribe(subject, func(m *nats.Msg) {
		msg, err := messages.Parse(m.Data)
		if err != nil {
			log.Printf("[NATS] Dropping malformed event on %s: %v", m.Subject, err)
			return
		}
		if msg.UserID == "" {
			msg.UserID = stripPrefix(m.Subject, eventsPrefix)
		}
		handler(m.Header.Get(originHeader), msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	mb.mu.Lock()
	mb.subscriptions[subject] = sub
	mb.mu.Unlock()
	log.Printf("[NATS] Subscribed to %s", subject)
	return nil
}

func (mb *NatsMessageBus) Conn() *nats.Conn {
	return mb.conn
}

// Unsubscribe removes a subscription
func (mb *NatsMessageBus) Unsubscribe(subject string) error {
	mb.mu.Lock()
	sub, ok := mb.subscriptions[subject]
	delete(mb.subscriptions, subject)
	mb.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription found for %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", subject, err)
	}
	return nil
}

// Close drains subscriptions and closes the connection.
func (mb *NatsMessageBus) Close() error {
	mb.mu.Lock()
	subjects := make([]string, 0, len(mb.subscriptions))
	for s := range mb.subscriptions {
		subjects = append(subjects, s)
	}
	mb.mu.Unlock()
	for _, s := range subjects {
		_ = mb.Unsubscribe(s)
	}
	if mb.conn != nil {
		mb.conn.Close()
	}
	log.Printf("[NATS] Connection closed")
	return nil
}
