// Package stream is the server side of the realtime channel: a per-user
// fan-out of StreamMessages to live websocket subscribers.
package stream

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/lomu/internal/metrics"
	"github.com/jordanhubbard/lomu/pkg/config"
	"github.com/jordanhubbard/lomu/pkg/messages"
)

const (
	registerTimeout = 10 * time.Second
	maxMessageSize  = 64 * 1024
)

// ErrUserMismatch is returned when a client registers for a user other than
// the one its token was issued to.
var ErrUserMismatch = errors.New("register userId does not match authenticated user")

// Authenticator resolves the user behind an upgrade request. It is only
// consulted when set.
type Authenticator func(r *http.Request) (userID string, err error)

// Mirror receives a copy of every message sent through the hub. Publish
// must not block the caller.
type Mirror interface {
	Publish(userID string, msg *messages.StreamMessage)
}

// Hub tracks live subscriber connections per user.
type Hub struct {
	mu    sync.RWMutex
	users map[string]map[*conn]struct{}

	upgrader     websocket.Upgrader
	authenticate Authenticator
	mirror       Mirror
	metrics      *metrics.Metrics

	writeTimeout time.Duration
	pingInterval time.Duration
	sendBuffer   int
}

// NewHub creates a hub using the stream section of the configuration.
func NewHub(cfg config.StreamConfig) *Hub {
	h := &Hub{
		users:        make(map[string]map[*conn]struct{}),
		metrics:      metrics.NewMetrics(),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		sendBuffer:   cfg.SendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = 10 * time.Second
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = 256
	}
	return h
}

// SetAuthenticator requires every subscriber to authenticate.
func (h *Hub) SetAuthenticator(a Authenticator) {
	h.authenticate = a
}

// SetMirror forwards every sent message to m as well.
func (h *Hub) SetMirror(m Mirror) {
	h.mirror = m
}

// SetCheckOrigin overrides the upgrader's origin policy.
func (h *Hub) SetCheckOrigin(fn func(r *http.Request) bool) {
	h.upgrader.CheckOrigin = fn
}

// Send fans msg out to every live connection for userID and reports whether
// at least one of them accepted it. Nothing is queued for absent users.
func (h *Hub) Send(userID string, msg *messages.StreamMessage) bool {
	delivered := h.Deliver(userID, msg)
	if msg != nil && h.mirror != nil {
		h.mirror.Publish(userID, msg)
	}
	return delivered
}

// Deliver is Send without the mirror. It is used for messages that arrived
// from the mirror in the first place.
func (h *Hub) Deliver(userID string, msg *messages.StreamMessage) bool {
	if msg == nil {
		return false
	}
	if msg.UserID == "" {
		msg.UserID = userID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[Stream] Failed to encode %s message for %s: %v", msg.Type, userID, err)
		return false
	}

	delivered := false
	h.mu.RLock()
	for c := range h.users[userID] {
		if c.enqueue(data) {
			delivered = true
		} else {
			log.Printf("[Stream] Dropping %s for slow subscriber %s/%s", msg.Type, userID, c.sessionID)
		}
	}
	h.mu.RUnlock()

	h.metrics.RecordStreamSend(string(msg.Type), delivered)
	return delivered
}

// SubscriberCount returns the number of live connections for a user.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*conn
	for _, set := range h.users {
		for c := range set {
			all = append(all, c)
		}
	}
	h.users = make(map[string]map[*conn]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.close(websocket.CloseGoingAway, "server shutting down")
		h.metrics.StreamSubscribers.Dec()
	}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	set, ok := h.users[c.userID]
	if !ok {
		set = make(map[*conn]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.StreamSubscribers.Inc()
	log.Printf("[Stream] Subscriber registered: user=%s session=%s", c.userID, c.sessionID)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	set, ok := h.users[c.userID]
	removed := false
	if ok {
		if _, present := set[c]; present {
			delete(set, c)
			removed = true
		}
		if len(set) == 0 {
			delete(h.users, c.userID)
		}
	}
	h.mu.Unlock()
	if removed {
		h.metrics.StreamSubscribers.Dec()
		log.Printf("[Stream] Subscriber left: user=%s session=%s", c.userID, c.sessionID)
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
// The client's first message must be a register.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var authUser string
	if h.authenticate != nil {
		u, err := h.authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		authUser = u
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Stream] Upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	reg, err := h.readRegister(ws)
	if err != nil {
		log.Printf("[Stream] Rejecting connection from %s: %v", r.RemoteAddr, err)
		deadline := time.Now().Add(h.writeTimeout)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), deadline)
		ws.Close()
		return
	}
	if authUser != "" && reg.UserID != authUser {
		deadline := time.Now().Add(h.writeTimeout)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ErrUserMismatch.Error()), deadline)
		ws.Close()
		return
	}

	c := newConn(h, ws, reg.UserID, reg.SessionID)
	h.add(c)

	ack := messages.New(messages.TypeRegistered, nil)
	ack.SessionID = reg.SessionID
	ack.UserID = reg.UserID
	if data, err := json.Marshal(ack); err == nil {
		c.enqueue(data)
	}

	go c.writePump()
	c.readPump()
}

func (h *Hub) readRegister(ws *websocket.Conn) (*messages.StreamMessage, error) {
	ws.SetReadDeadline(time.Now().Add(registerTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := messages.Parse(data)
	if err != nil {
		return nil, err
	}
	if msg.Type != messages.TypeRegister {
		return nil, errors.New("first message must be register")
	}
	if msg.UserID == "" {
		return nil, errors.New("register requires userId")
	}
	ws.SetReadDeadline(time.Time{})
	return msg, nil
}
