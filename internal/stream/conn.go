package stream

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/lomu/pkg/messages"
)

// conn is one subscriber socket. Only writePump writes to ws; send is never
// closed so Hub.Send can enqueue without racing teardown.
type conn struct {
	hub       *Hub
	ws        *websocket.Conn
	userID    string
	sessionID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(h *Hub, ws *websocket.Conn, userID, sessionID string) *conn {
	return &conn{
		hub:       h,
		ws:        ws,
		userID:    userID,
		sessionID: sessionID,
		send:      make(chan []byte, h.sendBuffer),
		done:      make(chan struct{}),
	}
}

func (c *conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.hub.writeTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.ws.Close()
	})
}

func (c *conn) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close(websocket.CloseNormalClosure, "")
	}()

	pongWait := time.Duration(0)
	if c.hub.pingInterval > 0 {
		pongWait = c.hub.pingInterval * 2
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Stream] Read error for %s/%s: %v", c.userID, c.sessionID, err)
			}
			return
		}
		if pongWait > 0 {
			c.ws.SetReadDeadline(time.Now().Add(pongWait))
		}

		msg, err := messages.Parse(data)
		if err != nil {
			log.Printf("[Stream] Dropping malformed client message from %s: %v", c.userID, err)
			continue
		}
		switch msg.Type {
		case messages.TypePing:
			pong := messages.New(messages.TypePong, nil)
			pong.SessionID = c.sessionID
			if out, err := json.Marshal(pong); err == nil {
				c.enqueue(out)
			}
		case messages.TypeRegister:
			// Re-registering on a live socket is harmless.
		default:
			log.Printf("[Stream] Ignoring client message type %q from %s", msg.Type, c.userID)
		}
	}
}

func (c *conn) writePump() {
	var tick <-chan time.Time
	if c.hub.pingInterval > 0 {
		ticker := time.NewTicker(c.hub.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[Stream] Write failed for %s/%s: %v", c.userID, c.sessionID, err)
				c.hub.remove(c)
				c.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-tick:
			deadline := time.Now().Add(c.hub.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.hub.remove(c)
				c.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}
