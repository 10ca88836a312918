package streamclient

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/lomu/pkg/messages"
)

// CloseAbnormal is the code used when a socket fails without a close frame.
const CloseAbnormal = websocket.CloseAbnormalClosure

// CloseClean is the code the client uses for its own teardown.
const CloseClean = websocket.CloseNormalClosure

// Socket is an open realtime connection.
type Socket interface {
	Send(msg *messages.StreamMessage) error
	// Receive blocks for the next frame. Errors end the connection.
	Receive() ([]byte, error)
	Close(code int, reason string) error
}

// Dialer opens Sockets.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// CloseCode extracts the close code from a Receive error. Anything that is
// not a close frame counts as an abnormal closure.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &wsSocket{ws: ws, writeTimeout: timeout}, nil
}

type wsSocket struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (s *wsSocket) Send(msg *messages.StreamMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.ws.WriteJSON(msg)
}

func (s *wsSocket) Receive() ([]byte, error) {
	_, data, err := s.ws.ReadMessage()
	return data, err
}

func (s *wsSocket) Close(code int, reason string) error {
	deadline := time.Now().Add(s.writeTimeout)
	_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return s.ws.Close()
}
