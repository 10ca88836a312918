// Package streamclient is the consuming side of the realtime channel. It
// registers, folds incoming messages into a View, and reconnects with
// exponential backoff after abnormal closes.
package streamclient

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/jordanhubbard/lomu/internal/clock"
	"github.com/jordanhubbard/lomu/pkg/config"
	"github.com/jordanhubbard/lomu/pkg/messages"
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
)

// Status is the connection health exposed to callers.
type Status struct {
	State          State  `json:"state"`
	IsConnected    bool   `json:"isConnected"`
	IsReconnecting bool   `json:"isReconnecting"`
	Attempt        int    `json:"attempt"`
	LastError      string `json:"lastError,omitempty"`
}

// Options configures a Client.
type Options struct {
	URL       string
	SessionID string
	UserID    string
	Header    http.Header

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	Dialer Dialer
	Clock  clock.Clock
	Jitter func() time.Duration

	// OnMessage sees every parsed message after it is applied to the view.
	OnMessage func(*messages.StreamMessage)
	// OnStatus is called after every state change, outside the client lock.
	OnStatus func(Status)
}

// OptionsFromConfig fills backoff settings from the stream configuration.
func OptionsFromConfig(cfg config.StreamConfig, url, sessionID, userID string) Options {
	return Options{
		URL:         url,
		SessionID:   sessionID,
		UserID:      userID,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
		Dialer:      &WebsocketDialer{WriteTimeout: cfg.WriteTimeout},
	}
}

// Client owns one session's connection and its state.
type Client struct {
	opts Options
	view *viewState

	mu        sync.Mutex
	state     State
	attempt   int
	lastError string
	sock      Socket
	timer     clock.Timer
	closing   bool
	// gen increments whenever the current socket is abandoned so that
	// close events from older sockets are ignored.
	gen int
}

// New creates a disconnected client.
func New(opts Options) *Client {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Dialer == nil {
		opts.Dialer = &WebsocketDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Jitter == nil {
		opts.Jitter = RandomJitter
	}
	return &Client{opts: opts, view: newViewState(), state: StateDisconnected}
}

// Status returns the current connection health.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Client) statusLocked() Status {
	return Status{
		State:          c.state,
		IsConnected:    c.state == StateConnected,
		IsReconnecting: c.state == StateReconnecting,
		Attempt:        c.attempt,
		LastError:      c.lastError,
	}
}

// View returns a copy of the client state built from received messages.
func (c *Client) View() View {
	return c.view.snapshot()
}

// Connect opens the connection. A failed dial is reported and also enters
// the reconnect cycle.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.mu.Unlock()
	return c.connect(ctx)
}

// Disconnect closes the connection cleanly. No reconnect follows.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	sock := c.sock
	c.sock = nil
	c.gen++
	c.state = StateDisconnected
	status := c.statusLocked()
	c.mu.Unlock()

	if sock != nil {
		if err := sock.Close(CloseClean, "client disconnect"); err != nil {
			log.Printf("[StreamClient] Close failed: %v", err)
		}
	}
	c.notify(status)
}

// ForceReconnect resets the attempt counter and reconnects immediately,
// including from the FAILED state.
func (c *Client) ForceReconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	sock := c.sock
	c.sock = nil
	c.gen++
	c.closing = false
	c.attempt = 0
	c.lastError = ""
	c.mu.Unlock()

	if sock != nil {
		sock.Close(CloseClean, "reconnecting")
	}
	return c.connect(ctx)
}

// Send writes a message on the live connection.
func (c *Client) Send(msg *messages.StreamMessage) error {
	c.mu.Lock()
	sock := c.sock
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || sock == nil {
		return fmt.Errorf("stream not connected")
	}
	return sock.Send(msg)
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	gen := c.gen
	status := c.statusLocked()
	c.mu.Unlock()
	c.notify(status)

	sock, err := c.opts.Dialer.Dial(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		c.handleClose(gen, CloseAbnormal, fmt.Errorf("dial failed: %w", err))
		return err
	}

	// Register before the channel counts as usable.
	if err := sock.Send(messages.Register(c.opts.SessionID, c.opts.UserID)); err != nil {
		sock.Close(CloseClean, "register failed")
		c.handleClose(gen, CloseAbnormal, fmt.Errorf("register failed: %w", err))
		return err
	}

	c.mu.Lock()
	if gen != c.gen || c.closing {
		c.mu.Unlock()
		sock.Close(CloseClean, "superseded")
		return nil
	}
	c.sock = sock
	c.state = StateConnected
	c.attempt = 0
	c.lastError = ""
	status = c.statusLocked()
	c.mu.Unlock()

	log.Printf("[StreamClient] Connected to %s as %s", c.opts.URL, c.opts.UserID)
	c.notify(status)

	go c.readLoop(gen, sock)
	return nil
}

func (c *Client) readLoop(gen int, sock Socket) {
	for {
		data, err := sock.Receive()
		if err != nil {
			c.handleClose(gen, CloseCode(err), err)
			return
		}
		msg, err := messages.Parse(data)
		if err != nil {
			log.Printf("[StreamClient] Dropping malformed message: %v", err)
			c.view.mu.Lock()
			c.view.view.Dropped++
			c.view.mu.Unlock()
			continue
		}
		c.view.apply(msg)
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	}
}

// handleClose runs the close transition for the socket of generation gen.
func (c *Client) handleClose(gen, code int, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.sock = nil

	if c.closing || code == CloseClean {
		c.state = StateDisconnected
		status := c.statusLocked()
		c.mu.Unlock()
		c.notify(status)
		return
	}

	c.attempt++
	if cause != nil {
		c.lastError = cause.Error()
	} else {
		c.lastError = fmt.Sprintf("connection closed with code %d", code)
	}

	if c.attempt >= c.opts.MaxAttempts {
		c.state = StateFailed
		c.lastError = fmt.Sprintf("connection lost after %d attempts: %s", c.attempt, c.lastError)
		status := c.statusLocked()
		c.mu.Unlock()
		log.Printf("[StreamClient] Giving up: %s", status.LastError)
		c.notify(status)
		return
	}

	c.state = StateReconnecting
	delay := Backoff(c.attempt, c.opts.BaseDelay, c.opts.MaxDelay, c.opts.Jitter)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.opts.Clock.AfterFunc(delay, func() { c.reconnect(gen) })
	status := c.statusLocked()
	c.mu.Unlock()

	log.Printf("[StreamClient] Connection closed (code %d), reconnect %d in %v", code, status.Attempt, delay)
	c.notify(status)
}

func (c *Client) reconnect(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.closing || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	c.connect(context.Background())
}

func (c *Client) notify(s Status) {
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}
