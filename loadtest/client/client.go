// Package client provides a reusable WebSocket load test client for the lobby
// server. It connects using gobwas/ws (the same library the server uses),
// records the session id from session_created, remembers the newest message
// it has seen for reconnect catch-up, and tracks per-connection performance
// metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeClaimIdentity = "claim_identity"
	TypeSendMessage   = "send_message"
	TypeLeave         = "leave"
	TypeLoadMore      = "load_more"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated   = "session_created"
	TypeHistory          = "history"
	TypeCatchUp          = "catch_up"
	TypeRoster           = "roster"
	TypePresenceSnapshot = "presence_snapshot"
	TypePresenceDiff     = "presence_diff"
	TypeWelcome          = "welcome"
	TypeLeft             = "left"
	TypeMessage          = "message"
	TypeHistoryPage      = "history_page"
	TypeRejected         = "rejected"
	TypeError            = "error"
	TypePong             = "pong"
)

// Message is the chat message shape carried by message, history and
// catch_up.
type Message struct {
	ID         string `json:"id"`
	Seq        int64  `json:"seq"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	Body       string `json:"body"`
	Ts         int64  `json:"ts"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	ChatMessages     int // message events, excluding history batches
	OutOfOrder       int // message events whose seq did not increase
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated member connected to the lobby. It
// manages the WebSocket lifecycle and dispatches incoming messages to
// registered handlers.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex // serializes writes
	stateMu   sync.Mutex // guards the fields below
	sessionID string
	lastID    string
	lastSeq   int64
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	firstMsg  time.Time
	started   time.Time
}

// New creates a new load test client connected to the lobby at rawURL. When
// last is non-empty it is passed as the reconnect marker. Handlers must be
// registered with On before Start.
func New(ctx context.Context, rawURL, last string) (*Client, error) {
	if last != "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		q.Set("last", last)
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
		started:  start,
	}
	c.metrics.ConnectLatency = time.Since(start)
	return c, nil
}

// Start begins reading messages in the background.
func (c *Client) Start() {
	go c.readLoop()
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.Lock()
	c.metrics.MessagesSent++
	c.stateMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Claim asks to join the room as name.
func (c *Client) Claim(name string) error {
	return c.Send(map[string]string{"type": TypeClaimIdentity, "name": name})
}

// Post sends a chat message.
func (c *Client) Post(body string) error {
	return c.Send(map[string]string{"type": TypeSendMessage, "body": body})
}

// Leave gives up the identity but keeps the connection.
func (c *Client) Leave() error {
	return c.Send(map[string]string{"type": TypeLeave})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForSession blocks until the server has assigned a session ID or the
// context is cancelled.
func (c *Client) WaitForSession(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before session was created")
		case <-ticker.C:
			if c.SessionID() != "" {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SessionID returns the session ID assigned by the server, or an empty string
// if the handshake has not completed yet.
func (c *Client) SessionID() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.sessionID
}

// LastMessageID returns the id of the newest message received.
func (c *Client) LastMessageID() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs; either way Done is closed afterwards.
func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.stateMu.Lock()
			c.metrics.Errors++
			c.stateMu.Unlock()
			return
		}

		var envelope struct {
			Type      string    `json:"type"`
			SessionID string    `json:"session_id"`
			Message   *Message  `json:"message"`
			Messages  []Message `json:"messages"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.track(envelope.Type, envelope.SessionID, envelope.Message, envelope.Messages)

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) track(msgType, sessionID string, msg *Message, batch []Message) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.firstMsg.IsZero() {
		c.firstMsg = time.Now()
		c.metrics.FirstMsgLatency = c.firstMsg.Sub(c.started)
	}
	c.metrics.MessagesReceived++

	switch msgType {
	case TypeSessionCreated:
		c.sessionID = sessionID
	case TypeMessage:
		if msg == nil {
			return
		}
		c.metrics.ChatMessages++
		if msg.Seq <= c.lastSeq {
			c.metrics.OutOfOrder++
		}
		c.lastSeq, c.lastID = msg.Seq, msg.ID
	case TypeHistory, TypeCatchUp:
		if n := len(batch); n > 0 {
			c.lastSeq, c.lastID = batch[n-1].Seq, batch[n-1].ID
		}
	}
}
