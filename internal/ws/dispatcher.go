package ws

import (
	"log"
	"time"

	"github.com/whisper/lobby/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.ClaimIdentityMsg, protocol.SendMessageMsg, etc.).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and answers malformed or unsupported messages with a rejected
// message addressed to the sender only.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given server.
// The server reference is used to send responses back to clients.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer assigns the Server reference on the dispatcher. This supports the
// initialization pattern where the dispatcher is created before the server
// (since NewServer requires the Dispatch callback).
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		d.reject(conn, msgType, "invalid message format")
		return
	}

	// Built-in ping handler, answered without requiring registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
		d.reject(conn, msgType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// reject sends an invalid_format rejection for action back to the client.
// Errors during transmission are logged but not propagated.
func (d *MessageDispatcher) reject(conn *Connection, action string, reason string) {
	if action == "" {
		action = "unknown"
	}
	err := d.server.Send(conn, protocol.TypeRejected, protocol.RejectedMsg{
		Action: action,
		Code:   protocol.CodeInvalidFormat,
		Reason: reason,
	})
	if err != nil {
		log.Printf("ws: failed to send rejection session=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong message and records the
// keepalive as activity on the connection.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch(time.Now())

	if err := d.server.Send(conn, protocol.TypePong, protocol.PongMsg{}); err != nil {
		log.Printf("ws: failed to send pong message session=%s: %v", conn.ID, err)
	}
}
