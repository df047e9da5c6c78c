// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"

	"github.com/whisper/lobby/internal/presence"
	"github.com/whisper/lobby/internal/store"
)

// ---------------------------------------------------------------------------
// Message type constants
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

// Rejection and error codes.
const (
	CodeInvalidFormat      = "invalid_format"
	CodeNameTaken          = "name_taken"
	CodeInvalidContent     = "invalid_content"
	CodeNotFound           = "not_found"
	CodeInvalidState       = "invalid_state"
	CodeStorageUnavailable = "storage_unavailable"
	CodeInternal           = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ClaimIdentityMsg is sent by the client to join the room under a display
// name, creating the identity on first use.
type ClaimIdentityMsg struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// SendMessageMsg carries a chat message body from a joined client.
type SendMessageMsg struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

// LeaveMsg is sent by the client to give up its identity without closing
// the connection.
type LeaveMsg struct {
	Type string `json:"type"`
}

// LoadMoreMsg requests the page of messages older than BeforeID.
type LoadMoreMsg struct {
	Type     string `json:"type"`
	BeforeID string `json:"before_id"`
	Limit    int    `json:"limit"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Shared payload structs
// ---------------------------------------------------------------------------

// ChatMessage is a stored message as seen by clients. Ts is the store's
// insert time in unix milliseconds.
type ChatMessage struct {
	ID         string `json:"id"`
	Seq        int64  `json:"seq"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	Body       string `json:"body"`
	Ts         int64  `json:"ts"`
}

// IdentityInfo is the public form of an identity.
type IdentityInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// PresenceMember is one online identity.
type PresenceMember struct {
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"display_name"`
	JoinedAt    int64  `json:"joined_at"`
}

// RosterMember is a known identity annotated with its presence.
type RosterMember struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Online      bool   `json:"online"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new session is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// HistoryMsg replaces the client's message view. Truncated is set when the
// client was too far behind for catch-up; Resync when its reference message
// could not be found.
type HistoryMsg struct {
	Type      string        `json:"type"`
	Messages  []ChatMessage `json:"messages"`
	Truncated bool          `json:"truncated"`
	Resync    bool          `json:"resync"`
}

// CatchUpMsg carries the messages a client missed, to be appended to its
// current view.
type CatchUpMsg struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

// RosterMsg lists every identity ever claimed.
type RosterMsg struct {
	Type    string         `json:"type"`
	Members []RosterMember `json:"members"`
}

// PresenceSnapshotMsg is the online set as of Version. Diffs with a version
// at or below it are already reflected.
type PresenceSnapshotMsg struct {
	Type    string           `json:"type"`
	Online  []PresenceMember `json:"online"`
	Version uint64           `json:"version"`
}

// PresenceDiffMsg announces one identity joining or leaving.
type PresenceDiffMsg struct {
	Type        string `json:"type"`
	Kind        string `json:"kind"`
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"display_name"`
	JoinedAt    int64  `json:"joined_at"`
	Version     uint64 `json:"version"`
}

// WelcomeMsg confirms a successful identity claim.
type WelcomeMsg struct {
	Type     string       `json:"type"`
	Identity IdentityInfo `json:"identity"`
}

// LeftMsg confirms an explicit leave. The connection stays open.
type LeftMsg struct {
	Type     string       `json:"type"`
	Identity IdentityInfo `json:"identity"`
}

// MessageMsg delivers one live message, including the sender's own.
type MessageMsg struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message"`
}

// HistoryPageMsg answers load_more with messages older than BeforeID.
type HistoryPageMsg struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
	BeforeID string        `json:"before_id"`
}

// RejectedMsg reports a failed user action that may be resubmitted.
type RejectedMsg struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// FromMessage converts a stored message to its wire form.
func FromMessage(m store.Message) ChatMessage {
	return ChatMessage{
		ID:         m.ID,
		Seq:        m.Seq,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		Body:       m.Body,
		Ts:         m.CreatedAt.UnixMilli(),
	}
}

// FromMessages converts a batch of stored messages. It never returns nil.
func FromMessages(msgs []store.Message) []ChatMessage {
	return lo.Map(msgs, func(m store.Message, _ int) ChatMessage {
		return FromMessage(m)
	})
}

// FromIdentity converts an identity to its wire form.
func FromIdentity(i store.Identity) IdentityInfo {
	return IdentityInfo{ID: i.ID, DisplayName: i.DisplayName}
}

// FromSnapshot converts a registry snapshot.
func FromSnapshot(s presence.Snapshot) PresenceSnapshotMsg {
	return PresenceSnapshotMsg{
		Online: lo.Map(s.Entries, func(e presence.Entry, _ int) PresenceMember {
			return PresenceMember{
				IdentityID:  e.IdentityID,
				DisplayName: e.DisplayName,
				JoinedAt:    e.JoinedAt.UnixMilli(),
			}
		}),
		Version: s.Version,
	}
}

// FromDiff converts a registry diff.
func FromDiff(d presence.Diff) PresenceDiffMsg {
	return PresenceDiffMsg{
		Kind:        string(d.Kind),
		IdentityID:  d.IdentityID,
		DisplayName: d.DisplayName,
		JoinedAt:    d.JoinedAt.UnixMilli(),
		Version:     d.Version,
	}
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeClaimIdentity:
		var m ClaimIdentityMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLoadMore:
		var m LoadMoreMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
