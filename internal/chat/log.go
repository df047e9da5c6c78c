// Package chat is the message log of the room: an append-only, seq-ordered
// record of every message, with the read paths used for initial history,
// backward pagination and reconnect catch-up.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/whisper/lobby/internal/store"
)

var (
	ErrInvalidContent = errors.New("chat: invalid message content")
	ErrNotFound       = errors.New("chat: message not found")
)

// Log reads and appends messages through the persistence gateway. Returned
// messages always carry AuthorName.
type Log struct {
	gw store.Gateway

	mu    sync.RWMutex
	names map[string]string // identity id -> display name; identities are immutable
}

// NewLog creates a Log backed by gw.
func NewLog(gw store.Gateway) *Log {
	return &Log{gw: gw, names: make(map[string]string)}
}

// Append validates and persists body authored by author.
func (l *Log) Append(ctx context.Context, author store.Identity, body string) (store.Message, error) {
	if err := ValidateBody(body); err != nil {
		return store.Message{}, err
	}
	msg, err := l.gw.InsertMessage(ctx, author.ID, body)
	if err != nil {
		return store.Message{}, fmt.Errorf("chat: append: %w", err)
	}
	l.remember(author.ID, author.DisplayName)
	msg.AuthorName = author.DisplayName
	return msg, nil
}

// Recent returns at most limit of the newest messages, oldest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]store.Message, error) {
	if limit <= 0 {
		return []store.Message{}, nil
	}
	msgs, err := l.gw.QueryMessages(ctx, store.MessageQuery{Order: store.Desc, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("chat: recent: %w", err)
	}
	reverse(msgs)
	return l.withAuthors(ctx, msgs)
}

// Before returns at most limit messages strictly older than id, oldest first.
func (l *Log) Before(ctx context.Context, id string, limit int) ([]store.Message, error) {
	seq, err := l.Marker(ctx, id)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []store.Message{}, nil
	}
	msgs, err := l.gw.QueryMessages(ctx, store.MessageQuery{Order: store.Desc, Limit: limit, BeforeSeq: seq})
	if err != nil {
		return nil, fmt.Errorf("chat: before %s: %w", id, err)
	}
	reverse(msgs)
	return l.withAuthors(ctx, msgs)
}

// After returns every message strictly newer than id, oldest first.
func (l *Log) After(ctx context.Context, id string) ([]store.Message, error) {
	return l.AfterLimit(ctx, id, 0)
}

// AfterLimit is After capped at limit messages; limit <= 0 means unbounded.
func (l *Log) AfterLimit(ctx context.Context, id string, limit int) ([]store.Message, error) {
	seq, err := l.Marker(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.AfterSeq(ctx, seq, limit)
}

// AfterSeq returns messages with a seq strictly greater than seq, oldest
// first. A zero seq starts at the beginning of the log.
func (l *Log) AfterSeq(ctx context.Context, seq int64, limit int) ([]store.Message, error) {
	msgs, err := l.gw.QueryMessages(ctx, store.MessageQuery{Order: store.Asc, Limit: limit, AfterSeq: seq})
	if err != nil {
		return nil, fmt.Errorf("chat: after seq %d: %w", seq, err)
	}
	return l.withAuthors(ctx, msgs)
}

// Marker resolves a message id to its insertion marker.
func (l *Log) Marker(ctx context.Context, id string) (int64, error) {
	msg, err := l.gw.FindMessageByID(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("chat: lookup %s: %w", id, err)
	}
	if msg == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return msg.Seq, nil
}

func (l *Log) withAuthors(ctx context.Context, msgs []store.Message) ([]store.Message, error) {
	if msgs == nil {
		return []store.Message{}, nil
	}
	for i := range msgs {
		name, err := l.authorName(ctx, msgs[i].AuthorID)
		if err != nil {
			return nil, err
		}
		msgs[i].AuthorName = name
	}
	return msgs, nil
}

func (l *Log) authorName(ctx context.Context, id string) (string, error) {
	l.mu.RLock()
	name, ok := l.names[id]
	l.mu.RUnlock()
	if ok {
		return name, nil
	}

	ident, err := l.gw.FindIdentityByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("chat: author %s: %w", id, err)
	}
	if ident == nil {
		return "", nil
	}
	l.remember(ident.ID, ident.DisplayName)
	return ident.DisplayName, nil
}

func (l *Log) remember(id, name string) {
	l.mu.Lock()
	l.names[id] = name
	l.mu.Unlock()
}

func reverse(msgs []store.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
