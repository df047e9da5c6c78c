// Package store is the persistence gateway for the lobby: the durable
// directory of identities and the append-only message table. The Identity
// Directory and Message Log are its only callers.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict is returned by CreateIdentity when the display name is
	// already taken at the storage layer (unique constraint violation).
	ErrConflict = errors.New("store: conflict")

	// ErrUnavailable wraps every other storage failure.
	ErrUnavailable = errors.New("store: unavailable")
)

// Identity is a claimed display name with a stable id.
type Identity struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is a persisted chat message. Seq is assigned by the store at insert
// time and is the only ordering authority; CreatedAt is informational.
type Message struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"` // filled by chat.Log, not persisted
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// Order selects the sort direction of QueryMessages.
type Order int

const (
	Asc Order = iota
	Desc
)

// MessageQuery filters and orders a message scan. BeforeSeq and AfterSeq
// are exclusive bounds; zero means unbounded. Limit <= 0 means no limit.
type MessageQuery struct {
	Order     Order
	Limit     int
	BeforeSeq int64
	AfterSeq  int64
}

// Gateway is the storage contract. Lookups return (nil, nil) when the row
// does not exist.
type Gateway interface {
	CreateIdentity(ctx context.Context, displayName string) (Identity, error)
	FindIdentityByName(ctx context.Context, name string) (*Identity, error)
	FindIdentityByID(ctx context.Context, id string) (*Identity, error)
	ListIdentities(ctx context.Context) ([]Identity, error)

	InsertMessage(ctx context.Context, authorID, body string) (Message, error)
	FindMessageByID(ctx context.Context, id string) (*Message, error)
	QueryMessages(ctx context.Context, q MessageQuery) ([]Message, error)

	Ping(ctx context.Context) error
	Close() error
}
