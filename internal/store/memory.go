package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Gateway with the same uniqueness and ordering
// guarantees as the PostgreSQL schema. It backs tests and STORE=memory.
type Memory struct {
	mu          sync.Mutex
	byID        map[string]Identity
	byName      map[string]string // display_name -> id
	messages    []Message         // ascending seq
	msgIndex    map[string]int    // message id -> position in messages
	seq         int64
	unavailable bool
}

// NewMemory returns an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		byID:     make(map[string]Identity),
		byName:   make(map[string]string),
		msgIndex: make(map[string]int),
	}
}

// SetUnavailable makes every subsequent call fail with ErrUnavailable until
// reset. Used to exercise storage outage handling.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	m.unavailable = down
	m.mu.Unlock()
}

func (m *Memory) down(op string) error {
	if m.unavailable {
		return fmt.Errorf("store: %s: %w", op, ErrUnavailable)
	}
	return nil
}

func (m *Memory) CreateIdentity(_ context.Context, displayName string) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.down("create identity"); err != nil {
		return Identity{}, err
	}
	if _, ok := m.byName[displayName]; ok {
		return Identity{}, fmt.Errorf("store: create identity %q: %w", displayName, ErrConflict)
	}
	ident := Identity{ID: uuid.New().String(), DisplayName: displayName, CreatedAt: time.Now().UTC()}
	m.byID[ident.ID] = ident
	m.byName[displayName] = ident.ID
	return ident, nil
}

func (m *Memory) FindIdentityByName(_ context.Context, name string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.down("find identity"); err != nil {
		return nil, err
	}
	id, ok := m.byName[name]
	if !ok {
		return nil, nil
	}
	ident := m.byID[id]
	return &ident, nil
}

func (m *Memory) FindIdentityByID(_ context.Context, id string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.down("find identity"); err != nil {
		return nil, err
	}
	ident, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return &ident, nil
}

func (m *Memory) ListIdentities(_ context.Context) ([]Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.down("list identities"); err != nil {
		return nil, err
	}
	out := make([]Identity, 0, len(m.byID))
	for _, ident := range m.byID {
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}

func (m *Memory) InsertMessage(_ context.Context, authorID, body string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.down("insert message"); err != nil {
		return Message{}, err
	}
	if _, ok := m.byID[authorID]; !ok {
		return Message{}, fmt.Errorf("store: insert message: unknown author %s: %w", authorID, ErrUnavailable)
	}
	m.seq++
	msg := Message{
		ID:        uuid.New().String(),
		Seq:       m.seq,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	m.msgIndex[msg.ID] = len(m.messages)
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *Memory) FindMessageByID(_ context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.down("find message"); err != nil {
		return nil, err
	}
	i, ok := m.msgIndex[id]
	if !ok {
		return nil, nil
	}
	msg := m.messages[i]
	return &msg, nil
}

func (m *Memory) QueryMessages(_ context.Context, q MessageQuery) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.down("query messages"); err != nil {
		return nil, err
	}

	var out []Message
	keep := func(msg Message) bool {
		if q.BeforeSeq > 0 && msg.Seq >= q.BeforeSeq {
			return false
		}
		if q.AfterSeq > 0 && msg.Seq <= q.AfterSeq {
			return false
		}
		return true
	}
	full := func() bool { return q.Limit > 0 && len(out) >= q.Limit }

	if q.Order == Desc {
		for i := len(m.messages) - 1; i >= 0 && !full(); i-- {
			if keep(m.messages[i]) {
				out = append(out, m.messages[i])
			}
		}
	} else {
		for i := 0; i < len(m.messages) && !full(); i++ {
			if keep(m.messages[i]) {
				out = append(out, m.messages[i])
			}
		}
	}
	return out, nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.down("ping")
}

func (m *Memory) Close() error { return nil }
