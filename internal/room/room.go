// Package room ties the lobby together. A Room owns the identity directory,
// message log, presence registry and broadcaster, and one Coordinator per
// open connection. Coordinators translate client actions into calls on the
// shared components and stream their output back to the client.
package room

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/whisper/lobby/internal/broadcast"
	"github.com/whisper/lobby/internal/chat"
	"github.com/whisper/lobby/internal/identity"
	"github.com/whisper/lobby/internal/metrics"
	"github.com/whisper/lobby/internal/presence"
	"github.com/whisper/lobby/internal/protocol"
	"github.com/whisper/lobby/internal/store"
)

// Config holds room tuning parameters.
type Config struct {
	HistoryLimit     int // messages sent on connect
	CatchUpLimit     int // max messages replayed before falling back to truncated history
	PageLimitMax     int // max messages per load_more page
	PageLimitDefault int // page size when load_more gives none
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:     500,
		CatchUpLimit:     1000,
		PageLimitMax:     200,
		PageLimitDefault: 50,
	}
}

// Client is the transport side of one session.
type Client interface {
	// Send delivers one server message.
	Send(msgType string, payload interface{}) error
	// Disconnect tears the connection down. The transport is expected to
	// call Room.Close for the session afterwards.
	Disconnect()
}

// SessionRecorder keeps an external record of which identity a session is
// bound to. It is optional.
type SessionRecorder interface {
	Bind(ctx context.Context, sessionID string, ident store.Identity) error
	Unbind(ctx context.Context, sessionID string) error
}

// PresenceGuard makes identity claims exclusive across every server instance
// sharing the room. It is optional; without it a name is exclusive per
// process only.
type PresenceGuard interface {
	AcquirePresence(ctx context.Context, identityID, sessionID string) (bool, error)
	ReleasePresence(ctx context.Context, identityID, sessionID string) error
	PresenceHeld(ctx context.Context, identityIDs []string) (map[string]bool, error)
}

// guardTimeout bounds a guard release on teardown paths that carry no context.
const guardTimeout = 3 * time.Second

// Room is the single shared chat room of a process.
type Room struct {
	config      Config
	directory   *identity.Directory
	log         *chat.Log
	registry    *presence.Registry
	broadcaster *broadcast.Broadcaster
	recorder    SessionRecorder
	guard       PresenceGuard

	appendMu sync.Mutex // publish order follows seq order within the process

	mu       sync.Mutex
	sessions map[string]*Coordinator
}

// New creates a Room over gw. Presence diffs from the room's registry are
// published on b's presence topic.
func New(config Config, gw store.Gateway, b *broadcast.Broadcaster) *Room {
	def := DefaultConfig()
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = def.HistoryLimit
	}
	if config.CatchUpLimit <= 0 {
		config.CatchUpLimit = def.CatchUpLimit
	}
	if config.PageLimitMax <= 0 {
		config.PageLimitMax = def.PageLimitMax
	}
	if config.PageLimitDefault <= 0 || config.PageLimitDefault > config.PageLimitMax {
		config.PageLimitDefault = min(def.PageLimitDefault, config.PageLimitMax)
	}

	return &Room{
		config:    config,
		directory: identity.NewDirectory(gw),
		log:       chat.NewLog(gw),
		registry: presence.NewRegistry(func(d presence.Diff) {
			b.Publish(broadcast.PresenceEvent(d))
		}),
		broadcaster: b,
		sessions:    make(map[string]*Coordinator),
	}
}

// SetRecorder installs a session recorder. It must be called before the
// first Open.
func (r *Room) SetRecorder(rec SessionRecorder) {
	r.recorder = rec
}

// SetPresenceGuard installs a cluster-wide presence guard. It must be called
// before the first Open.
func (r *Room) SetPresenceGuard(g PresenceGuard) {
	r.guard = g
}

// Registry returns the room's presence registry.
func (r *Room) Registry() *presence.Registry { return r.registry }

// Log returns the room's message log.
func (r *Room) Log() *chat.Log { return r.log }

// Open creates the coordinator for a new connection and sends the initial
// history and roster. lastMessageID, when non-empty, is the last message the
// client already shows; it switches the initial history to catch-up.
func (r *Room) Open(ctx context.Context, sessionID string, client Client, lastMessageID string) *Coordinator {
	c := newCoordinator(r, sessionID, client)

	r.mu.Lock()
	if prev, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		log.Printf("[room] session=%s opened twice, closing previous", sessionID)
		prev.Close()
		r.mu.Lock()
	}
	r.sessions[sessionID] = c
	r.mu.Unlock()

	c.open(ctx, lastMessageID)
	return c
}

// Session returns the coordinator for sessionID, or nil.
func (r *Room) Session(sessionID string) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// Close terminates and forgets the session. Unknown ids are ignored, so
// every teardown path may call it.
func (r *Room) Close(sessionID string) {
	r.mu.Lock()
	c, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if ok {
		c.Close()
	}
}

// Count returns the number of open sessions.
func (r *Room) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown terminates every session.
func (r *Room) Shutdown() {
	r.mu.Lock()
	all := lo.Values(r.sessions)
	r.sessions = make(map[string]*Coordinator)
	r.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	log.Printf("[room] shutdown closed %d sessions", len(all))
}

// Roster lists every known identity with its current presence. With a
// guard, identities online on other instances count as online too.
func (r *Room) Roster(ctx context.Context) ([]protocol.RosterMember, error) {
	idents, err := r.directory.List(ctx)
	if err != nil {
		return nil, err
	}

	held := map[string]bool{}
	if r.guard != nil {
		ids := lo.Map(idents, func(i store.Identity, _ int) string { return i.ID })
		if h, err := r.guard.PresenceHeld(ctx, ids); err != nil {
			log.Printf("[room] presence guard lookup failed, roster shows local presence: %v", err)
		} else {
			held = h
		}
	}

	return lo.Map(idents, func(i store.Identity, _ int) protocol.RosterMember {
		return protocol.RosterMember{
			ID:          i.ID,
			DisplayName: i.DisplayName,
			Online:      held[i.ID] || r.registry.IsOnline(i.ID),
		}
	}), nil
}

// acquire takes the cluster-wide claim on ident for sessionID.
func (r *Room) acquire(ctx context.Context, ident store.Identity, sessionID string) error {
	if r.guard == nil {
		return nil
	}
	ok, err := r.guard.AcquirePresence(ctx, ident.ID, sessionID)
	if err != nil {
		return fmt.Errorf("room: presence claim: %w: %w", store.ErrUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: %q is online on another server", identity.ErrNameTaken, ident.DisplayName)
	}
	return nil
}

// release drops the cluster-wide claim on identityID held by sessionID.
func (r *Room) release(identityID, sessionID string) {
	if r.guard == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), guardTimeout)
	defer cancel()
	if err := r.guard.ReleasePresence(ctx, identityID, sessionID); err != nil {
		log.Printf("[room] presence release session=%s: %v", sessionID, err)
	}
}

func (r *Room) appendAndPublish(ctx context.Context, author store.Identity, body string) (store.Message, error) {
	r.appendMu.Lock()
	defer r.appendMu.Unlock()

	start := time.Now()
	msg, err := r.log.Append(ctx, author, body)
	metrics.AppendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return store.Message{}, err
	}
	r.broadcaster.Publish(broadcast.MessageEvent(msg))
	return msg, nil
}

func (r *Room) pageLimit(requested int) int {
	switch {
	case requested <= 0:
		return r.config.PageLimitDefault
	case requested > r.config.PageLimitMax:
		return r.config.PageLimitMax
	default:
		return requested
	}
}
