// Package presence tracks which identities are attached to the room and from
// which sessions. All register/deregister calls are serialized by a single
// critical section, and every Absent<->Present transition emits exactly one
// diff, in transition order.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/whisper/lobby/internal/metrics"
)

// ErrAlreadyPresent is returned by Claim when the identity already has a
// live session.
var ErrAlreadyPresent = errors.New("presence: identity already present")

// DiffKind distinguishes the two presence transitions.
type DiffKind string

const (
	Joined DiffKind = "joined"
	Left   DiffKind = "left"
)

// Diff describes one transition. Version increases by one per transition, so
// a subscriber holding a Snapshot can discard diffs it already reflects.
type Diff struct {
	Kind        DiffKind  `json:"kind"`
	IdentityID  string    `json:"identity_id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
	Version     uint64    `json:"version"`
}

// Notifier receives every diff. It is called with the registry lock held
// and therefore must not block or call back into the registry.
type Notifier func(Diff)

// Meta is the display metadata supplied with a registration.
type Meta struct {
	DisplayName string
}

// Entry is the public view of one present identity. Sessions is tracked for
// bookkeeping and is not meant for display.
type Entry struct {
	IdentityID  string    `json:"identity_id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
	Sessions    int       `json:"-"`
}

// Snapshot is the set of present identities as of Version.
type Snapshot struct {
	Entries []Entry
	Version uint64
}

type entry struct {
	displayName string
	joinedAt    time.Time
	sessions    map[string]struct{}
}

// Registry is the process-wide presence state machine.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry // identity id -> entry
	version uint64
	notify  Notifier
	now     func() time.Time
}

// NewRegistry creates an empty registry. notify may be nil.
func NewRegistry(notify Notifier) *Registry {
	if notify == nil {
		notify = func(Diff) {}
	}
	return &Registry{
		entries: make(map[string]*entry),
		notify:  notify,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register attaches sessionID to identityID. The first session of an
// identity emits a joined diff; further sessions only grow the set.
func (r *Registry) Register(identityID, sessionID string, meta Meta) *Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(identityID, sessionID, meta)
	return &Lease{registry: r, identityID: identityID, sessionID: sessionID}
}

// Claim is Register for an identity that must not already be present. The
// online check and the registration happen in one critical section.
func (r *Registry) Claim(identityID, sessionID string, meta Meta) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[identityID]; ok {
		return nil, ErrAlreadyPresent
	}
	r.register(identityID, sessionID, meta)
	return &Lease{registry: r, identityID: identityID, sessionID: sessionID}, nil
}

func (r *Registry) register(identityID, sessionID string, meta Meta) {
	e, ok := r.entries[identityID]
	if ok {
		e.sessions[sessionID] = struct{}{}
		if meta.DisplayName != "" {
			e.displayName = meta.DisplayName
		}
		return
	}

	e = &entry{
		displayName: meta.DisplayName,
		joinedAt:    r.now(),
		sessions:    map[string]struct{}{sessionID: {}},
	}
	r.entries[identityID] = e
	r.emit(Joined, identityID, e)
}

// Deregister detaches sessionID from identityID. Removing the last session
// emits a left diff, which is also returned with ok set. Unknown pairs are
// ignored.
func (r *Registry) Deregister(identityID, sessionID string) (d Diff, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.entries[identityID]
	if !found {
		return Diff{}, false
	}
	if _, found := e.sessions[sessionID]; !found {
		return Diff{}, false
	}
	delete(e.sessions, sessionID)
	if len(e.sessions) > 0 {
		return Diff{}, false
	}
	delete(r.entries, identityID)
	return r.emit(Left, identityID, e), true
}

// emit must be called with r.mu held.
func (r *Registry) emit(kind DiffKind, identityID string, e *entry) Diff {
	r.version++
	metrics.PresenceTransitions.WithLabelValues(string(kind)).Inc()
	metrics.OnlineIdentities.Set(float64(len(r.entries)))
	d := Diff{
		Kind:        kind,
		IdentityID:  identityID,
		DisplayName: e.displayName,
		JoinedAt:    e.joinedAt,
		Version:     r.version,
	}
	r.notify(d)
	return d
}

// List returns a snapshot of present identities ordered by join time.
func (r *Registry) List() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Entry{
			IdentityID:  id,
			DisplayName: e.displayName,
			JoinedAt:    e.joinedAt,
			Sessions:    len(e.sessions),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return Snapshot{Entries: out, Version: r.version}
}

// IsOnline reports whether identityID has at least one live session.
func (r *Registry) IsOnline(identityID string) bool {
	r.mu.Lock()
	_, ok := r.entries[identityID]
	r.mu.Unlock()
	return ok
}

// Count returns the number of present identities.
func (r *Registry) Count() int {
	r.mu.Lock()
	n := len(r.entries)
	r.mu.Unlock()
	return n
}

// Lease is the handle a session holds on its registration. Release
// deregisters exactly once no matter how many exit paths call it.
type Lease struct {
	registry   *Registry
	identityID string
	sessionID  string
	once       sync.Once
}

// IdentityID returns the identity the lease was taken for.
func (l *Lease) IdentityID() string { return l.identityID }

// Release deregisters the session. Safe to call more than once. The call
// that takes the identity offline returns the left diff with ok set.
func (l *Lease) Release() (d Diff, ok bool) {
	if l == nil {
		return Diff{}, false
	}
	l.once.Do(func() {
		d, ok = l.registry.Deregister(l.identityID, l.sessionID)
	})
	return d, ok
}
