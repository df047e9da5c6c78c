package room

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/whisper/lobby/internal/broadcast"
	"github.com/whisper/lobby/internal/chat"
	"github.com/whisper/lobby/internal/identity"
	"github.com/whisper/lobby/internal/metrics"
	"github.com/whisper/lobby/internal/presence"
	"github.com/whisper/lobby/internal/protocol"
	"github.com/whisper/lobby/internal/store"
)

var (
	// ErrInvalidState is matched by rejections for actions the current
	// state does not allow, such as sending before claiming an identity.
	ErrInvalidState = errors.New("room: action not allowed in current state")
	ErrTerminated   = errors.New("room: session terminated")
)

// actionOpen labels failures while sending the initial history.
const actionOpen = "open"

type stateError struct{ reason string }

func (e *stateError) Error() string        { return "room: " + e.reason }
func (e *stateError) Is(target error) bool { return target == ErrInvalidState }

// state is one of unbound, bound or terminated.
type state interface{ name() string }

type unbound struct{}

type bound struct {
	identity store.Identity
	lease    *presence.Lease
	sub      *broadcast.Subscriber
	stop     context.CancelFunc
	done     chan struct{}
}

type terminated struct{}

func (unbound) name() string    { return "unbound" }
func (bound) name() string      { return "bound" }
func (terminated) name() string { return "terminated" }

// cursor tracks what the client has been sent. id and seq name the newest
// message; floor is the seq up to which the client's view is complete from a
// bulk send (history or catch-up), so live copies at or below it are skipped.
type cursor struct {
	id    string
	seq   int64
	floor int64
}

// Coordinator drives one connection. Actions are serialized; live events are
// forwarded by a pump goroutine that runs while the session is bound.
type Coordinator struct {
	id     string
	room   *Room
	client Client

	mu    sync.Mutex // serializes actions, guards state
	state state

	deliverMu sync.Mutex // orders message-bearing sends, guards cursor
	cursor    cursor

	// diffVersion is the newest presence version the client has seen. The
	// pump owns it while running; it is read only after the pump exits.
	diffVersion uint64
}

func newCoordinator(r *Room, sessionID string, client Client) *Coordinator {
	return &Coordinator{id: sessionID, room: r, client: client, state: unbound{}}
}

// ID returns the session id.
func (c *Coordinator) ID() string { return c.id }

// State returns the name of the current state.
func (c *Coordinator) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.name()
}

// Identity returns the bound identity, if any.
func (c *Coordinator) Identity() (store.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.state.(bound); ok {
		return b.identity, true
	}
	return store.Identity{}, false
}

// LastDelivered returns the id of the newest message sent to the client.
func (c *Coordinator) LastDelivered() string {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	return c.cursor.id
}

func (c *Coordinator) open(ctx context.Context, lastMessageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deliverMu.Lock()
	err := c.initialHistoryLocked(ctx, lastMessageID)
	c.deliverMu.Unlock()
	if err != nil {
		_ = c.reject(actionOpen, err)
	}

	members, err := c.room.Roster(ctx)
	if err != nil {
		log.Printf("[room] roster unavailable session=%s: %v", c.id, err)
		return
	}
	c.send(protocol.TypeRoster, protocol.RosterMsg{Members: members})
}

func (c *Coordinator) initialHistoryLocked(ctx context.Context, lastMessageID string) error {
	if lastMessageID == "" {
		return c.sendHistoryLocked(ctx, false, false)
	}

	seq, err := c.room.log.Marker(ctx, lastMessageID)
	if errors.Is(err, chat.ErrNotFound) {
		log.Printf("[room] session=%s unknown last message %s, resyncing", c.id, lastMessageID)
		return c.sendHistoryLocked(ctx, false, true)
	}
	if err != nil {
		return err
	}

	c.cursor = cursor{id: lastMessageID, seq: seq, floor: seq}
	gap, err := c.loadReplayLocked(ctx)
	if err != nil {
		return err
	}
	c.emitReplayLocked(gap, true)
	return nil
}

// ClaimIdentity binds the session to the identity named name.
func (c *Coordinator) ClaimIdentity(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch st := c.state.(type) {
	case terminated:
		return ErrTerminated
	case bound:
		return c.reject(protocol.TypeClaimIdentity,
			&stateError{reason: "already joined as " + st.identity.DisplayName})
	case unbound:
	}

	ident, err := c.room.directory.ResolveOrClaim(ctx, name, c.room.registry)
	if err != nil {
		return c.reject(protocol.TypeClaimIdentity, err)
	}

	if err := c.room.acquire(ctx, ident, c.id); err != nil {
		return c.reject(protocol.TypeClaimIdentity, err)
	}

	// Subscribe before registering so no event after the snapshot and gap
	// query below can be missed; the pump drops what those already cover.
	sub := c.room.broadcaster.Subscribe(c.id, broadcast.Messages, broadcast.Presence)
	lease, err := c.room.registry.Claim(ident.ID, c.id, presence.Meta{DisplayName: ident.DisplayName})
	if err != nil {
		c.room.broadcaster.Unsubscribe(sub)
		c.room.release(ident.ID, c.id)
		return c.reject(protocol.TypeClaimIdentity, errors.Join(identity.ErrNameTaken, err))
	}

	c.deliverMu.Lock()
	gap, err := c.loadReplayLocked(ctx)
	if err != nil {
		c.deliverMu.Unlock()
		lease.Release()
		c.room.broadcaster.Unsubscribe(sub)
		c.room.release(ident.ID, c.id)
		return c.reject(protocol.TypeClaimIdentity, err)
	}
	snap := c.room.registry.List()
	c.send(protocol.TypeWelcome, protocol.WelcomeMsg{Identity: protocol.FromIdentity(ident)})
	c.send(protocol.TypePresenceSnapshot, protocol.FromSnapshot(snap))
	c.emitReplayLocked(gap, false)
	c.deliverMu.Unlock()

	pumpCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.state = bound{identity: ident, lease: lease, sub: sub, stop: stop, done: done}
	c.diffVersion = snap.Version
	go c.pump(pumpCtx, sub, done)

	if c.room.recorder != nil {
		if err := c.room.recorder.Bind(ctx, c.id, ident); err != nil {
			log.Printf("[room] record bind session=%s: %v", c.id, err)
		}
	}
	log.Printf("[room] session=%s joined as %s (%s)", c.id, ident.DisplayName, ident.ID)
	return nil
}

// SendMessage appends body to the log and publishes it. The sender sees its
// own message through the broadcast like every other member. Bodies that are
// empty after trimming are dropped without error.
func (c *Coordinator) SendMessage(ctx context.Context, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var author store.Identity
	switch st := c.state.(type) {
	case terminated:
		return ErrTerminated
	case unbound:
		return c.reject(protocol.TypeSendMessage,
			&stateError{reason: "claim an identity before sending messages"})
	case bound:
		author = st.identity
	}

	body = strings.TrimSpace(body)
	if body == "" {
		metrics.MessagesTotal.WithLabelValues("dropped_empty").Inc()
		return nil
	}

	if _, err := c.room.appendAndPublish(ctx, author, body); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return c.reject(protocol.TypeSendMessage, err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return nil
}

// Leave releases the bound identity and returns the session to unbound. The
// connection stays open and may claim again.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch st := c.state.(type) {
	case terminated:
		return ErrTerminated
	case unbound:
		return c.reject(protocol.TypeLeave, &stateError{reason: "not joined"})
	case bound:
		if diff, ok := c.unbindLocked(st); ok {
			c.send(protocol.TypePresenceDiff, protocol.FromDiff(diff))
		}
		c.state = unbound{}
		if c.room.recorder != nil {
			if err := c.room.recorder.Unbind(ctx, c.id); err != nil {
				log.Printf("[room] record unbind session=%s: %v", c.id, err)
			}
		}
		c.send(protocol.TypeLeft, protocol.LeftMsg{Identity: protocol.FromIdentity(st.identity)})
		log.Printf("[room] session=%s left as %s", c.id, st.identity.DisplayName)
	}
	return nil
}

// LoadMore sends the page of messages older than beforeID. An unknown id
// triggers a full resync instead.
func (c *Coordinator) LoadMore(ctx context.Context, beforeID string, limit int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.state.(terminated); ok {
		return ErrTerminated
	}

	msgs, err := c.room.log.Before(ctx, beforeID, c.room.pageLimit(limit))
	if errors.Is(err, chat.ErrNotFound) {
		c.deliverMu.Lock()
		resyncErr := c.sendHistoryLocked(ctx, false, true)
		c.deliverMu.Unlock()
		if resyncErr != nil {
			return c.reject(protocol.TypeLoadMore, resyncErr)
		}
		return err
	}
	if err != nil {
		return c.reject(protocol.TypeLoadMore, err)
	}

	c.send(protocol.TypeHistoryPage, protocol.HistoryPageMsg{
		Messages: protocol.FromMessages(msgs),
		BeforeID: beforeID,
	})
	return nil
}

// Close terminates the session, releasing its presence. It is safe to call
// from every teardown path and more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch st := c.state.(type) {
	case terminated:
		return
	case bound:
		c.unbindLocked(st)
		log.Printf("[room] session=%s closed while joined as %s", c.id, st.identity.DisplayName)
	case unbound:
	}
	c.state = terminated{}
}

// unbindLocked must be called with c.mu held. The pump never takes c.mu, so
// waiting for it here cannot deadlock. It returns the session's own left
// diff when the pump stopped before forwarding it.
func (c *Coordinator) unbindLocked(st bound) (presence.Diff, bool) {
	diff, left := st.lease.Release()
	c.room.broadcaster.Unsubscribe(st.sub)
	st.stop()
	<-st.done
	c.room.release(st.identity.ID, c.id)
	return diff, left && diff.Version > c.diffVersion
}

// pump forwards live events until the subscription ends. Message events at or
// below the cursor floor and diffs at or below the snapshot version were
// already sent.
func (c *Coordinator) pump(ctx context.Context, sub *broadcast.Subscriber, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[room] pump panic session=%s: %v", c.id, r)
			go c.client.Disconnect()
		}
	}()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, broadcast.ErrEvicted) {
				log.Printf("[room] session=%s fell behind, disconnecting", c.id)
				go c.client.Disconnect()
			}
			return
		}

		switch ev.Topic {
		case broadcast.Messages:
			if ev.Message == nil {
				continue
			}
			err = c.deliver(*ev.Message)
		case broadcast.Presence:
			if ev.Diff == nil || ev.Diff.Version <= c.diffVersion {
				continue
			}
			c.diffVersion = ev.Diff.Version
			err = c.client.Send(protocol.TypePresenceDiff, protocol.FromDiff(*ev.Diff))
		}
		if err != nil {
			log.Printf("[room] deliver session=%s: %v", c.id, err)
			go c.client.Disconnect()
			return
		}
	}
}

func (c *Coordinator) deliver(msg store.Message) error {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	if msg.Seq <= c.cursor.floor {
		return nil
	}
	if err := c.client.Send(protocol.TypeMessage, protocol.MessageMsg{Message: protocol.FromMessage(msg)}); err != nil {
		return err
	}
	if msg.Seq > c.cursor.seq {
		c.cursor.id, c.cursor.seq = msg.ID, msg.Seq
	}
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	return nil
}

// replay is what a client missed since its cursor.
type replay struct {
	messages  []store.Message
	truncated bool // the gap exceeded the catch-up cap; messages is fresh history
}

// loadReplayLocked must be called with c.deliverMu held.
func (c *Coordinator) loadReplayLocked(ctx context.Context) (replay, error) {
	limit := c.room.config.CatchUpLimit
	msgs, err := c.room.log.AfterSeq(ctx, c.cursor.seq, limit+1)
	if err != nil {
		return replay{}, err
	}
	if len(msgs) <= limit {
		return replay{messages: msgs}, nil
	}

	recent, err := c.room.log.Recent(ctx, c.room.config.HistoryLimit)
	if err != nil {
		return replay{}, err
	}
	return replay{messages: recent, truncated: true}, nil
}

// emitReplayLocked must be called with c.deliverMu held. An empty catch-up
// is only sent when always is set.
func (c *Coordinator) emitReplayLocked(r replay, always bool) {
	switch {
	case r.truncated:
		log.Printf("[room] session=%s missed more than %d messages, sending truncated history",
			c.id, c.room.config.CatchUpLimit)
		c.send(protocol.TypeHistory, protocol.HistoryMsg{
			Messages:  protocol.FromMessages(r.messages),
			Truncated: true,
		})
	case len(r.messages) > 0 || always:
		metrics.CatchUpSize.Observe(float64(len(r.messages)))
		c.send(protocol.TypeCatchUp, protocol.CatchUpMsg{Messages: protocol.FromMessages(r.messages)})
	}
	c.advanceLocked(r.messages)
}

// sendHistoryLocked must be called with c.deliverMu held.
func (c *Coordinator) sendHistoryLocked(ctx context.Context, truncated, resync bool) error {
	msgs, err := c.room.log.Recent(ctx, c.room.config.HistoryLimit)
	if err != nil {
		return err
	}
	c.send(protocol.TypeHistory, protocol.HistoryMsg{
		Messages:  protocol.FromMessages(msgs),
		Truncated: truncated,
		Resync:    resync,
	})
	c.advanceLocked(msgs)
	return nil
}

func (c *Coordinator) advanceLocked(msgs []store.Message) {
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Seq > c.cursor.seq {
		c.cursor.id, c.cursor.seq = last.ID, last.Seq
	}
	if last.Seq > c.cursor.floor {
		c.cursor.floor = last.Seq
	}
}

func (c *Coordinator) send(msgType string, payload interface{}) {
	if err := c.client.Send(msgType, payload); err != nil {
		log.Printf("[room] send %s session=%s: %v", msgType, c.id, err)
	}
}

// reject reports err to the client and returns it. User errors become a
// rejected notice for action; storage and unexpected errors become an error
// message. Neither changes the session's state.
func (c *Coordinator) reject(action string, err error) error {
	code, reason := classify(err)
	switch code {
	case protocol.CodeStorageUnavailable, protocol.CodeInternal:
		log.Printf("[room] %s failed session=%s: %v", action, c.id, err)
		c.send(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: reason})
	default:
		c.send(protocol.TypeRejected, protocol.RejectedMsg{Action: action, Code: code, Reason: reason})
	}
	return err
}

func classify(err error) (code, reason string) {
	var se *stateError
	switch {
	case errors.Is(err, identity.ErrInvalidFormat):
		return protocol.CodeInvalidFormat, "Display names are 1-50 letters, digits, '_' or '-'."
	case errors.Is(err, identity.ErrNameTaken):
		return protocol.CodeNameTaken, "That name is in use by someone who is online right now."
	case errors.Is(err, chat.ErrInvalidContent):
		return protocol.CodeInvalidContent, "Messages must be between 1 and 1000 characters."
	case errors.Is(err, chat.ErrNotFound):
		return protocol.CodeNotFound, "That message could not be found."
	case errors.As(err, &se):
		return protocol.CodeInvalidState, se.reason
	case errors.Is(err, store.ErrUnavailable):
		return protocol.CodeStorageUnavailable, "Storage is unavailable. Please try again."
	default:
		return protocol.CodeInternal, "Something went wrong. Please try again."
	}
}
