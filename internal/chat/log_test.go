package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/whisper/lobby/internal/store"
)

func newTestLog(t *testing.T) (*Log, *store.Memory, store.Identity) {
	t.Helper()
	gw := store.NewMemory()
	author, err := gw.CreateIdentity(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CreateIdentity() error: %v", err)
	}
	return NewLog(gw), gw, author
}

func appendN(t *testing.T, l *Log, author store.Identity, n int) []store.Message {
	t.Helper()
	out := make([]store.Message, 0, n)
	for i := 1; i <= n; i++ {
		msg, err := l.Append(context.Background(), author, fmt.Sprintf("msg-%d", i))
		if err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
		out = append(out, msg)
	}
	return out
}

func bodies(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestAppendThenRecent(t *testing.T) {
	l, _, author := newTestLog(t)
	ctx := context.Background()

	msg, err := l.Append(ctx, author, "hello")
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if msg.AuthorName != "alice" || msg.Seq == 0 || msg.ID == "" {
		t.Errorf("unexpected message: %+v", msg)
	}

	recent, err := l.Recent(ctx, 500)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != msg.ID {
		t.Fatalf("expected appended message in recent, got %+v", recent)
	}
	if recent[0].AuthorName != "alice" {
		t.Errorf("expected author name alice, got %q", recent[0].AuthorName)
	}
}

func TestAppendRejectsInvalidContent(t *testing.T) {
	l, _, author := newTestLog(t)
	ctx := context.Background()

	for _, body := range []string{"", strings.Repeat("x", MaxBodyChars+1), "\xff\xfe"} {
		if _, err := l.Append(ctx, author, body); !errors.Is(err, ErrInvalidContent) {
			t.Errorf("Append(len=%d) expected ErrInvalidContent, got %v", len(body), err)
		}
	}

	recent, _ := l.Recent(ctx, 10)
	if len(recent) != 0 {
		t.Errorf("invalid appends must not persist, got %d messages", len(recent))
	}

	if _, err := l.Append(ctx, author, strings.Repeat("x", MaxBodyChars)); err != nil {
		t.Errorf("Append(1000 chars) unexpected error: %v", err)
	}
}

func TestRecentReturnsNewestAscending(t *testing.T) {
	l, _, author := newTestLog(t)
	appendN(t, l, author, 7)

	recent, err := l.Recent(context.Background(), 3)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	got := strings.Join(bodies(recent), ",")
	if got != "msg-5,msg-6,msg-7" {
		t.Errorf("Recent(3) = %s", got)
	}
}

func TestBeforeStrictlyOlder(t *testing.T) {
	l, _, author := newTestLog(t)
	msgs := appendN(t, l, author, 6)
	ctx := context.Background()

	page, err := l.Before(ctx, msgs[4].ID, 2)
	if err != nil {
		t.Fatalf("Before() error: %v", err)
	}
	if got := strings.Join(bodies(page), ","); got != "msg-3,msg-4" {
		t.Errorf("Before(msg-5, 2) = %s", got)
	}

	page, err = l.Before(ctx, msgs[0].ID, 10)
	if err != nil {
		t.Fatalf("Before(first) error: %v", err)
	}
	if len(page) != 0 {
		t.Errorf("expected empty page before first message, got %d", len(page))
	}
}

func TestAfterStrictlyNewer(t *testing.T) {
	l, _, author := newTestLog(t)
	msgs := appendN(t, l, author, 5)
	ctx := context.Background()

	rest, err := l.After(ctx, msgs[1].ID)
	if err != nil {
		t.Fatalf("After() error: %v", err)
	}
	if got := strings.Join(bodies(rest), ","); got != "msg-3,msg-4,msg-5" {
		t.Errorf("After(msg-2) = %s", got)
	}

	capped, err := l.AfterLimit(ctx, msgs[1].ID, 2)
	if err != nil {
		t.Fatalf("AfterLimit() error: %v", err)
	}
	if got := strings.Join(bodies(capped), ","); got != "msg-3,msg-4" {
		t.Errorf("AfterLimit(msg-2, 2) = %s", got)
	}
}

func TestUnknownReferenceNotFound(t *testing.T) {
	l, _, author := newTestLog(t)
	appendN(t, l, author, 2)
	ctx := context.Background()
	missing := uuid.New().String()

	if _, err := l.Before(ctx, missing, 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("Before(missing) expected ErrNotFound, got %v", err)
	}
	if _, err := l.After(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("After(missing) expected ErrNotFound, got %v", err)
	}
}

// Walking backwards with Before from the newest message and then forwards
// with After from the oldest must reproduce the full history exactly.
func TestBeforeAfterReconstructHistory(t *testing.T) {
	l, _, author := newTestLog(t)
	msgs := appendN(t, l, author, 23)
	ctx := context.Background()

	newest := msgs[len(msgs)-1]
	backward := []store.Message{newest}
	cursor := newest.ID
	for {
		page, err := l.Before(ctx, cursor, 4)
		if err != nil {
			t.Fatalf("Before() error: %v", err)
		}
		if len(page) == 0 {
			break
		}
		if len(page) > 4 {
			t.Fatalf("page exceeds limit: %d", len(page))
		}
		backward = append(append([]store.Message{}, page...), backward...)
		cursor = page[0].ID
	}

	forward, err := l.After(ctx, backward[0].ID)
	if err != nil {
		t.Fatalf("After() error: %v", err)
	}
	forward = append([]store.Message{backward[0]}, forward...)

	if len(backward) != len(msgs) || len(forward) != len(msgs) {
		t.Fatalf("expected %d messages, backward=%d forward=%d", len(msgs), len(backward), len(forward))
	}
	for i := range msgs {
		if backward[i].ID != msgs[i].ID || forward[i].ID != msgs[i].ID {
			t.Fatalf("position %d: want %s, backward %s, forward %s", i, msgs[i].Body, backward[i].Body, forward[i].Body)
		}
	}
}

func TestAuthorNameResolvedFromDirectory(t *testing.T) {
	gw := store.NewMemory()
	ctx := context.Background()
	bob, _ := gw.CreateIdentity(ctx, "bob")
	if _, err := gw.InsertMessage(ctx, bob.ID, "written before this log existed"); err != nil {
		t.Fatalf("InsertMessage() error: %v", err)
	}

	recent, err := NewLog(gw).Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(recent) != 1 || recent[0].AuthorName != "bob" {
		t.Fatalf("expected author bob, got %+v", recent)
	}
}

func TestStorageUnavailablePropagates(t *testing.T) {
	l, gw, author := newTestLog(t)
	gw.SetUnavailable(true)

	if _, err := l.Append(context.Background(), author, "hi"); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("expected store.ErrUnavailable, got %v", err)
	}
	if _, err := l.Recent(context.Background(), 5); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("expected store.ErrUnavailable, got %v", err)
	}
}
