package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/whisper/lobby/internal/presence"
	"github.com/whisper/lobby/internal/store"
)

func msgEvent(seq int64) Event {
	return MessageEvent(store.Message{ID: fmt.Sprintf("m%d", seq), Seq: seq, Body: "hi"})
}

func next(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	return ev
}

func TestPublishReachesAllSubscribersInOrder(t *testing.T) {
	b := NewBroadcaster(0)
	a := b.Subscribe("a", Messages)
	c := b.Subscribe("c", Messages)

	for i := int64(1); i <= 5; i++ {
		b.Publish(msgEvent(i))
	}

	for _, sub := range []*Subscriber{a, c} {
		for i := int64(1); i <= 5; i++ {
			ev := next(t, sub)
			if ev.Message == nil || ev.Message.Seq != i {
				t.Fatalf("%s: expected seq %d, got %+v", sub.ID, i, ev)
			}
		}
	}
}

func TestConcurrentPublishersGiveSameOrderToAll(t *testing.T) {
	b := NewBroadcaster(0)
	subs := make([]*Subscriber, 4)
	for i := range subs {
		subs[i] = b.Subscribe(fmt.Sprintf("s%d", i), Messages)
	}

	const publishers, perPublisher = 8, 25
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				b.Publish(msgEvent(int64(p*1000 + i)))
			}
		}(p)
	}
	wg.Wait()

	var reference []int64
	for i, sub := range subs {
		var got []int64
		for n := 0; n < publishers*perPublisher; n++ {
			got = append(got, next(t, sub).Message.Seq)
		}
		if i == 0 {
			reference = got
			continue
		}
		for n := range got {
			if got[n] != reference[n] {
				t.Fatalf("subscriber %d diverges at %d: %d vs %d", i, n, got[n], reference[n])
			}
		}
	}
}

func TestNoRetroactiveDelivery(t *testing.T) {
	b := NewBroadcaster(0)
	b.Publish(msgEvent(1))

	late := b.Subscribe("late", Messages)
	b.Publish(msgEvent(2))

	ev := next(t, late)
	if ev.Message.Seq != 2 {
		t.Fatalf("late subscriber got seq %d", ev.Message.Seq)
	}
	if late.Pending() != 0 {
		t.Fatalf("unexpected pending events: %d", late.Pending())
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	b := NewBroadcaster(0)
	onlyMessages := b.Subscribe("m", Messages)
	both := b.Subscribe("b", Messages, Presence)

	b.Publish(PresenceEvent(presence.Diff{Kind: presence.Joined, IdentityID: "x", Version: 1}))
	b.Publish(msgEvent(1))

	if ev := next(t, both); ev.Topic != Presence || ev.Diff.IdentityID != "x" {
		t.Fatalf("expected presence diff first, got %+v", ev)
	}
	if ev := next(t, both); ev.Topic != Messages {
		t.Fatalf("expected message second, got %+v", ev)
	}
	if ev := next(t, onlyMessages); ev.Topic != Messages {
		t.Fatalf("messages-only subscriber got %+v", ev)
	}
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	b := NewBroadcaster(3)
	slow := b.Subscribe("slow", Messages)
	fast := b.Subscribe("fast", Messages)

	for i := int64(1); i <= 4; i++ {
		b.Publish(msgEvent(i))
		next(t, fast)
	}

	if _, err := slow.Next(context.Background()); !errors.Is(err, ErrEvicted) {
		t.Fatalf("expected ErrEvicted, got %v", err)
	}
	if n := b.Subscribers(Messages); n != 1 {
		t.Fatalf("expected evicted subscriber removed, have %d", n)
	}

	// The remaining subscriber keeps receiving.
	b.Publish(msgEvent(5))
	if ev := next(t, fast); ev.Message.Seq != 5 {
		t.Fatalf("fast subscriber got %+v", ev)
	}
}

func TestUnsubscribeWakesNext(t *testing.T) {
	b := NewBroadcaster(0)
	sub := b.Subscribe("s", Messages, Presence)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		done <- err
	}()

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Unsubscribe")
	}
	if b.Subscribers(Messages) != 0 || b.Subscribers(Presence) != 0 {
		t.Fatal("subscriber still registered")
	}
}

func TestNextHonorsContext(t *testing.T) {
	b := NewBroadcaster(0)
	sub := b.Subscribe("s", Messages)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type loopbackRelay struct {
	b    *Broadcaster
	fail bool
	sent int
}

func (r *loopbackRelay) PublishRoomEvent(topic string, data []byte) error {
	if r.fail {
		return errors.New("relay down")
	}
	r.sent++
	return r.b.HandleRelayed(data)
}

func TestRelayRoundTrip(t *testing.T) {
	b := NewBroadcaster(0)
	relay := &loopbackRelay{b: b}
	b.SetRelay(relay, Messages)
	sub := b.Subscribe("s", Messages, Presence)

	b.Publish(msgEvent(7))
	b.Publish(PresenceEvent(presence.Diff{Kind: presence.Left, IdentityID: "x"}))

	if ev := next(t, sub); ev.Message == nil || ev.Message.Seq != 7 {
		t.Fatalf("relayed message lost: %+v", ev)
	}
	if ev := next(t, sub); ev.Topic != Presence {
		t.Fatalf("presence should stay local: %+v", ev)
	}
	if relay.sent != 1 {
		t.Fatalf("expected only the messages topic relayed, sent=%d", relay.sent)
	}
}

func TestRelayFailureFallsBackToLocal(t *testing.T) {
	b := NewBroadcaster(0)
	b.SetRelay(&loopbackRelay{b: b, fail: true}, Messages)
	sub := b.Subscribe("s", Messages)

	b.Publish(msgEvent(3))
	if ev := next(t, sub); ev.Message.Seq != 3 {
		t.Fatalf("expected local delivery, got %+v", ev)
	}
}

func TestHandleRelayedRejectsGarbage(t *testing.T) {
	b := NewBroadcaster(0)
	if err := b.HandleRelayed([]byte("not json")); err == nil {
		t.Error("expected decode error")
	}
	if err := b.HandleRelayed([]byte(`{"topic":"nope"}`)); err == nil {
		t.Error("expected unknown topic error")
	}
}
