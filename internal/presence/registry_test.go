package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	diffs []Diff
}

func (r *recorder) notify(d Diff) {
	r.mu.Lock()
	r.diffs = append(r.diffs, d)
	r.mu.Unlock()
}

func (r *recorder) all() []Diff {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Diff(nil), r.diffs...)
}

func TestRegisterEmitsJoinedOnce(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(rec.notify)

	reg.Register("id-alice", "s1", Meta{DisplayName: "alice"})
	reg.Register("id-alice", "s2", Meta{DisplayName: "alice"})

	diffs := rec.all()
	if len(diffs) != 1 {
		t.Fatalf("expected 1 diff, got %d: %+v", len(diffs), diffs)
	}
	if diffs[0].Kind != Joined || diffs[0].IdentityID != "id-alice" || diffs[0].DisplayName != "alice" {
		t.Errorf("unexpected diff: %+v", diffs[0])
	}

	snap := reg.List()
	if len(snap.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(snap.Entries))
	}
	if snap.Entries[0].Sessions != 2 {
		t.Errorf("expected 2 sessions, got %d", snap.Entries[0].Sessions)
	}
}

func TestDeregisterLastSessionEmitsLeftOnce(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(rec.notify)

	reg.Register("id-bob", "s1", Meta{DisplayName: "bob"})
	reg.Register("id-bob", "s2", Meta{DisplayName: "bob"})

	reg.Deregister("id-bob", "s1")
	if !reg.IsOnline("id-bob") {
		t.Fatal("bob should still be online with one session left")
	}
	if n := len(rec.all()); n != 1 {
		t.Fatalf("expected no diff for non-final deregister, have %d diffs", n)
	}

	reg.Deregister("id-bob", "s2")
	reg.Deregister("id-bob", "s2") // duplicate cleanup

	diffs := rec.all()
	if len(diffs) != 2 {
		t.Fatalf("expected joined+left, got %+v", diffs)
	}
	if diffs[1].Kind != Left || diffs[1].IdentityID != "id-bob" {
		t.Errorf("unexpected second diff: %+v", diffs[1])
	}
	if reg.IsOnline("id-bob") || reg.Count() != 0 {
		t.Error("bob should be absent")
	}
}

func TestDeregisterUnknownIsNoop(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(rec.notify)

	reg.Deregister("nobody", "s1")
	reg.Register("id-carol", "s1", Meta{DisplayName: "carol"})
	reg.Deregister("id-carol", "other-session")

	if len(rec.all()) != 1 {
		t.Fatalf("unknown deregistrations must not emit, got %+v", rec.all())
	}
	if !reg.IsOnline("id-carol") {
		t.Error("carol must remain online")
	}
}

func TestJoinedAtKeepsFirstRegistration(t *testing.T) {
	reg := NewRegistry(nil)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	reg.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	reg.Register("id", "s1", Meta{DisplayName: "first"})
	reg.Register("id", "s2", Meta{DisplayName: "second"})

	snap := reg.List()
	if !snap.Entries[0].JoinedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("expected keep-first joined_at, got %s", snap.Entries[0].JoinedAt)
	}
	if snap.Entries[0].DisplayName != "second" {
		t.Errorf("expected latest display metadata, got %q", snap.Entries[0].DisplayName)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	reg := NewRegistry(nil)

	lease, err := reg.Claim("id-dave", "s1", Meta{DisplayName: "dave"})
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if _, err := reg.Claim("id-dave", "s2", Meta{DisplayName: "dave"}); err != ErrAlreadyPresent {
		t.Fatalf("expected ErrAlreadyPresent, got %v", err)
	}

	lease.Release()
	if _, err := reg.Claim("id-dave", "s3", Meta{DisplayName: "dave"}); err != nil {
		t.Fatalf("Claim() after release: %v", err)
	}
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(rec.notify)

	lease := reg.Register("id-erin", "s1", Meta{DisplayName: "erin"})
	first, ok := lease.Release()
	if !ok || first.Kind != Left || first.IdentityID != "id-erin" {
		t.Fatalf("expected the left diff from the first release, got %+v ok=%v", first, ok)
	}
	if _, ok := lease.Release(); ok {
		t.Fatal("expected no diff from a repeated release")
	}

	var nilLease *Lease
	nilLease.Release()

	diffs := rec.all()
	if len(diffs) != 2 || diffs[1] != first {
		t.Fatalf("expected exactly joined+left, got %+v", diffs)
	}
}

func TestVersionsAreSequential(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(rec.notify)

	reg.Register("a", "s1", Meta{DisplayName: "a"})
	reg.Register("b", "s2", Meta{DisplayName: "b"})
	snap := reg.List()
	reg.Deregister("a", "s1")

	diffs := rec.all()
	for i, d := range diffs {
		if d.Version != uint64(i+1) {
			t.Errorf("diff %d has version %d", i, d.Version)
		}
	}
	if snap.Version != 2 {
		t.Errorf("snapshot version = %d, want 2", snap.Version)
	}
}

func TestConcurrentRegistrationsKeepCountConsistent(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(rec.notify)

	const (
		identities = 10
		sessions   = 20
	)
	var wg sync.WaitGroup
	for i := 0; i < identities; i++ {
		for s := 0; s < sessions; s++ {
			wg.Add(1)
			go func(i, s int) {
				defer wg.Done()
				id := fmt.Sprintf("id-%d", i)
				sid := fmt.Sprintf("s-%d-%d", i, s)
				lease := reg.Register(id, sid, Meta{DisplayName: id})
				lease.Release()
			}(i, s)
		}
	}
	wg.Wait()

	if reg.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Count())
	}

	// Per identity, diffs must strictly alternate joined, left, joined, ...
	last := map[string]DiffKind{}
	for _, d := range rec.all() {
		prev, seen := last[d.IdentityID]
		switch {
		case !seen && d.Kind != Joined:
			t.Fatalf("%s: first diff is %s", d.IdentityID, d.Kind)
		case seen && prev == d.Kind:
			t.Fatalf("%s: two consecutive %s diffs", d.IdentityID, d.Kind)
		}
		last[d.IdentityID] = d.Kind
	}
	for id, kind := range last {
		if kind != Left {
			t.Errorf("%s ended in %s", id, kind)
		}
	}
}
