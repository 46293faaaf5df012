package tabs

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestArbiter builds an arbiter whose heartbeat loop is effectively
// disabled; tests drive beat and recheck by hand against the fake clock.
func newTestArbiter(store Store, clock Clock, onChange func(bool)) *Arbiter {
	return NewArbiter(store, Options{
		Log:               slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:             clock,
		HeartbeatInterval: time.Hour,
		ExpireAfter:       5 * time.Second,
		OnPrimaryChange:   onChange,
	})
}

func TestFirstTabIsPrimary(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()

	a := newTestArbiter(store, clock, nil)
	if err := a.Register("room-1", "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer a.Deregister()

	if !a.IsPrimary() {
		t.Fatal("sole tab is not primary")
	}
}

func TestSecondTabIsNotPrimary(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()

	a := newTestArbiter(store, clock, nil)
	if err := a.Register("room-1", "alice"); err != nil {
		t.Fatal(err)
	}
	defer a.Deregister()

	clock.Advance(100 * time.Millisecond)
	b := newTestArbiter(store, clock, nil)
	if err := b.Register("room-1", "alice"); err != nil {
		t.Fatal(err)
	}
	defer b.Deregister()

	if !a.IsPrimary() {
		t.Fatal("oldest tab lost the primary role")
	}
	if b.IsPrimary() {
		t.Fatal("newer tab claims primary")
	}
}

func TestDifferentUsersElectIndependently(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()

	a := newTestArbiter(store, clock, nil)
	if err := a.Register("room-1", "alice"); err != nil {
		t.Fatal(err)
	}
	defer a.Deregister()

	b := newTestArbiter(store, clock, nil)
	if err := b.Register("room-1", "bob"); err != nil {
		t.Fatal(err)
	}
	defer b.Deregister()

	if !a.IsPrimary() || !b.IsPrimary() {
		t.Fatal("each user should have their own primary")
	}
}

func TestPromotionOnDeregister(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()

	a := newTestArbiter(store, clock, nil)
	if err := a.Register("room-1", "alice"); err != nil {
		t.Fatal(err)
	}

	promoted := make(chan bool, 4)
	b := newTestArbiter(store, clock, func(primary bool) { promoted <- primary })
	clock.Advance(time.Second)
	if err := b.Register("room-1", "alice"); err != nil {
		t.Fatal(err)
	}
	defer b.Deregister()

	if b.IsPrimary() {
		t.Fatal("b primary while a is live")
	}

	// a leaving triggers the store watch, which re-runs b's election.
	if err := a.Deregister(); err != nil {
		t.Fatal(err)
	}
	if !b.IsPrimary() {
		t.Fatal("b not promoted after a left")
	}
	select {
	case primary := <-promoted:
		if !primary {
			t.Fatal("promotion callback reported primary=false")
		}
	default:
		t.Fatal("promotion callback never fired")
	}
}

func TestExpiredTabLosesElection(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()

	var aChanges []bool
	a := newTestArbiter(store, clock, func(primary bool) { aChanges = append(aChanges, primary) })
	if err := a.Register("room-1", "alice"); err != nil {
		t.Fatal(err)
	}
	defer a.Deregister()

	clock.Advance(time.Second)
	b := newTestArbiter(store, clock, nil)
	if err := b.Register("room-1", "alice"); err != nil {
		t.Fatal(err)
	}
	defer b.Deregister()

	// a goes silent for longer than the expiry window while b keeps
	// beating.
	clock.Advance(6 * time.Second)
	b.beat()
	b.recheck()
	if !b.IsPrimary() {
		t.Fatal("b not promoted after a's lease expired")
	}

	// When a wakes up and rechecks, it observes its demotion.
	a.recheck()
	if a.IsPrimary() {
		t.Fatal("a still primary with an expired lease")
	}
	if len(aChanges) == 0 || aChanges[len(aChanges)-1] != false {
		t.Fatalf("demotion callback sequence = %v", aChanges)
	}
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()

	a := newTestArbiter(store, clock, nil)
	if err := a.Register("room-1", "alice"); err != nil {
		t.Fatal(err)
	}
	defer a.Deregister()

	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		a.beat()
	}
	a.recheck()
	if !a.IsPrimary() {
		t.Fatal("beating tab lost its lease")
	}
}

func TestRegisterTwice(t *testing.T) {
	store := NewMemoryStore()
	a := newTestArbiter(store, newFakeClock(), nil)
	if err := a.Register("room-1", "alice"); err != nil {
		t.Fatal(err)
	}
	defer a.Deregister()
	if err := a.Register("room-1", "alice"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("got %v, want ErrAlreadyRegistered", err)
	}
}

func TestDeregisterUnregistered(t *testing.T) {
	a := newTestArbiter(NewMemoryStore(), newFakeClock(), nil)
	if err := a.Deregister(); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("got %v, want ErrNotRegistered", err)
	}
}

func TestElectLeaderTieBreak(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	records := []Record{
		{TabID: "bbb", RegisteredAt: now, LastBeat: now},
		{TabID: "aaa", RegisteredAt: now, LastBeat: now},
		{TabID: "ccc", RegisteredAt: now, LastBeat: now},
	}
	if got := electLeader(records, now, 5*time.Second); got != "aaa" {
		t.Fatalf("leader = %q, want aaa", got)
	}
}

func TestElectLeaderIgnoresExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	records := []Record{
		{TabID: "old", RegisteredAt: now.Add(-time.Minute), LastBeat: now.Add(-10 * time.Second)},
		{TabID: "live", RegisteredAt: now, LastBeat: now},
	}
	if got := electLeader(records, now, 5*time.Second); got != "live" {
		t.Fatalf("leader = %q, want live", got)
	}
	if got := electLeader(nil, now, 5*time.Second); got != "" {
		t.Fatalf("leader of empty set = %q, want empty", got)
	}
}
