// Package tabs elects a single primary among multiple live client
// instances of the same user (browser tabs, duplicate app windows) so
// only one of them publishes media. Election is lease based: every
// instance heartbeats a shared record, expired records drop out, and the
// oldest surviving registration wins.
package tabs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotRegistered     = errors.New("tab is not registered")
	ErrAlreadyRegistered = errors.New("tab is already registered")
)

const (
	DefaultHeartbeatInterval = 1 * time.Second
	DefaultExpireAfter       = 5 * time.Second
)

// Record is one live client instance of a user in a room.
type Record struct {
	TabID        string
	RoomID       string
	UserID       string
	RegisteredAt time.Time
	LastBeat     time.Time
}

// Store is the shared registry the election runs over. Implementations
// must be safe for concurrent use; Watch callbacks fire after any Put or
// Delete.
type Store interface {
	Put(rec Record) error
	Delete(tabID string) error
	// List returns records for one user in one room, in no particular
	// order.
	List(roomID, userID string) ([]Record, error)
	// Watch registers a change callback and returns a cancel func.
	Watch(fn func()) (cancel func())
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Options struct {
	Log               *slog.Logger
	Clock             Clock
	HeartbeatInterval time.Duration
	ExpireAfter       time.Duration

	// OnPrimaryChange fires when this tab gains or loses the primary
	// role. It runs on the arbiter's internal goroutine.
	OnPrimaryChange func(primary bool)
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.ExpireAfter <= 0 {
		o.ExpireAfter = DefaultExpireAfter
	}
	return o
}

// Arbiter is one participant in the election.
type Arbiter struct {
	store Store
	opts  Options
	log   *slog.Logger

	mu         sync.Mutex
	tabID      string
	roomID     string
	userID     string
	registered bool
	primary    bool
	cancelWork context.CancelFunc
	unwatch    func()
	done       chan struct{}
}

func NewArbiter(store Store, opts Options) *Arbiter {
	opts = opts.withDefaults()
	return &Arbiter{
		store: store,
		opts:  opts,
		log:   opts.Log,
		tabID: uuid.NewString(),
	}
}

// TabID is this participant's stable identity for the election.
func (a *Arbiter) TabID() string { return a.tabID }

// Register enters the election for the given room/user and starts
// heartbeating. The initial primary decision is made synchronously, so
// IsPrimary is valid as soon as Register returns.
func (a *Arbiter) Register(roomID, userID string) error {
	a.mu.Lock()
	if a.registered {
		a.mu.Unlock()
		return ErrAlreadyRegistered
	}
	a.registered = true
	a.roomID = roomID
	a.userID = userID
	a.mu.Unlock()

	now := a.opts.Clock.Now()
	if err := a.store.Put(Record{
		TabID:        a.tabID,
		RoomID:       roomID,
		UserID:       userID,
		RegisteredAt: now,
		LastBeat:     now,
	}); err != nil {
		a.mu.Lock()
		a.registered = false
		a.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	a.cancelWork = cancel
	a.done = done
	a.unwatch = a.store.Watch(a.recheck)
	a.mu.Unlock()

	a.recheck()
	go a.heartbeatLoop(ctx, done)
	return nil
}

// Deregister leaves the election and releases the record.
func (a *Arbiter) Deregister() error {
	a.mu.Lock()
	if !a.registered {
		a.mu.Unlock()
		return ErrNotRegistered
	}
	a.registered = false
	cancel := a.cancelWork
	unwatch := a.unwatch
	done := a.done
	wasPrimary := a.primary
	a.primary = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if unwatch != nil {
		unwatch()
	}
	if err := a.store.Delete(a.tabID); err != nil {
		return err
	}
	if wasPrimary {
		a.notify(false)
	}
	return nil
}

// IsPrimary reports whether this tab currently holds the primary role.
func (a *Arbiter) IsPrimary() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.primary
}

func (a *Arbiter) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.beat()
			a.recheck()
		}
	}
}

// beat refreshes this tab's lease.
func (a *Arbiter) beat() {
	a.mu.Lock()
	if !a.registered {
		a.mu.Unlock()
		return
	}
	roomID, userID := a.roomID, a.userID
	a.mu.Unlock()

	records, err := a.store.List(roomID, userID)
	if err != nil {
		a.log.Warn("tab heartbeat list failed", "err", err)
		return
	}
	for _, rec := range records {
		if rec.TabID != a.tabID {
			continue
		}
		rec.LastBeat = a.opts.Clock.Now()
		if err := a.store.Put(rec); err != nil {
			a.log.Warn("tab heartbeat failed", "err", err)
		}
		return
	}
	// Our record vanished (another tab swept it, or storage was cleared);
	// re-register the lease.
	now := a.opts.Clock.Now()
	if err := a.store.Put(Record{
		TabID:        a.tabID,
		RoomID:       roomID,
		UserID:       userID,
		RegisteredAt: now,
		LastBeat:     now,
	}); err != nil {
		a.log.Warn("tab re-registration failed", "err", err)
	}
}

// recheck recomputes primariness from the store and fires the callback
// on changes.
func (a *Arbiter) recheck() {
	a.mu.Lock()
	if !a.registered {
		a.mu.Unlock()
		return
	}
	roomID, userID := a.roomID, a.userID
	a.mu.Unlock()

	records, err := a.store.List(roomID, userID)
	if err != nil {
		a.log.Warn("tab election list failed", "err", err)
		return
	}

	leader := electLeader(records, a.opts.Clock.Now(), a.opts.ExpireAfter)
	isPrimary := leader == a.tabID

	a.mu.Lock()
	changed := a.registered && a.primary != isPrimary
	if changed {
		a.primary = isPrimary
	}
	a.mu.Unlock()

	if changed {
		if isPrimary {
			a.log.Info("tab promoted to primary", "tab_id", a.tabID)
		} else {
			a.log.Info("tab demoted", "tab_id", a.tabID)
		}
		a.notify(isPrimary)
	}
}

func (a *Arbiter) notify(primary bool) {
	if fn := a.opts.OnPrimaryChange; fn != nil {
		fn(primary)
	}
}

// electLeader picks the oldest live registration; ties on registration
// time fall back to the smallest tab id so every participant agrees.
func electLeader(records []Record, now time.Time, expireAfter time.Duration) string {
	cutoff := now.Add(-expireAfter)
	leader := ""
	var leaderAt time.Time
	for _, rec := range records {
		if rec.LastBeat.Before(cutoff) {
			continue
		}
		if leader == "" ||
			rec.RegisteredAt.Before(leaderAt) ||
			(rec.RegisteredAt.Equal(leaderAt) && rec.TabID < leader) {
			leader = rec.TabID
			leaderAt = rec.RegisteredAt
		}
	}
	return leader
}
