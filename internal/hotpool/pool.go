// Package hotpool keeps live profile subscriptions for the most
// recently active senders, bounded by a fixed capacity. Completeness
// is traded for resource bounds: senders outside the pool render from
// the denormalized profile shard instead.
package hotpool

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/store"
)

// Subscriber opens a live profile subscription. The returned stop
// function tears it down; the pool calls it on eviction and reset.
type Subscriber interface {
	Subscribe(email string, onChange func(store.SenderProfile)) (stop func(), err error)
}

type entry struct {
	email      string
	lastSeenAt int64
	seq        uint64 // insertion order, tie-break for eviction
	stop       func()
}

// Pool is the bounded least-recently-seen subscription cache. All
// mutation goes through its own lock; no caller touches the internal
// map directly.
type Pool struct {
	capacity   int
	subscriber Subscriber
	bus        *bus.Bus
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	nextSeq uint64
}

// New creates a pool with the given capacity.
func New(capacity int, subscriber Subscriber, b *bus.Bus, logger *zap.Logger) *Pool {
	if capacity <= 0 {
		capacity = 30
	}
	return &Pool{
		capacity:   capacity,
		subscriber: subscriber,
		bus:        b,
		logger:     logger,
		entries:    make(map[string]*entry),
	}
}

// Touch records sender activity. A tracked sender gets its recency
// bumped; an untracked one is inserted, evicting the single
// least-recently-seen entry if the pool is full.
func (p *Pool) Touch(email string, lastSeenAt int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[email]; ok {
		if lastSeenAt > e.lastSeenAt {
			e.lastSeenAt = lastSeenAt
		}
		return
	}

	if len(p.entries) >= p.capacity {
		p.evictOldestLocked()
	}
	p.insertLocked(email, lastSeenAt)
}

// Seed bulk-initializes recency ordering from a message batch, so the
// first render after initial load already has live profiles for the
// active participants.
func (p *Pool) Seed(msgs []store.Message) {
	latest := make(map[string]int64, len(msgs))
	for _, m := range msgs {
		if m.SenderID == "" {
			continue
		}
		if m.SentAt > latest[m.SenderID] {
			latest[m.SenderID] = m.SentAt
		}
	}
	for email, at := range latest {
		p.Touch(email, at)
	}
}

// Bind opens the live subscription for a tracked sender. Idempotent: a
// second bind for an already-subscribed email is a no-op, so listeners
// never stack.
func (p *Pool) Bind(email string, onChange func(store.SenderProfile)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[email]
	if !ok || e.stop != nil {
		return nil
	}
	stop, err := p.subscriber.Subscribe(email, func(profile store.SenderProfile) {
		if onChange != nil {
			onChange(profile)
		}
		p.bus.Publish(bus.Event{
			Kind:      bus.KindProfileChanged,
			Timestamp: time.Now(),
			Payload: bus.ProfileChange{
				Email:      profile.Email,
				Nickname:   profile.Nickname,
				AvatarPath: profile.AvatarPath,
			},
		})
	})
	if err != nil {
		return err
	}
	e.stop = stop
	return nil
}

// Reset unsubscribes everything (room switch, logout).
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for email, e := range p.entries {
		if e.stop != nil {
			e.stop()
		}
		delete(p.entries, email)
	}
}

// Len returns the number of tracked senders.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Tracked reports whether a sender is currently in the pool.
func (p *Pool) Tracked(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[email]
	return ok
}

func (p *Pool) insertLocked(email string, lastSeenAt int64) {
	p.entries[email] = &entry{
		email:      email,
		lastSeenAt: lastSeenAt,
		seq:        p.nextSeq,
	}
	p.nextSeq++
}

// evictOldestLocked removes the entry with the smallest lastSeenAt,
// breaking ties by insertion order. The pool is small enough for a
// linear scan.
func (p *Pool) evictOldestLocked() {
	var victim *entry
	for _, e := range p.entries {
		if victim == nil ||
			e.lastSeenAt < victim.lastSeenAt ||
			(e.lastSeenAt == victim.lastSeenAt && e.seq < victim.seq) {
			victim = e
		}
	}
	if victim == nil {
		return
	}
	if victim.stop != nil {
		victim.stop()
	}
	delete(p.entries, victim.email)
	if p.logger != nil {
		p.logger.Debug("evicted profile subscription", zap.String("email", victim.email))
	}
}
