package catalog

import (
	"sync"

	"github.com/noah-isme/backend-blinds/internal/obs"
)

// Ticket identifies one load started for a key.
type Ticket struct {
	Key string
	seq uint64
}

// Tracker lets only the most recent load for a key publish its result. A
// product switch that races a slow earlier load keeps the newer data.
type Tracker struct {
	mu     sync.Mutex
	latest map[string]uint64
	next   uint64
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{latest: make(map[string]uint64)}
}

// Begin starts a load for key and supersedes any earlier ticket.
func (t *Tracker) Begin(key string) Ticket {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.latest[key] = t.next
	return Ticket{Key: key, seq: t.next}
}

// Current reports whether tk is still the latest ticket for its key.
func (t *Tracker) Current(tk Ticket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest[tk.Key] == tk.seq
}

// Commit runs fn while holding the tracker lock if tk is still current, and
// retires the ticket. A stale ticket is counted and fn is not called.
func (t *Tracker) Commit(tk Ticket, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest[tk.Key] != tk.seq {
		obs.PricingStaleDiscardTotal.Inc()
		return false
	}
	if fn != nil {
		fn()
	}
	delete(t.latest, tk.Key)
	return true
}

// Forget drops any pending ticket for key, so in-flight loads become stale.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.latest[key] = t.next
}
