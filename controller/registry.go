package controller

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"burrow/utils"
)

// connRegistry parks public-side connections until the client claims them
// with an Accept frame. Every entry gets a janitor that closes and drops it
// after ttl.
type connRegistry struct {
	ttl   time.Duration
	mu    sync.Mutex
	conns map[uuid.UUID]net.Conn
}

func newConnRegistry(ttl time.Duration) *connRegistry {
	return &connRegistry{ttl: ttl, conns: make(map[uuid.UUID]net.Conn)}
}

// Park stores conn under id and arms the per-entry janitor.
func (r *connRegistry) Park(id uuid.UUID, conn net.Conn) {
	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()
	time.AfterFunc(r.ttl, func() {
		if stale := r.Claim(id); stale != nil {
			stale.Close()
			utils.Logger.Warn("removed stale connection", zap.String("id", id.String()))
		}
	})
}

// Claim removes and returns the parked conn, or nil when the id is unknown
// or already consumed. An id is consumed at most once.
func (r *connRegistry) Claim(id uuid.UUID) net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.conns[id]
	delete(r.conns, id)
	return conn
}

func (r *connRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// tunnelCounter tracks live admitted control connections per user. The cap
// check and the increment share one critical section; a get-then-insert
// pair here is a race that over-admits under concurrent handshakes.
type tunnelCounter struct {
	mu     sync.Mutex
	counts map[string]uint32
}

func newTunnelCounter() *tunnelCounter {
	return &tunnelCounter{counts: make(map[string]uint32)}
}

// TryAcquire admits the user when their live count is below max.
func (t *tunnelCounter) TryAcquire(userID string, max uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.counts[userID]
	if !ok {
		if max == 0 {
			return false
		}
		t.counts[userID] = 1
		return true
	}
	if n >= max {
		return false
	}
	t.counts[userID] = n + 1
	return true
}

// Release decrements, saturating at zero, and drops the entry when it
// reaches zero.
func (t *tunnelCounter) Release(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.counts[userID]
	if !ok {
		return
	}
	if n <= 1 {
		delete(t.counts, userID)
		return
	}
	t.counts[userID] = n - 1
}

// Count reports the live count for a user.
func (t *tunnelCounter) Count(userID string) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[userID]
}
