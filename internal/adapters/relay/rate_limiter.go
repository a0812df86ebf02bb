package relay

import (
	"sync"
	"time"

	"github.com/dkeye/Beam/internal/domain"
)

// RateLimiter is a sliding window of signal attempts per peer.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[domain.PeerID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[domain.PeerID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(id domain.PeerID) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}
	rl.history[id] = append(fresh, now)
	return true
}

// Forget drops the history of a disconnected peer.
func (rl *RateLimiter) Forget(id domain.PeerID) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.history, id)
	rl.mu.Unlock()
}
