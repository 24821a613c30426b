package messaging

import (
	"sync"
	"time"
)

// TimeProvider abstracts the clock so the recovery rate limit is testable.
type TimeProvider interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// recoveryLimiter allows one recovery attempt per key per window. A burst of
// undecryptable messages from one device must trigger one rebuild, not a
// storm of them.
type recoveryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	clock  TimeProvider
}

func newRecoveryLimiter(window time.Duration, clock TimeProvider) *recoveryLimiter {
	if clock == nil {
		clock = realClock{}
	}
	return &recoveryLimiter{
		window: window,
		last:   make(map[string]time.Time),
		clock:  clock,
	}
}

// allow reports whether a recovery may run for the key now, and records the
// attempt if so.
func (l *recoveryLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.window {
		return false
	}
	l.last[key] = now
	return true
}
