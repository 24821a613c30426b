package session

import "sync"

// lockMap provides one mutual-exclusion domain per string key. Unrelated
// keys proceed independently; a single global lock would serialize every
// peer behind every other peer.
type lockMap struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockMap() *lockMap {
	return &lockMap{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the key's mutex and returns an unlock function.
func (lm *lockMap) acquire(key string) func() {
	lm.mu.Lock()
	l, ok := lm.locks[key]
	if !ok {
		l = &sync.Mutex{}
		lm.locks[key] = l
	}
	lm.mu.Unlock()

	l.Lock()
	return l.Unlock
}
