package occupancy

import "sync"

// keyLock is an advisory set of busy keys. TryAcquire never blocks.
type keyLock struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

// TryAcquire marks key busy and returns its release func, or ok=false when the key is
// already held. Release is safe to call more than once.
func (l *keyLock) TryAcquire(key string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy == nil {
		l.busy = make(map[string]struct{})
	}
	if _, held := l.busy[key]; held {
		return nil, false
	}
	l.busy[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.busy, key)
			l.mu.Unlock()
		})
	}, true
}

// Held reports whether key is currently busy.
func (l *keyLock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.busy[key]
	return held
}
