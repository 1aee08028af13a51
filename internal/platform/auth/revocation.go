package auth

import (
	"sync"
	"time"
)

// RevocationStore remembers signed-out token ids until the tokens would
// have expired on their own. Safe for concurrent use.
type RevocationStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time // jti -> token expiry
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewRevocationStore starts a background sweep every interval.
func NewRevocationStore(interval time.Duration) *RevocationStore {
	s := &RevocationStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.cleanupLoop(interval)
	return s
}

func (s *RevocationStore) Revoke(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	s.mu.Lock()
	s.entries[jti] = expiresAt
	s.mu.Unlock()
}

func (s *RevocationStore) IsRevoked(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[jti]
	return ok
}

func (s *RevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the sweep goroutine. Safe to call more than once.
func (s *RevocationStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *RevocationStore) cleanupLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *RevocationStore) cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, jti)
		}
	}
}
