package cache

import (
	"sync"
	"time"
)

type entry struct {
	cache    *Cache
	lastUsed time.Time
}

// Sessions hands out one Cache per user-session scope. Caches live for the
// process lifetime unless an idle TTL is set, in which case an idle scope is
// dropped the next time it is asked for. There is no background sweep.
type Sessions struct {
	mu      sync.Mutex
	scopes  map[string]*entry
	idleTTL time.Duration
	now     func() time.Time
}

// NewSessions creates a scope registry; idleTTL of zero disables eviction
func NewSessions(idleTTL time.Duration) *Sessions {
	return &Sessions{
		scopes:  make(map[string]*entry),
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// For returns the cache of a scope, creating it when absent or idle-expired
func (s *Sessions) For(scope string) *Cache {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.scopes[scope]
	if ok && s.idleTTL > 0 && now.Sub(e.lastUsed) >= s.idleTTL {
		ok = false
	}
	if !ok {
		e = &entry{cache: New()}
		s.scopes[scope] = e
	}
	e.lastUsed = now
	return e.cache
}

// Teardown drops the cache of a scope
func (s *Sessions) Teardown(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.scopes, scope)
}

// Len returns the number of live scopes
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.scopes)
}
