package discovery

import (
	"sync"
	"time"
)

// State is the synchronization state of a user session.
type State string

const (
	StateLoadingData State = "loading_data"
	StateReady       State = "ready"
)

// Status reports where the last synchronization pass of a scope stands.
type Status struct {
	State   State     `json:"status"`
	Updated time.Time `json:"updated"`
}

// StatusTracker records the synchronization state per scope.
type StatusTracker struct {
	mu     sync.RWMutex
	scopes map[string]Status
	now    func() time.Time
}

// NewStatusTracker creates an empty tracker
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{scopes: make(map[string]Status), now: time.Now}
}

func (t *StatusTracker) set(scope string, state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scopes[scope] = Status{State: state, Updated: t.now().UTC()}
}

// Get returns the status of a scope, false when it never synchronized.
func (t *StatusTracker) Get(scope string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.scopes[scope]
	return s, ok
}

// Forget drops the status of a scope that ended.
func (t *StatusTracker) Forget(scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.scopes, scope)
}
