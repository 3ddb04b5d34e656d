package service

import (
	"strings"
	"sync"
)

// LockManager serializes issuance per (username, product) pair. Acquire
// is non-blocking: a busy lock is reported to the caller, who retries on
// their own cadence instead of queueing here.
type LockManager struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]struct{})}
}

// Acquire takes the lock for the username and product. On success the
// returned release function frees it; ok=false means another request
// holds it. The key is scoped per product so unrelated products for the
// same user do not contend.
func (m *LockManager) Acquire(username, productID string) (release func(), ok bool) {
	key := strings.ToLower(username) + "#" + productID

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.held[key]; busy {
		return nil, false
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, true
}
