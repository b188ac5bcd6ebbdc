package store

import "sync"

// AccountLocks serializes mutations per account: a rebalance commit and a
// concurrent deposit/withdraw for the same user take the same lock, while
// different accounts proceed independently. This is the only cross-component
// locking in the engine — no cross-account locks exist.
type AccountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAccountLocks creates an empty lock registry.
func NewAccountLocks() *AccountLocks {
	return &AccountLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for one user id, creating it on first use.
func (l *AccountLocks) Lock(userID string) {
	l.get(userID).Lock()
}

// Unlock releases the lock for one user id.
func (l *AccountLocks) Unlock(userID string) {
	l.get(userID).Unlock()
}

func (l *AccountLocks) get(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	return m
}
