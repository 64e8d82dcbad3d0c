// Package lock provides the per-account mutual exclusion the sync engine
// uses to keep two cycles for the same account from running concurrently.
// The in-memory locker covers a single process; the Redis locker extends
// the same guarantee across replicas.
package lock

import (
	"context"
	"sync"
	"time"
)

// Locker grants exclusive, expiring holds on string keys. Acquire returns
// false without error when the key is already held.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Memory is a process-local Locker. The zero value is not usable;
// construct with NewMemory.
type Memory struct {
	mu    sync.Mutex
	holds map[string]time.Time
	now   func() time.Time
}

// NewMemory creates an in-memory locker.
func NewMemory() *Memory {
	return &Memory{
		holds: map[string]time.Time{},
		now:   time.Now,
	}
}

// NewMemoryWithClock creates an in-memory locker with an injectable clock,
// used by tests to exercise expiry.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{holds: map[string]time.Time{}, now: now}
}

// Acquire takes the key unless an unexpired hold exists.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, held := m.holds[key]; held && expiry.After(now) {
		return false, nil
	}
	m.holds[key] = now.Add(ttl)
	return true, nil
}

// Release drops the hold on the key.
func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.holds, key)
	return nil
}
