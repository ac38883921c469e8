package dialogdriver

import (
	"context"
	"sync"
)

// fifoMutex is a queueing lock primitive guaranteeing first-come-first-served
// acquisition order, replacing a bare semaphore or Go's unordered
// sync.Mutex where per-dialog fairness is required (a starved subdialog
// drive must not be overtaken indefinitely by a busier sibling).
type fifoMutex struct {
	mu    sync.Mutex
	held  bool
	queue []chan struct{}
}

func newFIFOMutex() *fifoMutex { return &fifoMutex{} }

// Lock blocks until the mutex is acquired, honoring queue order.
func (m *fifoMutex) Lock() {
	_ = m.LockContext(context.Background())
}

// LockContext blocks until the mutex is acquired or ctx is done, honoring
// queue order. On ctx cancellation while queued, the caller never acquires
// the lock.
func (m *fifoMutex) LockContext(ctx context.Context) error {
	m.mu.Lock()
	if !m.held && len(m.queue) == 0 {
		m.held = true
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.queue = append(m.queue, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	default:
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		for i, q := range m.queue {
			if q == ch {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				m.mu.Unlock()
				return ctx.Err()
			}
		}
		m.mu.Unlock()
		// Unlock already handed the lock to this waiter; pass it on.
		m.Unlock()
		return ctx.Err()
	}
}

// TryLock attempts to acquire the mutex without waiting, for the
// waitInQueue=false fast-fail path.
func (m *fifoMutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held && len(m.queue) == 0 {
		m.held = true
		return true
	}
	return false
}

// Unlock releases the mutex, waking the longest-waiting queued acquirer if
// any, else marking the mutex free.
func (m *fifoMutex) Unlock() {
	m.mu.Lock()
	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		close(next)
		return
	}
	m.held = false
	m.mu.Unlock()
}

// LockTable owns the per-dialog drive lock and suspension-state lock
// tables, replacing the ambient module-level map-of-mutexes the original
// design is built on with one owning object with explicit lookup.
type LockTable struct {
	mu          sync.Mutex
	driveLocks  map[string]*fifoMutex
	suspLocks   map[string]*fifoMutex
}

// NewLockTable constructs an empty LockTable.
func NewLockTable() *LockTable {
	return &LockTable{
		driveLocks: make(map[string]*fifoMutex),
		suspLocks:  make(map[string]*fifoMutex),
	}
}

// DriveLock returns the exclusive drive lock for id, creating it on first use.
func (t *LockTable) DriveLock(id DialogID) *fifoMutex {
	return t.get(t.driveLocks, id)
}

// SuspensionLock returns the suspension-state lock for id, creating it on
// first use. Callers must never hold one dialog's suspension-state lock
// while acquiring another's.
func (t *LockTable) SuspensionLock(id DialogID) *fifoMutex {
	return t.get(t.suspLocks, id)
}

func (t *LockTable) get(table map[string]*fifoMutex, id DialogID) *fifoMutex {
	key := id.Key()
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := table[key]
	if !ok {
		l = newFIFOMutex()
		table[key] = l
	}
	return l
}

// WithSuspensionLock runs fn while holding id's suspension-state lock.
func (t *LockTable) WithSuspensionLock(id DialogID, fn func() error) error {
	l := t.SuspensionLock(id)
	l.Lock()
	defer l.Unlock()
	return fn()
}
