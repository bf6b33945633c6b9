package relock

import (
	"github.com/llxisdsh/pb"
)

// MutexGroup provides reentrant locking on arbitrary keys (string,
// int, struct, etc.) without pre-allocating a lock per key.
//
// Features:
//   - Infinite keys: locks are created on first use.
//   - Auto-cleanup: a lock is removed from memory once it is unlocked
//     and nobody else is waiting for its key.
//   - Low overhead: keys live in a concurrent map; per-key mutual
//     exclusion is a Mutex, so keyed critical sections keep the same
//     reentrancy and anti-starvation behavior.
//
// Usage:
//
//	var group MutexGroup[string]
//	group.Lock("user-123")
//	// critical section for user-123
//	group.Unlock("user-123")
//
// Implementation Note:
// Entries are reference counted; the count is mutated only inside the
// map's per-key processing, which is exclusive for the key.
type MutexGroup[K comparable] struct {
	_ noCopy
	m pb.MapOf[K, *groupEntry]
}

type groupEntry struct {
	mu  Mutex
	ref int32
}

// Lock acquires the lock for key k, blocking until it is available.
func (g *MutexGroup[K]) Lock(k K) {
	g.enter(k).mu.Lock()
}

// TryLock attempts to acquire the lock for key k without blocking.
func (g *MutexGroup[K]) TryLock(k K) bool {
	e := g.enter(k)
	if e.mu.TryLock() {
		return true
	}
	g.leave(k)
	return false
}

// Unlock releases the lock for key k. It panics if the calling
// goroutine does not hold it.
func (g *MutexGroup[K]) Unlock(k K) {
	e, ok := g.m.Load(k)
	if !ok {
		panic("relock: unlock of unheld group key")
	}
	e.mu.Unlock()
	g.leave(k)
}

func (g *MutexGroup[K]) enter(k K) *groupEntry {
	var ge *groupEntry
	g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *groupEntry]) (*pb.EntryOf[K, *groupEntry], *groupEntry, bool) {
			if l != nil {
				ge = l.Value
				ge.ref++
				return l, ge, true
			}
			ge = &groupEntry{ref: 1}
			return &pb.EntryOf[K, *groupEntry]{Value: ge}, ge, false
		},
	)
	return ge
}

func (g *MutexGroup[K]) leave(k K) {
	g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *groupEntry]) (*pb.EntryOf[K, *groupEntry], *groupEntry, bool) {
			if l == nil {
				return nil, nil, false
			}
			l.Value.ref--
			if l.Value.ref <= 0 {
				return nil, nil, true
			}
			return l, l.Value, true
		},
	)
}
