package relock

import "github.com/petermattis/goid"

// Scope is a disposable handle for one acquisition of a Mutex,
// guaranteeing release on every exit path of the critical section:
//
//	s := mu.LockScope()
//	defer s.Unlock()
//
// Unlock is idempotent: the second and later calls are no-ops.
type Scope struct {
	m   *Mutex
	gid int64
}

// LockScope acquires the lock and returns the release handle.
func (m *Mutex) LockScope() Scope {
	m.Lock()
	return Scope{m: m, gid: goid.Get()}
}

// Unlock releases the acquisition this handle stands for. It panics if
// called from a goroutine other than the acquiring one.
func (s *Scope) Unlock() {
	m := s.m
	if m == nil {
		return
	}
	if s.gid != goid.Get() {
		panic("relock: scope unlocked by wrong goroutine")
	}
	s.m = nil
	m.Unlock()
}
