package relock

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
)

// Mutex is a reentrant mutual-exclusion lock tuned for high-contention,
// short-hold-time critical sections.
//
// Ownership is per goroutine: the goroutine that holds the lock may
// acquire it again without blocking, and must call Unlock once per
// acquisition. Unlike sync.Mutex, Unlock from a non-owner panics.
//
// Acquisition is spin-then-park. Newcomers may cut in front of blocked
// waiters ("barging") to avoid lock convoys; once waiters have been
// starved for longer than ~100ms the lock flips to a fair mode where
// newcomers queue until the waiter set drains. The spin length adapts:
// locks whose spins keep succeeding spin longer, persistently contended
// locks stop spinning for a while.
//
// It is zero-value usable. It must not be copied after first use.
//
// Size: 40 bytes.
//
// Trade-offs:
//   - Pros: no convoy collapse under heavy contention, bounded waiter
//     starvation, reentrancy, timed and cancelable acquisition.
//   - Cons: heavier than sync.Mutex (owner tracking costs a goroutine
//     id lookup per operation); not a reader/writer lock; no deadlock
//     detection.
type Mutex struct {
	_ noCopy

	// state is the packed state word; see lockState for the layout.
	// It is the only cross-goroutine mutable field and is only ever
	// written through CAS retry loops.
	state atomic.Uint32

	// waiterStart is the coarse monotonic time (monoMS) at which the
	// current run of un-served waiters began, 0 = no run. Heuristic;
	// racy rewrites are tolerated.
	waiterStart atomic.Uint32

	// owner is the id of the owning goroutine, 0 = unowned. Stored
	// strictly after the acquiring CAS, cleared strictly before the
	// releasing decrement.
	owner atomic.Int64

	// recursion is written only by the owner while it holds the lock.
	recursion uint32

	// spinCount is the adaptive spin budget. Negative values are a
	// cooldown: spinning is disabled and each contended acquisition
	// ticks the value back toward zero.
	spinCount atomic.Int32

	contentions atomic.Uint64

	// wake is the lazily CAS-allocated parking primitive.
	wake atomic.Pointer[wakeEvent]
}

const (
	maxSpinCount       = 22
	minSpinCount       = -100
	spinYieldThreshold = 10
	postWakeSpinCount  = 10
	maxStarvationMS    = 100

	infiniteWait = time.Duration(-1)
)

// ErrTooManyWaiters is returned (or panicked, for the non-error entry
// points) when the waiter count field of the state word is saturated.
// Practically unreachable: it takes 2^25 goroutines blocked on one
// lock. The lock remains consistent and usable afterwards.
var ErrTooManyWaiters = errors.New("relock: too many waiters")

// errTimedOut is internal; TryLockFor translates it to false.
var errTimedOut = errors.New("relock: wait timed out")

// NewUntimedMutex returns a Mutex whose blocking acquisitions always
// wait indefinitely and park directly on the runtime semaphore, which
// is cheaper than the timer-capable wait path. TryLockFor with a
// positive timeout and LockContext with a cancelable context panic on
// such a lock. Intended for locks embedded inside other
// synchronization machinery where waits are always indefinite.
func NewUntimedMutex() *Mutex {
	m := &Mutex{}
	m.state.Store(uint32(untimedBit))
	return m
}

// Lock acquires the lock, blocking until it is available. If the
// calling goroutine already holds the lock the recursion count is
// incremented and Lock returns immediately.
func (m *Mutex) Lock() {
	gid := goid.Get()
	if m.owner.Load() == gid {
		m.lockRecursive()
		return
	}
	if !m.tryLockBarging() {
		if err := m.lockSlow(infiniteWait, nil); err != nil {
			panic(err)
		}
	}
	m.owner.Store(gid)
}

// TryLock attempts to acquire the lock without blocking.
// Reentrant acquisition by the owner always succeeds.
func (m *Mutex) TryLock() bool {
	gid := goid.Get()
	if m.owner.Load() == gid {
		m.lockRecursive()
		return true
	}
	if m.tryLockBarging() {
		m.owner.Store(gid)
		return true
	}
	return false
}

// TryLockFor attempts to acquire the lock, blocking for at most d.
// d <= 0 behaves as TryLock. Only the parked phase is bounded by the
// timeout; the spin phase is short and unconditional. A false return
// is a normal outcome, not an error.
func (m *Mutex) TryLockFor(d time.Duration) bool {
	if d <= 0 {
		return m.TryLock()
	}
	if m.load().untimed() {
		panic("relock: timed wait on untimed mutex")
	}
	gid := goid.Get()
	if m.owner.Load() == gid {
		m.lockRecursive()
		return true
	}
	if m.tryLockBarging() {
		m.owner.Store(gid)
		return true
	}
	switch err := m.lockSlow(d, nil); err {
	case nil:
		m.owner.Store(gid)
		return true
	case errTimedOut:
		return false
	default:
		panic(err)
	}
}

// LockContext acquires the lock, giving up when ctx is canceled. It
// returns nil once the lock is held, ctx.Err() on cancellation, or
// ErrTooManyWaiters. A goroutine canceled while parked deregisters
// itself before returning, leaving the lock consistent for others.
func (m *Mutex) LockContext(ctx context.Context) error {
	cancelable := ctx.Done() != nil
	if cancelable && m.load().untimed() {
		panic("relock: cancelable wait on untimed mutex")
	}
	gid := goid.Get()
	if m.owner.Load() == gid {
		m.lockRecursive()
		return nil
	}
	if m.tryLockBarging() {
		m.owner.Store(gid)
		return nil
	}
	if !cancelable {
		// not cancelable, take the plain blocking path
		if err := m.lockSlow(infiniteWait, nil); err != nil {
			return err
		}
		m.owner.Store(gid)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.lockSlow(infiniteWait, ctx); err != nil {
		return err
	}
	m.owner.Store(gid)
	return nil
}

// Unlock releases one level of the lock. It panics if the calling
// goroutine does not hold the lock. True release happens only when the
// recursion count reaches zero; only then is the state word touched
// and at most one waiter signaled.
func (m *Mutex) Unlock() {
	if m.owner.Load() != goid.Get() {
		panic("relock: unlock of mutex not held by current goroutine")
	}
	if m.recursion != 0 {
		m.recursion--
		return
	}
	m.owner.Store(0)
	s := lockState(m.state.Add(^uint32(lockedBit) + 1))
	if s.waiters() != 0 {
		m.maybeSignalWaiter()
	}
}

// IsHeldByCurrentGoroutine reports whether the calling goroutine holds
// the lock.
func (m *Mutex) IsHeldByCurrentGoroutine() bool {
	return m.owner.Load() == goid.Get()
}

// ContentionCount returns the number of acquisitions that had to park.
// It only ever grows.
func (m *Mutex) ContentionCount() uint64 {
	return m.contentions.Load()
}

func (m *Mutex) lockRecursive() {
	if m.recursion == math.MaxUint32 {
		panic("relock: recursion limit exceeded")
	}
	m.recursion++
}

// lockSlow is the contended path: adaptive spin, then park.
// timeout < 0 means wait forever; ctx, when non-nil, bounds the parked
// phase instead. Exactly one of the two mechanisms is active.
func (m *Mutex) lockSlow(timeout time.Duration, ctx context.Context) error {
	if m.spinPhase() {
		return nil
	}
	return m.waitPhase(timeout, ctx)
}

// spinPhase runs the registered spin attempt. The first spinner of an
// idle period probes with a full-length spin to discover whether
// spinning is worthwhile; concurrent spinners use the current adaptive
// budget. The budget grows on spin success and shrinks toward the
// cooldown floor on failure.
func (m *Mutex) spinPhase() bool {
	spins := m.spinCount.Load()
	wantSpin := spins >= 0 && canSpin()
	hint, first := m.tryLockBeforeSpin(wantSpin)
	if hint == hintAcquired {
		return true
	}
	if hint != hintSpin {
		if spins < 0 {
			// cooling down, one contended acquisition per tick
			m.spinCount.CompareAndSwap(spins, spins+1)
		}
		return false
	}
	budget := int(spins)
	if first {
		budget = maxSpinCount
	}
	single := singleProcessor()
	for i := 0; i < budget; i++ {
		spinStep(i, spinYieldThreshold, single)
		switch m.tryLockInsideSpin() {
		case spinAcquired:
			m.tuneSpinCount(true)
			return true
		case spinAbort:
			// serve-waiters engaged; spinner already deregistered
			return false
		}
	}
	acquired := m.tryLockAfterSpin()
	m.tuneSpinCount(acquired)
	return acquired
}

func (m *Mutex) tuneSpinCount(success bool) {
	c := m.spinCount.Load()
	if success {
		if c < maxSpinCount {
			m.spinCount.CompareAndSwap(c, c+1)
		}
	} else if c > minSpinCount {
		m.spinCount.CompareAndSwap(c, c-1)
	}
}

// waitPhase registers the caller as a waiter and parks it until a
// release signals it through. Each wakeup competes with bargers via a
// short spin before parking again. The deferred deregistration keeps
// the waiter bookkeeping correct on timeout, cancellation and panic
// alike.
func (m *Mutex) waitPhase(timeout time.Duration, ctx context.Context) error {
	ev := m.event()
	switch m.registerWaiterOrLock() {
	case waitAcquired:
		return nil
	case waitOverflow:
		return ErrTooManyWaiters
	}
	m.contentions.Add(1)

	registered := true
	defer func() {
		if registered {
			m.unregisterWaiterOnAbort()
		}
	}()

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	single := singleProcessor()
	for {
		switch {
		case ctx != nil:
			if err := ev.waitContext(ctx); err != nil {
				return err
			}
		case timeout >= 0:
			remaining := time.Until(deadline)
			if remaining <= 0 || !ev.waitTimeout(remaining) {
				return errTimedOut
			}
		default:
			ev.wait()
		}

		for i := 0; i < postWakeSpinCount; i++ {
			if m.tryConsumeWakeInSpin() {
				registered = false
				return nil
			}
			spinStep(i, spinYieldThreshold, single)
		}
		if m.tryConsumeWakeAfterSpin() {
			registered = false
			return nil
		}
	}
}

// event returns the parking primitive, allocating it on first use.
// Exactly one allocation wins the CAS; losers are discarded.
func (m *Mutex) event() *wakeEvent {
	if ev := m.wake.Load(); ev != nil {
		return ev
	}
	ev := newWakeEvent(m.load().untimed())
	if m.wake.CompareAndSwap(nil, ev) {
		return ev
	}
	return m.wake.Load()
}
