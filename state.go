package relock

// lockState is an immutable snapshot of the packed state word.
//
// Layout (LSB first):
//
//	bit 0:     locked
//	bit 1:     serve-waiters (newcomers must not preempt waiters)
//	bits 2-4:  spinner count (saturates at 7)
//	bit 5:     a blocked waiter has been signaled and not yet consumed it
//	bit 6:     untimed waits (fixed at construction)
//	bits 7-31: waiter count (saturates at 2^25-1)
//
// The word is only ever mutated through CAS retry loops over snapshots;
// no field is written in place.
type lockState uint32

const (
	lockedBit       lockState = 1 << 0
	serveWaitersBit lockState = 1 << 1
	spinnerOne      lockState = 1 << 2
	spinnerMask     lockState = 7 << 2
	signaledBit     lockState = 1 << 5
	untimedBit      lockState = 1 << 6
	waiterOne       lockState = 1 << 7

	maxSpinners = uint32(spinnerMask / spinnerOne)
	maxWaiters  = uint32(1)<<25 - 1
)

func (s lockState) locked() bool       { return s&lockedBit != 0 }
func (s lockState) serveWaiters() bool { return s&serveWaitersBit != 0 }
func (s lockState) signaled() bool     { return s&signaledBit != 0 }
func (s lockState) untimed() bool      { return s&untimedBit != 0 }
func (s lockState) spinners() uint32   { return uint32(s&spinnerMask) / uint32(spinnerOne) }
func (s lockState) waiters() uint32    { return uint32(s) >> 7 }

// canBarge reports whether a thread that is not a registered waiter may
// take the lock right now.
func (s lockState) canBarge() bool { return s&(lockedBit|serveWaitersBit) == 0 }

func (m *Mutex) load() lockState { return lockState(m.state.Load()) }

func (m *Mutex) cas(old, new lockState) bool {
	return m.state.CompareAndSwap(uint32(old), uint32(new))
}

// tryLockBarging is the opportunistic fast path. It intentionally lets a
// freshly arriving goroutine cut in front of blocked waiters to avoid
// convoy formation; the serve-waiters flag bounds the resulting
// unfairness.
func (m *Mutex) tryLockBarging() bool {
	for {
		s := m.load()
		if !s.canBarge() {
			return false
		}
		if m.cas(s, s|lockedBit) {
			return true
		}
	}
}

type acquireHint uint8

const (
	hintAcquired acquireHint = iota
	hintSpin
	hintWait
)

// tryLockBeforeSpin decides between locking directly, registering as a
// spinner, and going straight to the wait path. Once waiters have been
// starved past the threshold it engages serve-waiters and disables
// spinning in the same breath: spinning is itself a form of preemption.
// first reports whether this registration made the caller the only
// spinner.
func (m *Mutex) tryLockBeforeSpin(wantSpin bool) (hint acquireHint, first bool) {
	for {
		s := m.load()
		switch {
		case s.canBarge():
			if m.cas(s, s|lockedBit) {
				return hintAcquired, false
			}
		case s.serveWaiters():
			return hintWait, false
		case s.waiters() != 0 && m.waitersStarved():
			if m.cas(s, s|serveWaitersBit) {
				return hintWait, false
			}
		case wantSpin && s.spinners() < maxSpinners:
			if m.cas(s, s+spinnerOne) {
				return hintSpin, s.spinners() == 0
			}
		default:
			return hintWait, false
		}
	}
}

type spinOutcome uint8

const (
	spinKeep spinOutcome = iota
	spinAcquired
	spinAbort
)

// tryLockInsideSpin is called on every spin iteration. Acquisition and
// spinner deregistration happen in one CAS. If serve-waiters engaged
// while we were spinning, the spinner deregisters without acquiring and
// falls through to the wait path.
func (m *Mutex) tryLockInsideSpin() spinOutcome {
	for {
		s := m.load()
		if s.serveWaiters() {
			if m.cas(s, s-spinnerOne) {
				// a release may have skipped its signal on this
				// spinner's account
				m.maybeSignalWaiter()
				return spinAbort
			}
			continue
		}
		if s.locked() {
			return spinKeep
		}
		if m.cas(s, (s|lockedBit)-spinnerOne) {
			return spinAcquired
		}
	}
}

// tryLockAfterSpin unconditionally removes the spinner registration and
// makes one last acquisition attempt in the same CAS. A spinner that
// gives up re-runs the signal check: releases that happened while it
// was registered did not signal, and if it was the last spinner the
// waiters would otherwise sleep forever.
func (m *Mutex) tryLockAfterSpin() bool {
	for {
		s := m.load()
		n := s - spinnerOne
		ok := s.canBarge()
		if ok {
			n |= lockedBit
		}
		if m.cas(s, n) {
			if !ok && n.waiters() != 0 {
				m.maybeSignalWaiter()
			}
			return ok
		}
	}
}

type waitHint uint8

const (
	waitRegistered waitHint = iota
	waitAcquired
	waitOverflow
)

// registerWaiterOrLock makes a final opportunistic attempt and, failing
// that, registers the caller as a blocked waiter. The first waiter of a
// run starts the starvation clock. A saturated waiter field is reported
// as overflow rather than wrapped.
func (m *Mutex) registerWaiterOrLock() waitHint {
	for {
		s := m.load()
		if s.canBarge() {
			if m.cas(s, s|lockedBit) {
				return waitAcquired
			}
			continue
		}
		if s.waiters() == maxWaiters {
			return waitOverflow
		}
		if m.cas(s, s+waiterOne) {
			if s.waiters() == 0 {
				m.waiterStart.Store(monoMS())
			}
			return waitRegistered
		}
	}
}

// tryConsumeWakeInSpin is the woken waiter's acquisition attempt: lock,
// waiter deregistration and signal consumption in one CAS. A waiter may
// acquire even while serve-waiters is engaged; if it empties the waiter
// set it also ends the anti-starvation episode.
func (m *Mutex) tryConsumeWakeInSpin() bool {
	for {
		s := m.load()
		if s.locked() {
			return false
		}
		n := ((s | lockedBit) - waiterOne) &^ signaledBit
		if n.waiters() == 0 {
			n &^= serveWaitersBit
		}
		if m.cas(s, n) {
			if n.waiters() == 0 {
				m.waiterStart.Store(0)
			} else {
				// the remaining waiters' run restarts now
				m.waiterStart.Store(monoMS())
			}
			return true
		}
	}
}

// tryConsumeWakeAfterSpin is the woken waiter's last attempt before it
// parks again. If the lock is still held it only clears the signaled
// bit, re-arming the releaser's signal, and reports false.
func (m *Mutex) tryConsumeWakeAfterSpin() bool {
	for {
		s := m.load()
		if !s.locked() {
			if m.tryConsumeWakeInSpin() {
				return true
			}
			continue
		}
		n := s &^ signaledBit
		if n == s || m.cas(s, n) {
			return false
		}
	}
}

// unregisterWaiterOnAbort removes a waiter that gave up (timeout or
// cancellation). Run on every abandoning exit path; stale waiter
// bookkeeping would corrupt fairness for the lock's remaining lifetime.
func (m *Mutex) unregisterWaiterOnAbort() {
	for {
		s := m.load()
		n := s - waiterOne
		if n.waiters() == 0 {
			n &^= serveWaitersBit | signaledBit
		}
		if m.cas(s, n) {
			if n.waiters() == 0 {
				m.waiterStart.Store(0)
			}
			return
		}
	}
}

// maybeSignalWaiter wakes at most one waiter after a release. It backs
// off when the lock was already retaken, a spinner is about to take it,
// or a previous signal is still unconsumed, preventing thundering herds.
// It is also the point where waiter starvation engages serve-waiters.
func (m *Mutex) maybeSignalWaiter() {
	for {
		s := m.load()
		if s.locked() || s.waiters() == 0 || s.spinners() != 0 || s.signaled() {
			return
		}
		n := s | signaledBit
		if m.waitersStarved() {
			n |= serveWaitersBit
		}
		if m.cas(s, n) {
			m.event().signal()
			return
		}
	}
}

// waitersStarved reports whether the current run of waiters has been
// waiting longer than the starvation threshold.
func (m *Mutex) waitersStarved() bool {
	start := m.waiterStart.Load()
	return start != 0 && monoMS()-start >= maxStarvationMS
}
