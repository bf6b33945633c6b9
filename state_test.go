package relock

import (
	"testing"
)

// mk builds a raw state word for transition tests.
func mk(locked, serve, signaled bool, spinners, waiters uint32) lockState {
	var s lockState
	if locked {
		s |= lockedBit
	}
	if serve {
		s |= serveWaitersBit
	}
	if signaled {
		s |= signaledBit
	}
	s += lockState(spinners) * spinnerOne
	s += lockState(waiters) * waiterOne
	return s
}

func (m *Mutex) force(s lockState) { m.state.Store(uint32(s)) }

func TestLockStateAccessors(t *testing.T) {
	s := mk(true, true, true, 5, 1234)
	if !s.locked() || !s.serveWaiters() || !s.signaled() {
		t.Errorf("flag accessors wrong for %032b", s)
	}
	if got := s.spinners(); got != 5 {
		t.Errorf("spinners = %d, want 5", got)
	}
	if got := s.waiters(); got != 1234 {
		t.Errorf("waiters = %d, want 1234", got)
	}
	if s.canBarge() {
		t.Error("canBarge with locked+serveWaiters set")
	}
	if !mk(false, false, true, 7, 9).canBarge() {
		t.Error("spinners and waiters alone must not block barging")
	}
}

func TestTryLockBarging(t *testing.T) {
	var m Mutex
	if !m.tryLockBarging() {
		t.Fatal("barging on free lock failed")
	}
	if m.tryLockBarging() {
		t.Fatal("barging on held lock succeeded")
	}

	m.force(mk(false, true, false, 0, 1))
	if m.tryLockBarging() {
		t.Fatal("barged past serve-waiters")
	}
}

func TestTryLockBeforeSpin(t *testing.T) {
	var m Mutex
	if hint, _ := m.tryLockBeforeSpin(true); hint != hintAcquired {
		t.Fatalf("free lock: hint = %d, want acquired", hint)
	}

	// held, spin permitted: register as the first spinner
	m.force(mk(true, false, false, 0, 0))
	hint, first := m.tryLockBeforeSpin(true)
	if hint != hintSpin || !first {
		t.Fatalf("held lock: hint = %d first = %v, want spin/true", hint, first)
	}
	if got := m.load().spinners(); got != 1 {
		t.Fatalf("spinners = %d after registration, want 1", got)
	}

	// spinner field saturated: fall through to wait
	m.force(mk(true, false, false, maxSpinners, 0))
	if hint, _ := m.tryLockBeforeSpin(true); hint != hintWait {
		t.Fatalf("saturated spinners: hint = %d, want wait", hint)
	}

	// spinning declined by caller
	m.force(mk(true, false, false, 0, 0))
	if hint, _ := m.tryLockBeforeSpin(false); hint != hintWait {
		t.Fatalf("wantSpin=false: hint = %d, want wait", hint)
	}
}

func TestTryLockBeforeSpinEngagesServeWaiters(t *testing.T) {
	var m Mutex
	m.force(mk(true, false, false, 0, 1))
	m.waiterStart.Store(monoMS() - 2*maxStarvationMS)

	hint, _ := m.tryLockBeforeSpin(true)
	if hint != hintWait {
		t.Fatalf("starved waiters: hint = %d, want wait", hint)
	}
	if !m.load().serveWaiters() {
		t.Fatal("starved waiters did not engage serve-waiters")
	}

	// once engaged, newcomers go straight to the wait path
	if hint, _ := m.tryLockBeforeSpin(true); hint != hintWait {
		t.Fatalf("serve-waiters engaged: hint = %d, want wait", hint)
	}
}

func TestTryLockInsideSpin(t *testing.T) {
	var m Mutex
	m.force(mk(true, false, false, 1, 0))
	if got := m.tryLockInsideSpin(); got != spinKeep {
		t.Fatalf("held lock: outcome = %d, want keep", got)
	}

	m.force(mk(false, false, false, 1, 0))
	if got := m.tryLockInsideSpin(); got != spinAcquired {
		t.Fatalf("free lock: outcome = %d, want acquired", got)
	}
	if s := m.load(); !s.locked() || s.spinners() != 0 {
		t.Fatalf("acquire did not consume spinner registration: %032b", s)
	}

	m.force(mk(true, true, false, 1, 1))
	if got := m.tryLockInsideSpin(); got != spinAbort {
		t.Fatalf("serve-waiters: outcome = %d, want abort", got)
	}
	if got := m.load().spinners(); got != 0 {
		t.Fatalf("abort left spinner registered: %d", got)
	}
}

func TestTryLockAfterSpin(t *testing.T) {
	var m Mutex
	m.force(mk(false, false, false, 1, 0))
	if !m.tryLockAfterSpin() {
		t.Fatal("free lock not acquired")
	}
	if s := m.load(); !s.locked() || s.spinners() != 0 {
		t.Fatalf("bad state after acquire: %032b", s)
	}

	// the spinner registration is removed even on failure
	m.force(mk(true, false, false, 2, 0))
	if m.tryLockAfterSpin() {
		t.Fatal("held lock acquired")
	}
	if got := m.load().spinners(); got != 1 {
		t.Fatalf("spinners = %d after give-up, want 1", got)
	}
}

func TestRegisterWaiterOrLock(t *testing.T) {
	var m Mutex
	if got := m.registerWaiterOrLock(); got != waitAcquired {
		t.Fatalf("free lock: %d, want acquired", got)
	}

	m.force(mk(true, false, false, 0, 0))
	if got := m.registerWaiterOrLock(); got != waitRegistered {
		t.Fatalf("held lock: %d, want registered", got)
	}
	if got := m.load().waiters(); got != 1 {
		t.Fatalf("waiters = %d, want 1", got)
	}
	if m.waiterStart.Load() == 0 {
		t.Fatal("first waiter did not start the starvation clock")
	}

	m.force(mk(true, false, false, 0, maxWaiters))
	if got := m.registerWaiterOrLock(); got != waitOverflow {
		t.Fatalf("saturated waiters: %d, want overflow", got)
	}
	if got := m.load().waiters(); got != maxWaiters {
		t.Fatalf("overflow mutated waiter count: %d", got)
	}
}

func TestTryConsumeWakeInSpin(t *testing.T) {
	var m Mutex
	m.force(mk(true, false, true, 0, 1))
	if m.tryConsumeWakeInSpin() {
		t.Fatal("consumed wake while lock held")
	}

	// last waiter ends the anti-starvation episode
	m.force(mk(false, true, true, 0, 1))
	m.waiterStart.Store(monoMS())
	if !m.tryConsumeWakeInSpin() {
		t.Fatal("free lock not acquired")
	}
	if s := m.load(); !s.locked() || s.serveWaiters() || s.signaled() || s.waiters() != 0 {
		t.Fatalf("bad state after last waiter: %032b", s)
	}
	if m.waiterStart.Load() != 0 {
		t.Fatal("starvation clock not reset with no waiters left")
	}

	// remaining waiters keep serve-waiters and restart the clock
	m.force(mk(false, true, true, 0, 2))
	m.waiterStart.Store(monoMS() - 2*maxStarvationMS)
	if !m.tryConsumeWakeInSpin() {
		t.Fatal("free lock not acquired")
	}
	if s := m.load(); !s.serveWaiters() || s.waiters() != 1 {
		t.Fatalf("bad state with waiters remaining: %032b", s)
	}
	if m.waitersStarved() {
		t.Fatal("starvation clock not restarted for the remaining waiters")
	}
}

func TestTryConsumeWakeAfterSpin(t *testing.T) {
	var m Mutex
	m.force(mk(false, false, true, 0, 1))
	if !m.tryConsumeWakeAfterSpin() {
		t.Fatal("free lock not acquired")
	}

	// still held: only the signaled bit is cleared, the waiter stays
	m.force(mk(true, false, true, 0, 1))
	if m.tryConsumeWakeAfterSpin() {
		t.Fatal("held lock acquired")
	}
	if s := m.load(); s.signaled() || s.waiters() != 1 {
		t.Fatalf("bad state after re-arm: %032b", s)
	}
}

func TestUnregisterWaiterOnAbort(t *testing.T) {
	var m Mutex
	m.force(mk(true, true, true, 0, 2))
	m.waiterStart.Store(monoMS())
	m.unregisterWaiterOnAbort()
	if s := m.load(); s.waiters() != 1 || !s.serveWaiters() {
		t.Fatalf("bad state with a waiter remaining: %032b", s)
	}

	// emptying the set ends the episode and clears the clock
	m.unregisterWaiterOnAbort()
	if s := m.load(); s.waiters() != 0 || s.serveWaiters() || s.signaled() {
		t.Fatalf("bad state after last abort: %032b", s)
	}
	if m.waiterStart.Load() != 0 {
		t.Fatal("starvation clock not cleared")
	}
}

func TestMaybeSignalWaiter(t *testing.T) {
	cases := []struct {
		name   string
		s      lockState
		signal bool
	}{
		{"no waiters", mk(false, false, false, 0, 0), false},
		{"relocked", mk(true, false, false, 0, 1), false},
		{"spinner pending", mk(false, false, false, 1, 1), false},
		{"already signaled", mk(false, false, true, 0, 1), false},
		{"one waiter", mk(false, false, false, 0, 1), true},
	}
	for _, c := range cases {
		var m Mutex
		m.force(c.s)
		m.maybeSignalWaiter()
		if got := m.load().signaled(); got != c.signal {
			t.Errorf("%s: signaled = %v, want %v", c.name, got, c.signal)
		}
		ev := m.wake.Load()
		gotToken := false
		if ev != nil {
			select {
			case <-ev.ch:
				gotToken = true
			default:
			}
		}
		if gotToken != c.signal {
			t.Errorf("%s: wake token = %v, want %v", c.name, gotToken, c.signal)
		}
	}
}

func TestMaybeSignalWaiterEngagesServeWaiters(t *testing.T) {
	var m Mutex
	m.force(mk(false, false, false, 0, 1))
	m.waiterStart.Store(monoMS() - 2*maxStarvationMS)
	m.maybeSignalWaiter()
	if s := m.load(); !s.serveWaiters() || !s.signaled() {
		t.Fatalf("starved release did not engage serve-waiters: %032b", s)
	}
}
