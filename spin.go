package relock

import (
	"runtime"
	_ "unsafe" // for linkname
)

// spinStep performs one rung of the pause/yield ladder.
//
// Below the yield threshold it burns a short burst of hardware pause
// instructions (runtime_doSpin is a bounded procyield burst, so even
// high iteration counts cannot eat a scheduling quantum). At or past
// the threshold it alternates a zero-duration yield with another pause
// burst: pure yielding degenerates into a quantum-long busy loop when
// nothing else is runnable, and multiple spinners yielding in lockstep
// can hand off to each other without progress. It never sleeps; a real
// sleep is the parking primitive's job.
func spinStep(i, yieldThreshold int, single bool) {
	if single || i >= yieldThreshold {
		if single || (i-yieldThreshold)&1 == 0 {
			runtime.Gosched()
			return
		}
	}
	runtime_doSpin()
}

// canSpin asks the runtime whether spinning is worthwhile at all
// (multicore, spare Ps, not too deep into an active spin).
func canSpin() bool {
	return runtime_canSpin(0)
}

func singleProcessor() bool {
	return runtime.NumCPU() == 1 || runtime.GOMAXPROCS(0) == 1
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//goland:noinspection ALL
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//goland:noinspection ALL
func runtime_doSpin()
