package relock

import (
	"testing"
	"unsafe"

	"github.com/llxisdsh/relock/internal/opt"
)

func TestPaddedMutexSize(t *testing.T) {
	var m PaddedMutex
	if size := unsafe.Sizeof(m); size%opt.CacheLineSize_ != 0 {
		t.Errorf("PaddedMutex size = %d, not a multiple of the %d byte cache line",
			size, opt.CacheLineSize_)
	}
}

func TestPaddedMutexArray(t *testing.T) {
	locks := make([]PaddedMutex, 4)
	for i := range locks {
		locks[i].Lock()
	}
	for i := range locks {
		if !locks[i].IsHeldByCurrentGoroutine() {
			t.Fatalf("lock %d not held", i)
		}
		locks[i].Unlock()
	}
}
