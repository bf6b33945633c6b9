package relock

import (
	"unsafe"

	"github.com/llxisdsh/relock/internal/opt"
)

// PaddedMutex is a Mutex padded out to a cache-line multiple, for
// dense lock arrays where neighboring locks would otherwise false-
// share. The cache line size is detected at compile time via
// golang.org/x/sys/cpu.
type PaddedMutex struct {
	Mutex
	_ [(opt.CacheLineSize_ - unsafe.Sizeof(Mutex{})%opt.CacheLineSize_) % opt.CacheLineSize_]byte
}
