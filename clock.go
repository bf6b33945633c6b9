package relock

import (
	_ "unsafe" // for linkname
)

// monoMS returns coarse monotonic process time in milliseconds. It
// wraps roughly every 49.7 days; callers compare via wraparound-safe
// differences, never absolute ordering. 0 is reserved as the "unset"
// sentinel for the starvation clock, so a genuine 0 reading is bumped.
func monoMS() uint32 {
	ms := uint32(uint64(nanotime()) / 1e6)
	if ms == 0 {
		ms = 1
	}
	return ms
}

// nolint:all
//
//go:linkname nanotime runtime.nanotime
//goland:noinspection ALL
func nanotime() int64
