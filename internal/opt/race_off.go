//go:build !race

package opt

// Race_ reports whether the race detector is enabled. Tests scale
// their iteration counts down under the detector.
const Race_ = false
