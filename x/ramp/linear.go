// Package ramp provides a caller-driven linear ramp, used by
// internal/driver to soften Adjustment (setpoint) writes that opt into a
// gradual approach instead of stepping directly to the target value.
package ramp

import (
	"time"

	"github.com/fieldmesh/comsrv/x/mathx"
)

// Step is invoked with each intermediate setpoint value.
type Step func(value float64)

// Tick waits for d and reports whether to continue (false => cancelled,
// e.g. the driver stop signal fired or the deadline elapsed).
type Tick func(d time.Duration) bool

// StartLinear ramps from cur to target over durationMs in the given number
// of steps, clamping every intermediate value to [lo, hi]. steps==0 or
// durationMs==0 snaps directly to the (clamped) target.
func StartLinear(cur, target, lo, hi float64, durationMs uint32, steps uint16, tick Tick, set Step) {
	target = mathx.Clamp(target, lo, hi)
	if steps == 0 || durationMs == 0 {
		set(target)
		return
	}

	delta := target - cur
	stepDurMs := durationMs / uint32(steps)
	if stepDurMs == 0 {
		stepDurMs = 1
	}
	stepDur := time.Duration(stepDurMs) * time.Millisecond

	for i := uint16(1); i < steps; i++ {
		if !tick(stepDur) {
			return
		}
		frac := float64(i) / float64(steps)
		v := mathx.Clamp(cur+delta*frac, lo, hi)
		set(v)
	}
	set(target)
}
