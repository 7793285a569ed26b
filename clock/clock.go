// Package clock provides the single injectable wall clock shared by the
// mfec, trigger and top-level regencache packages. Those packages read
// Now(); tests swap it out with SetNowFunc to drive time-dependent
// scenarios deterministically without sleeping in wall time. lockset's
// timed wait and the Redis backend read time.Now directly.
package clock

import "time"

var now = time.Now

// Now returns the current UTC instant as seen by the shared clock.
func Now() time.Time {
	return now().UTC()
}

// SetNowFunc replaces the clock's time source. Intended for tests only.
func SetNowFunc(f func() time.Time) {
	now = f
}

// Reset restores the real wall clock.
func Reset() {
	now = time.Now
}
