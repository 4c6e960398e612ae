// Package clock abstracts time for the control core.
// All scheduling and alarm logic takes a Clock so tests can drive time
// explicitly instead of sleeping.
package clock

import "time"

// Clock provides monotonic time for scheduling, wall-clock time for
// alarm timestamps, and a blocking delay primitive.
type Clock interface {
	// Now returns the current time. Durations between calls are used
	// for schedule offsets, so implementations must be monotonic.
	Now() time.Time

	// Unix returns wall-clock Unix seconds.
	Unix() int64

	// Sleep blocks for the given duration.
	Sleep(d time.Duration)
}

// System is the real clock.
type System struct{}

func (System) Now() time.Time        { return time.Now() }
func (System) Unix() int64           { return time.Now().Unix() }
func (System) Sleep(d time.Duration) { time.Sleep(d) }
