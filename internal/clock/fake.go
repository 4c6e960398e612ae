package clock

import (
	"sync"
	"time"
)

// Fake is a test clock. Sleep advances the clock instead of blocking,
// so a whole poll cycle runs instantly while still observing its
// scheduled offsets.
type Fake struct {
	mu  sync.Mutex
	now time.Time

	// Slept records every Sleep call in order.
	Slept []time.Duration
}

// NewFake creates a Fake starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Unix() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now.Unix()
}

func (f *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.Slept = append(f.Slept, d)
}

// Advance moves the clock forward without recording a sleep.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
