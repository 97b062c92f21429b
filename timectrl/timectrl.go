package timectrl

import (
	"sync"
	"time"
)

// SimClock provides read access to simulated time, letting reporting and
// logging code depend on a clock abstraction instead of the concrete
// controller type.
type SimClock interface {
	// Now returns the current simulated time.
	Now() time.Time
}

// Mode describes how the TimeController advances simulated time.
type Mode int

const (
	// Accelerated advances as fast as the driving loop steps.
	Accelerated Mode = iota
	// RealTime sleeps one Tick of wall time per step, so a replay
	// progresses at roughly live speed.
	RealTime
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "real-time"
	default:
		return "accelerated"
	}
}

// TimeController tracks simulated time for a replay run. The driving
// loop advances it one step per simulated tick; other goroutines may
// read Now concurrently. Implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	// currentTime tracks the current simulated time. It is updated as
	// the controller advances.
	currentTime time.Time

	listeners []func(time.Time)
}

// NewTimeController constructs a controller positioned at start.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulated time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Elapsed returns how much simulated time has passed since StartTime.
func (tc *TimeController) Elapsed() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime.Sub(tc.StartTime)
}

// SetTime repositions the controller at an arbitrary simulated time,
// typically to align it with a scenario epoch after construction.
// Listeners are not notified.
func (tc *TimeController) SetTime(now time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = now
}

// AddListener registers a callback invoked after every step with the new
// simulated time. Register listeners before stepping begins; registration
// is not synchronised with Advance.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.listeners = append(tc.listeners, fn)
}

// Advance moves simulated time forward one Tick and notifies listeners.
// In RealTime mode it first sleeps one Tick of wall time, pacing the
// caller's loop at roughly live speed. Returns the new simulated time.
func (tc *TimeController) Advance() time.Time {
	if tc.Mode == RealTime {
		time.Sleep(tc.Tick)
	}

	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	now := tc.currentTime
	tc.mu.Unlock()

	for _, fn := range tc.listeners {
		fn(now)
	}
	return now
}

// Run advances steps ticks in a separate goroutine and returns a channel
// that is closed when the controller finishes.
func (tc *TimeController) Run(steps int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < steps; i++ {
			tc.Advance()
		}
	}()
	return done
}
