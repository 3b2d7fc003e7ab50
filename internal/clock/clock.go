// Package clock provides an injectable notion of time and timers, so the
// replica event loop (internal/vsr) never calls time.Now or time.AfterFunc
// directly. Production code wraps the real clock; tests wrap a virtual
// clock whose time only advances when told to, making view-change and
// repair timing deterministic and reproducible in tests.
package clock

import "time"

// Clock is the time source a replica event loop depends on.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run once the clock has advanced by d and
	// returns a handle that can cancel it. Under a Virtual clock, f runs
	// synchronously from Advance, on the caller's goroutine.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer already fired
	// or was already stopped.
	Stop() bool
	// Reset reschedules the timer to fire after d from now.
	Reset(d time.Duration)
}

// System is the production Clock, backed by the real wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) AfterFunc(d time.Duration, f func()) Timer {
	t := time.AfterFunc(d, f)
	return systemTimer{t}
}

type systemTimer struct{ t *time.Timer }

func (s systemTimer) Stop() bool        { return s.t.Stop() }
func (s systemTimer) Reset(d time.Duration) { s.t.Reset(d) }

var _ Clock = System{}
