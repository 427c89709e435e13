// Package clock abstracts wall-clock reads and one-shot timers so that
// expiry behavior can be driven by a virtual clock in tests.
package clock

import "time"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Timer is a scheduled one-shot callback that can be cancelled.
type Timer interface {
	// Stop cancels the timer. It reports false if the timer already
	// fired or was stopped before.
	Stop() bool
}

// Scheduler schedules one-shot callbacks.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// returns a Clock backed by time.Now
func Real() Clock {
	return realClock{}
}

type realScheduler struct{}

type realTimer struct {
	t *time.Timer
}

func (t realTimer) Stop() bool {
	return t.t.Stop()
}

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

// returns a Scheduler backed by time.AfterFunc
func RealScheduler() Scheduler {
	return realScheduler{}
}
