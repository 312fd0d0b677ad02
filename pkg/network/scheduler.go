package network

import "time"

// Timer is a pending scheduled function
type Timer interface {
	// Stop prevents the function from running. It reports whether the
	// call stopped the timer.
	Stop() bool
}

// Scheduler runs functions after a delay
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealScheduler schedules with time.AfterFunc
type RealScheduler struct{}

// AfterFunc calls time.AfterFunc
func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
