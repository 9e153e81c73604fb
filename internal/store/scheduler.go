package store

import "time"

// Scheduler abstracts deferred execution so the debounce discipline can be
// unit-tested against virtual time instead of wall-clock sleeps.
type Scheduler interface {
	// Schedule runs fn after d elapses, returning a cancellable ticket.
	Schedule(d time.Duration, fn func()) Ticket
}

// Ticket is a handle to one scheduled call.
type Ticket interface {
	// Cancel prevents the call if it has not fired yet. It reports whether
	// the call was actually prevented.
	Cancel() bool
}

type timerScheduler struct{}

type timerTicket struct {
	t *time.Timer
}

// NewTimerScheduler returns the production Scheduler backed by time.AfterFunc.
func NewTimerScheduler() Scheduler { return timerScheduler{} }

func (timerScheduler) Schedule(d time.Duration, fn func()) Ticket {
	return timerTicket{t: time.AfterFunc(d, fn)}
}

func (t timerTicket) Cancel() bool { return t.t.Stop() }
