// Package telemetry carries scheduler events out of the run loop: latency
// budget violations, stage failures and long-running stages.
package telemetry

import (
	"time"
)

// Violation is a stage invocation that did work and exceeded its budget.
type Violation struct {
	Scheduler string
	Stage     string
	StageID   int
	Duration  time.Duration
	Budget    time.Duration
	At        time.Time
}

// Failure is a stage error returned from Run or recovered from a panic.
type Failure struct {
	Scheduler string
	Stage     string
	StageID   int
	Err       error
	InWrite   bool // an output channel held an unpublished message
	At        time.Time
}

// LongRun is a stage observed inside Run for longer than the threshold.
type LongRun struct {
	Scheduler string
	Stage     string
	StageID   int
	Elapsed   time.Duration
	At        time.Time
}

// Reporter receives scheduler events. Implementations must not block for
// long; they are called from the scheduler thread.
type Reporter interface {
	LatencyViolation(v Violation)
	StageFailure(f Failure)
	LongRunning(l LongRun)
}

// Nop discards every event.
type Nop struct{}

func (Nop) LatencyViolation(Violation) {}
func (Nop) StageFailure(Failure)       {}
func (Nop) LongRunning(LongRun)        {}

// Multi fans each event out to every reporter in order.
type Multi []Reporter

func (m Multi) LatencyViolation(v Violation) {
	for _, r := range m {
		r.LatencyViolation(v)
	}
}

func (m Multi) StageFailure(f Failure) {
	for _, r := range m {
		r.StageFailure(f)
	}
}

func (m Multi) LongRunning(l LongRun) {
	for _, r := range m {
		r.LongRunning(l)
	}
}
