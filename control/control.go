// control.go - Work monitoring and activity cooldown for cooperative schedulers
// ============================================================================
// SCHEDULER CONTROL STATE
// ============================================================================
//
// Control package provides the small pieces of mutable state a scheduler
// consults between stage invocations: whether the last invocation moved any
// data, which stage is currently inside Run, and whether the scheduler has
// seen work recently enough to stay in its low-latency wait mode.
//
// Architecture overview:
//   • Monitor counts channel publish/release events for one scheduler
//   • Begin/End bracket a stage invocation so DidWork compares counters
//   • The running stage and its start time are atomics for an outside watcher
//   • Cooldown clears the hot flag after a configurable idle period
//
// Threading model:
//   • Mark, Begin, End and DidWork are called only by the owning scheduler
//   • Running and IsOverTimeout may be called from any goroutine
//   • Cooldown is owned by the scheduler thread

package control

import "sync/atomic"

// ============================================================================
// WORK MONITOR
// ============================================================================

// Monitor records channel activity produced by the stages of one scheduler.
// Channels hold a pointer to the monitor of the scheduler that runs their
// writer (publish side) and of the one that runs their reader (release side).
//
//go:notinheap
//go:align 64
type Monitor struct {
	activity uint64 // publish + release events, owner thread only
	mark     uint64 // activity value at Begin

	_ [48]byte // keep the watcher-visible fields on their own line

	stage atomic.Int64 // index of the stage inside Run, -1 when idle
	since atomic.Int64 // nanotime when that stage entered Run
}

// NewMonitor returns an idle monitor.
func NewMonitor() *Monitor {
	m := &Monitor{}
	m.stage.Store(-1)
	return m
}

// Mark records one publish or release.
//
//go:nosplit
//go:inline
func (m *Monitor) Mark() {
	m.activity++
}

// Activity returns the total number of recorded events.
func (m *Monitor) Activity() uint64 {
	return m.activity
}

// Begin opens an invocation of stage at time now.
//
//go:nosplit
//go:inline
func (m *Monitor) Begin(stage int, now int64) {
	m.mark = m.activity
	m.since.Store(now)
	m.stage.Store(int64(stage))
}

// End closes the current invocation.
//
//go:nosplit
//go:inline
func (m *Monitor) End() {
	m.stage.Store(-1)
}

// DidWork reports whether anything was published or released since Begin.
//
//go:nosplit
//go:inline
func (m *Monitor) DidWork() bool {
	return m.activity != m.mark
}

// Running returns the stage currently inside Run and when it entered.
// ok is false when the scheduler is between invocations.
func (m *Monitor) Running() (stage int, since int64, ok bool) {
	s := m.stage.Load()
	if s < 0 {
		return -1, 0, false
	}
	return int(s), m.since.Load(), true
}

// IsOverTimeout reports whether the current invocation has lasted longer than
// timeoutNs at time now.
func (m *Monitor) IsOverTimeout(now, timeoutNs int64) bool {
	_, since, ok := m.Running()
	return ok && now-since > timeoutNs
}

// ============================================================================
// ACTIVITY COOLDOWN
// ============================================================================

// Cooldown is a hot flag that clears itself once no activity has been
// signalled for the configured period.
type Cooldown struct {
	hot        bool
	lastHot    int64
	cooldownNs int64
}

// NewCooldown returns a cold flag with the given idle period.
func NewCooldown(cooldownNs int64) Cooldown {
	return Cooldown{cooldownNs: cooldownNs}
}

// SignalActivity marks the flag hot as of now.
//
//go:nosplit
//go:inline
func (c *Cooldown) SignalActivity(now int64) {
	c.hot = true
	c.lastHot = now
}

// PollCooldown clears the flag when the idle period has elapsed.
//
//go:nosplit
//go:inline
func (c *Cooldown) PollCooldown(now int64) {
	if c.hot && now-c.lastHot > c.cooldownNs {
		c.hot = false
	}
}

// Hot reports the current flag value.
func (c *Cooldown) Hot() bool {
	return c.hot
}
