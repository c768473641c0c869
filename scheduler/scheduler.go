// ============================================================================
// COOPERATIVE RATE SCHEDULER
// ============================================================================
//
// Runs a fixed set of stages on one OS thread, replaying a precomputed
// script of blocks on a common clock.
//
// Core capabilities:
//   - Startup with a channel-initialization first pass
//   - Adaptive wait between blocks driven by carried sleep debt
//   - Did-work detection through channel publish/release monitors
//   - Latency budget reports, failure capture, escalation on broken channels
//   - Idempotent shutdown, bounded await, split into two schedulers
//
// Threading model:
//   - Startup, RunSweep and SplitOn serialize on the modification lock
//   - Shutdown may be called from any goroutine; when a sweep is in flight
//     the sweep performs the stage shutdowns at its next block boundary
//   - CheckLongRunning reads only atomics and is meant for a watchdog

package scheduler

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tevino/abool"

	"stageflow/channel"
	"stageflow/constants"
	"stageflow/control"
	"stageflow/debug"
	"stageflow/schedule"
	"stageflow/telemetry"
	"stageflow/topology"
)

var (
	// ErrNotShutdown is returned by AwaitTermination before Shutdown.
	ErrNotShutdown = errors.New("scheduler: shutdown must be requested before awaiting termination")
	// ErrStartupFailed wraps the error of the stage whose Startup failed.
	ErrStartupFailed = errors.New("scheduler: startup failed")
	// ErrAlreadyRunning is returned by Run on a scheduler that ran before.
	ErrAlreadyRunning = errors.New("scheduler: already running or terminated")
	// ErrBadSplit is returned by SplitOn when either side would be empty.
	ErrBadSplit = errors.New("scheduler: split point leaves an empty scheduler")
)

// State is the scheduler lifecycle state.
type State int32

const (
	NotStarted State = iota
	Running
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Terminated:
		return "Terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// run loop phases
const (
	phaseIdle int32 = iota
	phaseRunning
	phaseTerminated
)

// Options configure a scheduler. The zero value is usable.
type Options struct {
	ReverseOrder     bool               // run stages in descending index order within a block
	Reporter         telemetry.Reporter // nil logs through debug with throttling
	Name             string             // derived from stage names when empty
	PinCPU           bool               // pin the run loop thread to CPU
	CPU              int
	LongRunThreshold time.Duration // 0 selects constants.DefaultLongRunThresholdNs
}

var epoch = time.Now()

// nanotime is monotonic nanoseconds since process start.
func nanotime() int64 { return int64(time.Since(epoch)) }

// Scheduler plays the script of one set of stages.
type Scheduler struct {
	graph    *topology.Graph
	opts     Options
	reporter telemetry.Reporter
	name     atomic.Pointer[string] // rewritten by split, read by the watchdog

	mod sync.Mutex // modification lock, held for a whole sweep

	ids       []topology.StageID
	sched     schedule.Schedule
	budgets   []int64 // ns, MaxInt64 when unbudgeted
	started   []bool  // Startup succeeded in this scheduler
	shut      []bool  // Shutdown already called by this scheduler
	monitor   *control.Monitor
	hot       control.Cooldown
	extInputs []*channel.Channel // inputs written by stages outside this scheduler
	producers int

	blockStart int64
	sleepDebt  int64
	noWork     int64

	shutdown   abool.AtomicBool
	stagesShut bool
	shutErr    error
	ran        bool

	phase atomic.Int32
	done  chan struct{}

	failMu   sync.Mutex
	firstErr error

	view          atomic.Pointer[[]topology.StageID] // ids for watchdog readers
	lastLongSince atomic.Int64
}

// New builds a scheduler over ids. Notes are read once here.
func New(g *topology.Graph, ids []topology.StageID, opts Options) (*Scheduler, error) {
	for _, id := range ids {
		if _, err := g.Lookup(id); err != nil {
			return nil, err
		}
	}
	s := &Scheduler{
		graph:    g,
		opts:     opts,
		reporter: opts.Reporter,
		done:     make(chan struct{}),
		hot:      control.NewCooldown(constants.HumanLimitNs),
	}
	if s.reporter == nil {
		s.reporter = telemetry.NewLogReporter(10, 20)
	}
	if s.opts.LongRunThreshold <= 0 {
		s.opts.LongRunThreshold = constants.DefaultLongRunThresholdNs
	}
	s.build(append([]topology.StageID(nil), ids...), make([]bool, len(ids)), make([]bool, len(ids)))
	return s, nil
}

// build installs ids with their startup bookkeeping and compiles the script.
// Caller holds the modification lock or owns s exclusively.
func (s *Scheduler) build(ids []topology.StageID, started, shut []bool) {
	s.ids = ids
	s.view.Store(&ids)
	s.started = started
	s.shut = shut
	if s.monitor == nil {
		s.monitor = control.NewMonitor()
	}

	rates := make([]int64, len(ids))
	producers := make([]bool, len(ids))
	s.budgets = make([]int64, len(ids))
	for i, id := range ids {
		n := s.graph.Notes(id)
		rates[i] = int64(n.Rate)
		if n.Unscheduled {
			rates[i] = -1
		}
		producers[i] = n.Producer
		s.budgets[i] = math.MaxInt64
		if n.LatencyBudget > 0 {
			s.budgets[i] = int64(n.LatencyBudget)
		}
		for _, c := range s.graph.Outputs(id) {
			c.SetPublishMonitor(s.monitor)
		}
		for _, c := range s.graph.Inputs(id) {
			c.SetReleaseMonitor(s.monitor)
		}
	}
	s.sched = schedule.Build(rates, producers, s.opts.ReverseOrder)

	name := s.opts.Name
	if name == "" {
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = fmt.Sprintf("%d:%s", id, s.graph.Name(id))
		}
		name = strings.Join(parts, ",")
	}
	s.name.Store(&name)
	s.housekeeping()
}

// housekeeping records which stages are producers and which inputs arrive
// from outside this scheduler; the idle-sleep logic watches only those.
func (s *Scheduler) housekeeping() {
	s.producers = 0
	s.extInputs = s.extInputs[:0]
	local := make(map[topology.StageID]bool, len(s.ids))
	for _, id := range s.ids {
		local[id] = true
	}
	for _, id := range s.ids {
		if s.graph.IsProducer(id) {
			s.producers++
		}
		for _, c := range s.graph.Inputs(id) {
			if !local[s.graph.Writer(c)] {
				s.extInputs = append(s.extInputs, c)
			}
		}
	}
}

// ============================================================================
// ACCESSORS
// ============================================================================

// Name identifies the scheduler in logs and reports.
func (s *Scheduler) Name() string { return *s.name.Load() }

// Schedule returns the compiled script.
func (s *Scheduler) Schedule() schedule.Schedule {
	s.mod.Lock()
	defer s.mod.Unlock()
	return s.sched
}

// Stages returns the stage ids in script index order.
func (s *Scheduler) Stages() []topology.StageID {
	s.mod.Lock()
	defer s.mod.Unlock()
	return append([]topology.StageID(nil), s.ids...)
}

// State reports the lifecycle state.
func (s *Scheduler) State() State {
	switch {
	case s.phase.Load() == phaseTerminated:
		return Terminated
	case s.shutdown.IsSet():
		return Stopping
	case s.phase.Load() == phaseRunning:
		return Running
	}
	s.mod.Lock()
	defer s.mod.Unlock()
	if s.ran {
		return Running
	}
	return NotStarted
}

// IsShutdownRequested reports whether Shutdown was triggered.
func (s *Scheduler) IsShutdownRequested() bool { return s.shutdown.IsSet() }

// Err returns the first stage failure, or nil.
func (s *Scheduler) Err() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.firstErr
}

// ShutdownErrors returns the errors stage Shutdown calls returned, or nil.
func (s *Scheduler) ShutdownErrors() error {
	s.mod.Lock()
	defer s.mod.Unlock()
	return s.shutErr
}

// ============================================================================
// FAILURE CAPTURE
// ============================================================================

// call runs fn converting a panic into an error.
func call(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	return fn()
}

func (s *Scheduler) recordFailure(i int, err error, inWrite bool) {
	id := s.ids[i]
	s.failMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.failMu.Unlock()

	s.graph.ReportError(id, err)
	s.reporter.StageFailure(telemetry.Failure{
		Scheduler: s.Name(),
		Stage:     s.graph.Name(id),
		StageID:   int(id),
		Err:       err,
		InWrite:   inWrite,
		At:        time.Now(),
	})
}

// ============================================================================
// LONG-RUNNING CHECK
// ============================================================================

// CheckLongRunning reports the stage currently inside Run when it has been
// there longer than the threshold. Each invocation is reported once.
// Safe from any goroutine.
func (s *Scheduler) CheckLongRunning(now time.Time) bool {
	i, since, ok := s.monitor.Running()
	if !ok {
		return false
	}
	ts := int64(now.Sub(epoch))
	if !s.monitor.IsOverTimeout(ts, int64(s.opts.LongRunThreshold)) {
		return false
	}
	if s.lastLongSince.Swap(since) == since {
		return false
	}
	id := s.stageAt(i)
	s.reporter.LongRunning(telemetry.LongRun{
		Scheduler: s.Name(),
		Stage:     s.graph.Name(id),
		StageID:   int(id),
		Elapsed:   time.Duration(ts - since),
		At:        now,
	})
	return true
}

// stageAt maps a monitor stage index back to its id without the lock.
func (s *Scheduler) stageAt(i int) topology.StageID {
	return (*s.view.Load())[i]
}

func (s *Scheduler) logf(format string, args ...any) {
	debug.DropMessage("SCHEDULER", s.Name()+": "+fmt.Sprintf(format, args...))
}
