package scheduler

import (
	"context"
	"math"
	"runtime"
	"time"

	"stageflow/constants"
	"stageflow/debug"
	"stageflow/telemetry"
	"stageflow/topology"
)

// ============================================================================
// RUN LOOP
// ============================================================================

// Run locks the calling goroutine to its OS thread, pins it when configured,
// and plays sweeps until shutdown or ctx cancellation. Startup is performed
// first when it has not been. It returns the first stage failure, or nil.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.phase.CompareAndSwap(phaseIdle, phaseRunning) {
		return ErrAlreadyRunning
	}
	defer func() {
		s.phase.Store(phaseTerminated)
		close(s.done)
	}()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if s.opts.PinCPU {
		if err := setAffinity(s.opts.CPU); err != nil {
			debug.DropError("AFFINITY", err)
		}
	}

	if err := s.Startup(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	s.logf("running %d stages, clock %dns, %d blocks", len(s.ids), s.sched.CommonClock, s.sched.Blocks)
	for s.RunSweep() {
	}

	s.mod.Lock()
	s.shutdownStagesLocked()
	s.mod.Unlock()
	s.logf("stopped")
	return s.Err()
}

// RunSweep plays the whole script once. It returns false once shutdown has
// been triggered, after the stages have been shut down.
func (s *Scheduler) RunSweep() bool {
	s.mod.Lock()
	defer s.mod.Unlock()

	if s.blockStart == 0 {
		s.blockStart = nanotime()
	}
	script := s.sched.Script
	for idx := 0; idx < len(script); {
		if s.shutdown.IsSet() {
			s.shutdownStagesLocked()
			return false
		}
		if wait := s.blockStart - nanotime(); wait > 0 {
			s.waitForBlock(wait)
		} else {
			runtime.Gosched()
		}
		idx = s.runBlock(idx, script)
	}
	if s.shutdown.IsSet() {
		s.shutdownStagesLocked()
		return false
	}
	return true
}

// runBlock runs the block starting at idx and returns the index of the next
// block, or len(script) or beyond once shutdown is triggered. The next block
// is due one clock after this block started; overruns are absorbed.
func (s *Scheduler) runBlock(idx int, script []int) int {
	start := nanotime()
	stopHere := false
	for idx < len(script) {
		i := script[idx]
		idx++
		if i == constants.BlockEnd {
			break
		}
		if s.monitoredRun(i) {
			stopHere = true
		}
	}
	s.blockStart = start + s.sched.CommonClock

	if stopHere || s.shutdown.IsSet() {
		s.shutdown.SetToIf(false, true)
		s.shutdownStagesLocked()
		return math.MaxInt
	}
	return idx
}

// monitoredRun invokes stage i, or processes its shutdown when one was
// requested. It returns true when a shutdown was processed.
func (s *Scheduler) monitoredRun(i int) bool {
	id := s.ids[i]
	start := nanotime()
	s.monitor.Begin(i, start)

	processed := false
	if s.graph.IsStopping(id) {
		s.processShutdown(i)
		processed = true
	} else {
		s.runStage(i)
	}
	s.monitor.End()

	if s.monitor.DidWork() {
		now := nanotime()
		d := now - start
		s.hot.SignalActivity(now)
		if d > s.budgets[i] {
			s.reporter.LatencyViolation(telemetry.Violation{
				Scheduler: s.Name(),
				Stage:     s.graph.Name(id),
				StageID:   int(id),
				Duration:  time.Duration(d),
				Budget:    time.Duration(s.budgets[i]),
				At:        time.Now(),
			})
		}
		s.graph.AccumRunTime(id, d)
	}
	return processed
}

// runStage calls Run. A failure that leaves an output channel holding an
// unpublished message breaks that channel for its reader, so the whole
// scheduler shuts down.
func (s *Scheduler) runStage(i int) {
	id := s.ids[i]
	stage := s.graph.Stage(id)
	err := call(s.graph.Name(id), stage.Run)
	if err == nil {
		return
	}
	inWrite := false
	for _, c := range s.graph.Outputs(id) {
		if c.IsInWrite() {
			inWrite = true
			break
		}
	}
	s.recordFailure(i, err, inWrite)
	if inWrite {
		s.shutdown.SetToIf(false, true)
	}
}

// processShutdown calls Shutdown on stage i at most once.
func (s *Scheduler) processShutdown(i int) {
	id := s.ids[i]
	if s.graph.State(id) == topology.Terminated {
		return
	}
	if err := s.shutdownStage(i); err != nil {
		s.recordFailure(i, err, false)
	}
	s.graph.SetShutdown(id)
}

func (s *Scheduler) shutdownStage(i int) error {
	if !s.started[i] || s.shut[i] {
		return nil
	}
	s.shut[i] = true
	id := s.ids[i]
	return call(s.graph.Name(id), s.graph.Stage(id).Shutdown)
}

// ============================================================================
// ADAPTIVE WAIT
// ============================================================================

// waitForBlock waits out wait ns before the next block. Debt is carried
// across calls so short waits that were overslept are paid back later.
func (s *Scheduler) waitForBlock(wait int64) {
	s.sleepDebt += wait
	if s.sleepDebt >= int64(time.Millisecond) {
		t0 := nanotime()
		runtime.Gosched()
		time.Sleep(time.Duration(s.sleepDebt))
		if d := nanotime() - t0; d > 0 {
			s.sleepDebt -= d
		} else {
			s.sleepDebt -= s.sleepDebt / int64(time.Millisecond) * int64(time.Millisecond)
		}
	}
	s.loadSwitchingDelay()
}

// loadSwitchingDelay drains sleep debt with busy yields below the park
// threshold and timed parks above it. After a long run of idle cycles with
// nothing waiting on external inputs it falls back to deep sleep in
// HumanLimitNs steps until input appears.
func (s *Scheduler) loadSwitchingDelay() {
	if s.sleepDebt < constants.SpinThresholdNs {
		return
	}
	s.accumulateWorkHistory()
	s.hot.PollCooldown(nanotime())

	if s.hot.Hot() || s.noWork < constants.IdleCycleThreshold || s.sched.DeepSleepCycleLimit <= 0 {
		spins := 0
		for s.sleepDebt > constants.YieldFloorNs {
			t0 := nanotime()
			if s.sleepDebt > constants.ParkThresholdNs {
				time.Sleep(time.Duration(s.sleepDebt))
			} else {
				if spins++; spins >= constants.SpinBudget {
					spins = 0
					cpuRelax()
				}
				runtime.Gosched()
			}
			d := nanotime() - t0
			if d <= 0 {
				d = 1
			}
			s.sleepDebt -= d
		}
		return
	}

	if s.noWork <= s.sched.DeepSleepCycleLimit {
		return
	}
	s.logf("deep sleep after %d idle cycles", s.noWork)
	for s.noWork > s.sched.DeepSleepCycleLimit {
		time.Sleep(constants.HumanLimitNs)
		if s.shutdown.IsSet() || !s.accumulateWorkHistory() {
			break
		}
	}
}

// accumulateWorkHistory counts consecutive cycles without content on the
// external inputs. Schedulers owning producers, or without external inputs,
// never count: something must always be run. Returns whether it counted.
func (s *Scheduler) accumulateWorkHistory() bool {
	if len(s.extInputs) == 0 || s.producers > 0 {
		s.noWork = 0
		return false
	}
	for _, c := range s.extInputs {
		if c.ContentRemaining() > 0 {
			s.noWork = 0
			return true
		}
	}
	s.noWork++
	return true
}
