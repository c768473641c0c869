package scheduler

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"stageflow/topology"
)

// ============================================================================
// STARTUP
// ============================================================================

// Startup initializes every channel the stages touch, then calls Startup on
// each stage that has not been started yet, in script index order. When a
// stage fails the remaining stages are asked to shut down, the scheduler
// shuts down, and the error is returned wrapped in ErrStartupFailed.
func (s *Scheduler) Startup() error {
	s.mod.Lock()
	defer s.mod.Unlock()

	if s.ran || s.shutdown.IsSet() {
		return nil
	}
	for _, id := range s.ids {
		s.graph.InitChannels(id)
	}
	for i, id := range s.ids {
		if s.graph.State(id) != topology.NotStarted {
			s.started[i] = true
			continue
		}
		name := s.graph.Name(id)
		if err := call(name, s.graph.Stage(id).Startup); err != nil {
			s.recordFailure(i, err, false)
			s.started[i] = true
			if serr := s.shutdownStage(i); serr != nil {
				s.shutErr = multierror.Append(s.shutErr, serr)
			}
			s.graph.SetShutdown(id)
			for _, later := range s.ids[i+1:] {
				s.graph.RequestShutdown(later)
			}
			s.shutdown.SetToIf(false, true)
			s.shutdownStagesLocked()
			return fmt.Errorf("%w: %s: %w", ErrStartupFailed, name, err)
		}
		s.started[i] = true
		s.graph.SetStarted(id)
	}
	s.ran = true
	s.logf("started %d stages", len(s.ids))
	return nil
}

// ============================================================================
// SHUTDOWN
// ============================================================================

// Shutdown requests the scheduler to stop. It may be called any number of
// times from any goroutine. When no sweep is in flight the stages are shut
// down before it returns; otherwise the sweep does it at the next block
// boundary.
func (s *Scheduler) Shutdown() {
	if s.shutdown.SetToIf(false, true) {
		s.logf("shutdown requested")
	}
	if s.mod.TryLock() {
		s.shutdownStagesLocked()
		s.mod.Unlock()
	}
}

// shutdownStagesLocked calls Shutdown on every started, non-terminated stage
// in reverse index order and records the stage as Shutdown. Runs once.
func (s *Scheduler) shutdownStagesLocked() {
	if s.stagesShut {
		return
	}
	s.stagesShut = true
	for i := len(s.ids) - 1; i >= 0; i-- {
		id := s.ids[i]
		if s.graph.State(id) == topology.Terminated {
			continue
		}
		if err := s.shutdownStage(i); err != nil {
			s.shutErr = multierror.Append(s.shutErr, err)
		}
		s.graph.SetShutdown(id)
	}
	if s.shutErr != nil {
		s.logf("shutdown: %v", s.shutErr)
	}
}

// AwaitTermination waits up to timeout for the run loop to exit, then marks
// every stage Terminated. It returns false with ErrNotShutdown before
// Shutdown, false with a nil error on timeout, and otherwise true with the
// first stage failure. A scheduler that never ran returns at once.
func (s *Scheduler) AwaitTermination(timeout time.Duration) (bool, error) {
	if !s.shutdown.IsSet() {
		return false, ErrNotShutdown
	}
	if s.phase.CompareAndSwap(phaseIdle, phaseTerminated) {
		close(s.done)
	} else if !s.waitDone(timeout) {
		return false, nil
	}

	s.mod.Lock()
	s.shutdownStagesLocked()
	for _, id := range s.ids {
		s.graph.SetTerminated(id)
	}
	s.mod.Unlock()
	return true, s.Err()
}

func (s *Scheduler) waitDone(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}

// Done is closed once the scheduler has terminated.
func (s *Scheduler) Done() <-chan struct{} { return s.done }
