package scheduler

import (
	"fmt"

	"stageflow/constants"
	"stageflow/control"
	"stageflow/topology"
)

// ============================================================================
// SPLITTING
// ============================================================================

// SplitOn moves part of the stages into a new scheduler and rebuilds both
// scripts. Without reverse order the new scheduler takes the stages from idx
// on; with reverse order it takes those up to and including idx. Startup
// bookkeeping moves with the stages so nothing is started twice.
func (s *Scheduler) SplitOn(idx int) (*Scheduler, error) {
	s.mod.Lock()
	defer s.mod.Unlock()

	n := len(s.ids)
	lo, hi := idx, n
	if s.opts.ReverseOrder {
		lo, hi = 0, idx+1
	}
	if idx < 0 || idx >= n || hi-lo == n {
		return nil, fmt.Errorf("%w: index %d of %d stages", ErrBadSplit, idx, n)
	}

	opts := s.opts
	opts.Name = ""
	ns := &Scheduler{
		graph:    s.graph,
		opts:     opts,
		reporter: s.reporter,
		done:     make(chan struct{}),
		hot:      control.NewCooldown(constants.HumanLimitNs),
		ran:      s.ran,
	}
	ns.build(
		append([]topology.StageID(nil), s.ids[lo:hi]...),
		append([]bool(nil), s.started[lo:hi]...),
		append([]bool(nil), s.shut[lo:hi]...),
	)

	ids := append(append([]topology.StageID(nil), s.ids[:lo]...), s.ids[hi:]...)
	started := append(append([]bool(nil), s.started[:lo]...), s.started[hi:]...)
	shut := append(append([]bool(nil), s.shut[:lo]...), s.shut[hi:]...)
	s.build(ids, started, shut)

	s.logf("split off %s", ns.Name())
	return ns, nil
}

// RecommendedSplitPoint suggests an index for SplitOn: the slowest stage by
// its 80th percentile run time, preferring one that reads nothing written by
// the stages before it so the split does not cut a local edge. Returns -1
// when no valid split exists.
func (s *Scheduler) RecommendedSplitPoint() int {
	s.mod.Lock()
	defer s.mod.Unlock()

	n := len(s.ids)
	first, last := 1, n-1
	if s.opts.ReverseOrder {
		first, last = 0, n-2
	}

	best, bestFree := -1, -1
	var bestNs, bestFreeNs int64 = -1, -1
	for i := last; i >= first; i-- {
		id := s.ids[i]
		p := s.graph.ElapsedAtPercentile(id, constants.SplitPercentile)
		if p > bestNs {
			best, bestNs = i, p
		}
		if !s.readsFrom(id, s.ids[:i]) && p > bestFreeNs {
			bestFree, bestFreeNs = i, p
		}
	}
	if bestFree >= 0 {
		return bestFree
	}
	return best
}

// readsFrom reports whether id has an input written by one of writers.
func (s *Scheduler) readsFrom(id topology.StageID, writers []topology.StageID) bool {
	for _, c := range s.graph.Inputs(id) {
		w := s.graph.Writer(c)
		for _, other := range writers {
			if w == other {
				return true
			}
		}
	}
	return false
}
