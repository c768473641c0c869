package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ============================================================================
// SCHEDULER GROUP
// ============================================================================

// Group runs several schedulers, one goroutine each, plus a watchdog that
// reports stages stuck inside Run. A scheduler that returns an error cancels
// the others.
type Group struct {
	schedulers []*Scheduler
	interval   time.Duration

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// NewGroup groups ss. interval is the watchdog period; 0 disables it.
func NewGroup(interval time.Duration, ss ...*Scheduler) *Group {
	return &Group{schedulers: ss, interval: interval}
}

// Schedulers returns the grouped schedulers.
func (g *Group) Schedulers() []*Scheduler { return g.schedulers }

// Start runs Startup on every scheduler and launches the run loops. If any
// Startup fails every scheduler is shut down and the error is returned.
func (g *Group) Start(ctx context.Context) error {
	for _, s := range g.schedulers {
		if err := s.Startup(); err != nil {
			g.Shutdown()
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	eg, ctx := errgroup.WithContext(ctx)
	g.eg = eg

	var running sync.WaitGroup
	for _, s := range g.schedulers {
		s := s
		running.Add(1)
		eg.Go(func() error {
			defer running.Done()
			return s.Run(ctx)
		})
	}
	go func() {
		running.Wait()
		cancel()
	}()

	if g.interval > 0 {
		eg.Go(func() error {
			tick := time.NewTicker(g.interval)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case now := <-tick.C:
					for _, s := range g.schedulers {
						s.CheckLongRunning(now)
					}
				}
			}
		})
	}
	return nil
}

// Shutdown requests every scheduler to stop.
func (g *Group) Shutdown() {
	for _, s := range g.schedulers {
		s.Shutdown()
	}
}

// Wait blocks until every run loop has exited and returns the first error.
func (g *Group) Wait() error {
	if g.eg == nil {
		return nil
	}
	err := g.eg.Wait()
	g.cancel()
	return err
}
