// ============================================================================
// STAGE TOPOLOGY REGISTRY
// ============================================================================
//
// Graph owns every stage and channel of one pipeline and the lifecycle state
// of each stage.
//
// Core capabilities:
//   - Channel creation with registry identity
//   - Stage registration binding inputs and outputs (one writer and one
//     reader per channel)
//   - Forward-only lifecycle state per stage, safe from any goroutine
//   - Per-stage error capture and run-time histogram
//
// Threading model:
//   - Registration happens before any scheduler starts
//   - Lifecycle state is atomic; RequestShutdown may come from anywhere
//   - Histograms are written by the scheduler that owns the stage and read
//     under that scheduler's modification lock

package topology

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"stageflow/channel"
	"stageflow/constants"
	"stageflow/debug"
)

// ============================================================================
// STAGE CONTRACT
// ============================================================================

// Stage is one processing unit. Run is invoked repeatedly by a scheduler
// and must return promptly without blocking.
type Stage interface {
	Startup() error
	Run() error
	Shutdown() error
}

// StageID indexes a stage within its Graph.
type StageID int

// Binder is implemented by stages that need their own handle, for example to
// request their own shutdown. Bind is called once by Register.
type Binder interface {
	Bind(g *Graph, id StageID)
}

// Notes are the scheduling hints of a stage, read once when a schedule is built.
type Notes struct {
	Name          string
	Rate          time.Duration // 0 runs every tick
	LatencyBudget time.Duration // 0 disables violation reports
	Producer      bool
	Unscheduled   bool
}

// State is a stage lifecycle state. States only move forward.
type State int32

const (
	NotStarted State = iota
	Started
	Stopping
	Shutdown
	Terminated
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Started:
		return "Started"
	case Stopping:
		return "Stopping"
	case Shutdown:
		return "Shutdown"
	case Terminated:
		return "Terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	// ErrUnknownStage is returned for a StageID the graph never issued.
	ErrUnknownStage = errors.New("topology: unknown stage")
	// ErrChannelBound is returned when a channel already has a writer or reader.
	ErrChannelBound = errors.New("topology: channel already bound")
	// ErrForeignChannel is returned for a channel created outside this graph.
	ErrForeignChannel = errors.New("topology: channel not created by this graph")
)

// ============================================================================
// REGISTRY
// ============================================================================

type entry struct {
	stage   Stage
	notes   Notes
	inputs  []*channel.Channel
	outputs []*channel.Channel
	state   atomic.Int32

	firstErr error

	hist    [constants.HistogramBuckets]uint64
	samples uint64
}

// Graph registers stages and the channels between them.
type Graph struct {
	id uuid.UUID

	mu       sync.Mutex
	stages   []*entry
	channels []*channel.Channel
	writer   []StageID // per channel, -1 when unbound
	reader   []StageID
	errs     []error
	closed   bool
}

// NewGraph returns an empty graph with a fresh instance ID.
func NewGraph() *Graph {
	return &Graph{id: uuid.New()}
}

// ID identifies this graph instance in logs and telemetry.
func (g *Graph) ID() uuid.UUID { return g.id }

// NewChannel creates a channel owned by the graph.
func (g *Graph) NewChannel(cfg channel.Config) *channel.Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := channel.New(cfg)
	c.SetID(len(g.channels))
	g.channels = append(g.channels, c)
	g.writer = append(g.writer, -1)
	g.reader = append(g.reader, -1)
	return c
}

// Register adds a stage reading inputs and writing outputs.
// A stage with no inputs is treated as a producer.
func (g *Graph) Register(s Stage, notes Notes, inputs, outputs []*channel.Channel) (StageID, error) {
	id, err := g.register(s, notes, inputs, outputs)
	if err != nil {
		return -1, err
	}
	if b, ok := s.(Binder); ok {
		b.Bind(g, id)
	}
	return id, nil
}

func (g *Graph) register(s Stage, notes Notes, inputs, outputs []*channel.Channel) (StageID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := StageID(len(g.stages))
	for _, c := range inputs {
		if err := g.checkOwned(c); err != nil {
			return -1, err
		}
		if g.reader[c.ID()] >= 0 {
			return -1, fmt.Errorf("%w: %s already read by stage %d", ErrChannelBound, c.Name(), g.reader[c.ID()])
		}
	}
	for _, c := range outputs {
		if err := g.checkOwned(c); err != nil {
			return -1, err
		}
		if g.writer[c.ID()] >= 0 {
			return -1, fmt.Errorf("%w: %s already written by stage %d", ErrChannelBound, c.Name(), g.writer[c.ID()])
		}
	}
	for _, c := range inputs {
		g.reader[c.ID()] = id
	}
	for _, c := range outputs {
		g.writer[c.ID()] = id
	}

	if notes.Name == "" {
		notes.Name = fmt.Sprintf("stage%d", id)
	}
	if len(inputs) == 0 {
		notes.Producer = true
	}
	g.stages = append(g.stages, &entry{
		stage:   s,
		notes:   notes,
		inputs:  inputs,
		outputs: outputs,
	})
	return id, nil
}

func (g *Graph) checkOwned(c *channel.Channel) error {
	id := c.ID()
	if id < 0 || id >= len(g.channels) || g.channels[id] != c {
		return fmt.Errorf("%w: %s", ErrForeignChannel, c.Name())
	}
	return nil
}

func (g *Graph) entry(id StageID) *entry {
	if id < 0 || int(id) >= len(g.stages) {
		panic(fmt.Sprintf("%v: %d", ErrUnknownStage, id))
	}
	return g.stages[id]
}

// Lookup returns the stage for id.
func (g *Graph) Lookup(id StageID) (Stage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id < 0 || int(id) >= len(g.stages) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStage, id)
	}
	return g.stages[id].stage, nil
}

// ============================================================================
// ACCESSORS
// ============================================================================

// Stage returns the stage for id. Panics on an unknown id.
func (g *Graph) Stage(id StageID) Stage { return g.entry(id).stage }

// Notes returns the scheduling hints of id.
func (g *Graph) Notes(id StageID) Notes { return g.entry(id).notes }

// Name returns the stage name.
func (g *Graph) Name(id StageID) string { return g.entry(id).notes.Name }

// Inputs returns the channels id reads.
func (g *Graph) Inputs(id StageID) []*channel.Channel { return g.entry(id).inputs }

// Outputs returns the channels id writes.
func (g *Graph) Outputs(id StageID) []*channel.Channel { return g.entry(id).outputs }

// IsProducer reports whether id declared itself a producer or has no inputs.
func (g *Graph) IsProducer(id StageID) bool { return g.entry(id).notes.Producer }

// StageCount returns the number of registered stages.
func (g *Graph) StageCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.stages)
}

// StageIDs returns every registered stage id in registration order.
func (g *Graph) StageIDs() []StageID {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]StageID, len(g.stages))
	for i := range ids {
		ids[i] = StageID(i)
	}
	return ids
}

// Channels returns every channel created by the graph.
func (g *Graph) Channels() []*channel.Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*channel.Channel(nil), g.channels...)
}

// Writer returns the stage writing c, or -1.
func (g *Graph) Writer(c *channel.Channel) StageID {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checkOwned(c) != nil {
		return -1
	}
	return g.writer[c.ID()]
}

// Reader returns the stage reading c, or -1.
func (g *Graph) Reader(c *channel.Channel) StageID {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checkOwned(c) != nil {
		return -1
	}
	return g.reader[c.ID()]
}

// InitChannels allocates the buffers of every channel id touches.
func (g *Graph) InitChannels(id StageID) {
	e := g.entry(id)
	for _, c := range e.inputs {
		c.InitBuffers()
	}
	for _, c := range e.outputs {
		c.InitBuffers()
	}
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// State returns the lifecycle state of id.
func (g *Graph) State(id StageID) State {
	return State(g.entry(id).state.Load())
}

// advance moves id to to unless it is already there or beyond.
func (g *Graph) advance(id StageID, to State) bool {
	st := &g.entry(id).state
	for {
		cur := st.Load()
		if State(cur) >= to {
			return false
		}
		if st.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

// SetStarted records a successful Startup.
func (g *Graph) SetStarted(id StageID) bool { return g.advance(id, Started) }

// RequestShutdown asks id to stop. Producers have no input to drain and go
// straight to Shutdown; other stages pass through Stopping.
func (g *Graph) RequestShutdown(id StageID) bool {
	if g.IsProducer(id) {
		return g.advance(id, Shutdown)
	}
	return g.advance(id, Stopping)
}

// SetShutdown records that the stage's Shutdown has run.
func (g *Graph) SetShutdown(id StageID) bool { return g.advance(id, Shutdown) }

// SetTerminated records that no scheduler will touch the stage again.
func (g *Graph) SetTerminated(id StageID) bool { return g.advance(id, Terminated) }

// IsStopping reports whether a shutdown was requested or completed.
func (g *Graph) IsStopping(id StageID) bool { return g.State(id) >= Stopping }

// ============================================================================
// ERRORS
// ============================================================================

// ReportError records a stage failure. The first error of each stage is kept;
// every error joins the graph-wide list.
func (g *Graph) ReportError(id StageID, err error) {
	if err == nil {
		return
	}
	g.mu.Lock()
	e := g.entry(id)
	if e.firstErr == nil {
		e.firstErr = err
	}
	g.errs = append(g.errs, fmt.Errorf("%s: %w", e.notes.Name, err))
	g.mu.Unlock()
}

// StageError returns the first error reported for id.
func (g *Graph) StageError(id StageID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entry(id).firstErr
}

// Errors returns every reported error in report order.
func (g *Graph) Errors() []error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]error(nil), g.errs...)
}

// ============================================================================
// RUN-TIME HISTOGRAM
// ============================================================================

// AccumRunTime adds one Run duration sample for id.
func (g *Graph) AccumRunTime(id StageID, ns int64) {
	e := g.entry(id)
	b := 0
	if ns > 0 {
		b = bits.Len64(uint64(ns)) - 1
	}
	if b >= constants.HistogramBuckets {
		b = constants.HistogramBuckets - 1
	}
	e.hist[b]++
	e.samples++
}

// ElapsedAtPercentile returns the upper bound in nanoseconds of the bucket
// holding the pct quantile of id's Run durations, 0 with no samples.
func (g *Graph) ElapsedAtPercentile(id StageID, pct float64) int64 {
	e := g.entry(id)
	if e.samples == 0 {
		return 0
	}
	target := uint64(pct * float64(e.samples))
	if target == 0 {
		target = 1
	}
	var acc uint64
	for b, n := range e.hist {
		acc += n
		if acc >= target {
			return int64(1) << (b + 1)
		}
	}
	return int64(1) << constants.HistogramBuckets
}

// Samples returns the number of Run durations recorded for id.
func (g *Graph) Samples(id StageID) uint64 { return g.entry(id).samples }

// ============================================================================
// TEARDOWN
// ============================================================================

// Close releases every channel buffer. Safe to call more than once.
func (g *Graph) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for _, c := range g.channels {
		c.Release()
	}
	debug.DropMessage("GRAPH", fmt.Sprintf("%s closed: %d stages, %d channels", g.id, len(g.stages), len(g.channels)))
}
