package telemetry

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"stageflow/debug"
)

// LogReporter writes events to a zap logger. Violations are throttled since
// an overloaded stage can violate its budget on every invocation; failures
// and long runs are always logged.
type LogReporter struct {
	log     *zap.Logger
	limiter *rate.Limiter
	dropped atomic.Uint64 // total suppressed
	pending atomic.Uint64 // suppressed since the last logged violation
}

// NewLogReporter logs through the "telemetry" child of the process logger,
// allowing perSecond violation lines with the given burst.
func NewLogReporter(perSecond float64, burst int) *LogReporter {
	return NewLogReporterWith(debug.Named("telemetry"), perSecond, burst)
}

// NewLogReporterWith logs through l. perSecond <= 0 disables throttling.
func NewLogReporterWith(l *zap.Logger, perSecond float64, burst int) *LogReporter {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &LogReporter{log: l, limiter: lim}
}

// Dropped returns how many violation lines were suppressed.
func (r *LogReporter) Dropped() uint64 { return r.dropped.Load() }

func (r *LogReporter) LatencyViolation(v Violation) {
	if !r.limiter.AllowN(v.At, 1) {
		r.dropped.Add(1)
		r.pending.Add(1)
		return
	}
	r.log.Warn("latency budget exceeded",
		zap.String("scheduler", v.Scheduler),
		zap.String("stage", v.Stage),
		zap.Int("stage_id", v.StageID),
		zap.Duration("duration", v.Duration),
		zap.Duration("budget", v.Budget),
		zap.Uint64("suppressed", r.pending.Swap(0)),
	)
}

func (r *LogReporter) StageFailure(f Failure) {
	r.log.Error("stage failed",
		zap.String("scheduler", f.Scheduler),
		zap.String("stage", f.Stage),
		zap.Int("stage_id", f.StageID),
		zap.Bool("in_write", f.InWrite),
		zap.Error(f.Err),
	)
}

func (r *LogReporter) LongRunning(l LongRun) {
	r.log.Warn("stage running too long",
		zap.String("scheduler", l.Scheduler),
		zap.String("stage", l.Stage),
		zap.Int("stage_id", l.StageID),
		zap.Duration("elapsed", l.Elapsed.Round(time.Millisecond)),
	)
}
