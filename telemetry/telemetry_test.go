package telemetry

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"stageflow/channel"
)

type recorder struct {
	violations []Violation
	failures   []Failure
	longRuns   []LongRun
}

func (r *recorder) LatencyViolation(v Violation) { r.violations = append(r.violations, v) }
func (r *recorder) StageFailure(f Failure)       { r.failures = append(r.failures, f) }
func (r *recorder) LongRunning(l LongRun)        { r.longRuns = append(r.longRuns, l) }

func TestStoreRoundTrip(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer s.Close()

	at := time.Unix(1_700_000_000, 123)
	v := Violation{Scheduler: "s0", Stage: "parse", StageID: 2, Duration: 3 * time.Millisecond, Budget: time.Millisecond, At: at}
	s.LatencyViolation(v)
	s.StageFailure(Failure{Scheduler: "s0", Stage: "emit", StageID: 3, Err: errors.New("boom"), InWrite: true, At: at})
	s.LongRunning(LongRun{Scheduler: "s0", Stage: "parse", StageID: 2, Elapsed: time.Minute, At: at})

	vs, err := s.Violations()
	require.NoError(t, err)
	require.Len(t, vs, 1)
	require.Equal(t, v.Stage, vs[0].Stage)
	require.Equal(t, v.Duration, vs[0].Duration)
	require.Equal(t, v.Budget, vs[0].Budget)
	require.True(t, v.At.Equal(vs[0].At))

	fs, err := s.Failures()
	require.NoError(t, err)
	require.Len(t, fs, 1)
	require.EqualError(t, fs[0].Err, "boom")
	require.True(t, fs[0].InWrite)

	ls, err := s.LongRuns()
	require.NoError(t, err)
	require.Len(t, ls, 1)
	require.Equal(t, time.Minute, ls[0].Elapsed)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	s.LatencyViolation(v) // after close: dropped, no panic
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := OpenStore(path)
	require.NoError(t, err)
	s.LatencyViolation(Violation{Stage: "a", At: time.Now()})
	require.NoError(t, s.Close())

	s, err = OpenStore(path)
	require.NoError(t, err)
	defer s.Close()
	vs, err := s.Violations()
	require.NoError(t, err)
	require.Len(t, vs, 1)
}

func TestLogReporterThrottles(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := NewLogReporterWith(zap.New(core), 1, 2)

	at := time.Now()
	for i := 0; i < 5; i++ {
		r.LatencyViolation(Violation{Stage: "hot", At: at})
	}
	require.Equal(t, 2, logs.FilterMessage("latency budget exceeded").Len())
	require.EqualValues(t, 3, r.Dropped())

	r.StageFailure(Failure{Stage: "bad", Err: errors.New("x")})
	r.LongRunning(LongRun{Stage: "slow", Elapsed: time.Minute})
	require.Equal(t, 1, logs.FilterMessage("stage failed").Len())
	require.Equal(t, 1, logs.FilterMessage("stage running too long").Len())

	unlimited := NewLogReporterWith(zap.New(core), 0, 0)
	for i := 0; i < 10; i++ {
		unlimited.LatencyViolation(Violation{Stage: "hot", At: at})
	}
	require.Zero(t, unlimited.Dropped())
}

func TestMetrics(t *testing.T) {
	m := NewMetrics("stageflow")
	m.LatencyViolation(Violation{Scheduler: "s", Stage: "a", Duration: 2 * time.Millisecond, Budget: time.Millisecond})
	m.LatencyViolation(Violation{Scheduler: "s", Stage: "a", Duration: 2 * time.Millisecond, Budget: time.Millisecond})
	m.StageFailure(Failure{Scheduler: "s", Stage: "b", InWrite: true})
	m.LongRunning(LongRun{Scheduler: "s", Stage: "c"})

	require.Equal(t, 2.0, testutil.ToFloat64(m.Violations.WithLabelValues("s", "a")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("s", "b", "true")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.LongRuns.WithLabelValues("s", "c")))

	c := channel.New(channel.Config{Name: "raw", SlotBits: 4, BlobBits: 6})
	c.InitBuffers()
	require.NoError(t, m.WatchChannel(c))
	c.WriteChunk([]byte("abc"))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if g := metric.GetGauge(); g != nil {
				values[f.GetName()] = g.GetValue()
			}
			if ct := metric.GetCounter(); ct != nil && len(metric.GetLabel()) == 2 {
				values[f.GetName()] = ct.GetValue()
			}
		}
	}
	require.Equal(t, 4.0, values["stageflow_channel_slots_used"])
	require.Equal(t, 3.0, values["stageflow_channel_bytes_used"])
	require.Equal(t, 1.0, values["stageflow_channel_published_total"])
	require.Equal(t, 0.0, values["stageflow_channel_released_total"])
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, b, Nop{}}
	m.LatencyViolation(Violation{Stage: "x"})
	m.StageFailure(Failure{Stage: "y"})
	m.LongRunning(LongRun{Stage: "z"})
	for _, r := range []*recorder{a, b} {
		require.Len(t, r.violations, 1)
		require.Len(t, r.failures, 1)
		require.Len(t, r.longRuns, 1)
	}
}
