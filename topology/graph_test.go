package topology

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"stageflow/channel"
)

type nopStage struct{}

func (nopStage) Startup() error  { return nil }
func (nopStage) Run() error      { return nil }
func (nopStage) Shutdown() error { return nil }

func twoStageGraph(t *testing.T) (*Graph, StageID, StageID, *channel.Channel) {
	t.Helper()
	g := NewGraph()
	c := g.NewChannel(channel.Config{Name: "a->b", SlotBits: 4, BlobBits: 6})
	a, err := g.Register(nopStage{}, Notes{Name: "a"}, nil, []*channel.Channel{c})
	require.NoError(t, err)
	b, err := g.Register(nopStage{}, Notes{Name: "b"}, []*channel.Channel{c}, nil)
	require.NoError(t, err)
	return g, a, b, c
}

func TestRegisterBindsChannels(t *testing.T) {
	g, a, b, c := twoStageGraph(t)

	require.Equal(t, a, g.Writer(c))
	require.Equal(t, b, g.Reader(c))
	require.True(t, g.IsProducer(a), "stage without inputs is a producer")
	require.False(t, g.IsProducer(b))
	require.Equal(t, 2, g.StageCount())
	require.Equal(t, []StageID{0, 1}, g.StageIDs())
	require.NotEqual(t, [16]byte{}, [16]byte(g.ID()))

	_, err := g.Register(nopStage{}, Notes{}, []*channel.Channel{c}, nil)
	require.ErrorIs(t, err, ErrChannelBound)

	foreign := channel.New(channel.Config{})
	_, err = g.Register(nopStage{}, Notes{}, nil, []*channel.Channel{foreign})
	require.ErrorIs(t, err, ErrForeignChannel)

	_, err = g.Lookup(99)
	require.ErrorIs(t, err, ErrUnknownStage)
}

func TestDefaultName(t *testing.T) {
	g := NewGraph()
	id, err := g.Register(nopStage{}, Notes{}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "stage0", g.Name(id))
}

func TestStatesMoveForward(t *testing.T) {
	g, a, b, _ := twoStageGraph(t)

	require.Equal(t, NotStarted, g.State(b))
	require.True(t, g.SetStarted(b))
	require.True(t, g.RequestShutdown(b))
	require.Equal(t, Stopping, g.State(b))
	require.False(t, g.SetStarted(b), "state moved backwards")
	require.True(t, g.SetShutdown(b))
	require.False(t, g.RequestShutdown(b))
	require.Equal(t, Shutdown, g.State(b))
	require.True(t, g.SetTerminated(b))
	require.Equal(t, "Terminated", g.State(b).String())

	require.True(t, g.SetStarted(a))
	require.True(t, g.RequestShutdown(a))
	require.Equal(t, Shutdown, g.State(a), "producer skips Stopping")
}

func TestRequestShutdownConcurrent(t *testing.T) {
	g, _, b, _ := twoStageGraph(t)
	g.SetStarted(b)

	var wg sync.WaitGroup
	wins := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- g.RequestShutdown(b)
		}()
	}
	wg.Wait()
	close(wins)
	n := 0
	for w := range wins {
		if w {
			n++
		}
	}
	require.Equal(t, 1, n)
}

func TestReportError(t *testing.T) {
	g, a, _, _ := twoStageGraph(t)
	first := errors.New("first")
	g.ReportError(a, first)
	g.ReportError(a, errors.New("second"))
	g.ReportError(a, nil)

	require.Equal(t, first, g.StageError(a))
	errs := g.Errors()
	require.Len(t, errs, 2)
	require.ErrorIs(t, errs[0], first)
	require.Contains(t, errs[0].Error(), "a: first")
}

func TestRunTimeHistogram(t *testing.T) {
	g, a, _, _ := twoStageGraph(t)
	require.Zero(t, g.ElapsedAtPercentile(a, 0.8))

	for i := 0; i < 80; i++ {
		g.AccumRunTime(a, 100) // bucket 6 (64..127)
	}
	for i := 0; i < 20; i++ {
		g.AccumRunTime(a, 5000) // bucket 12
	}
	require.EqualValues(t, 100, g.Samples(a))
	require.EqualValues(t, 128, g.ElapsedAtPercentile(a, 0.8))
	require.EqualValues(t, 8192, g.ElapsedAtPercentile(a, 0.9))
	g.AccumRunTime(a, 0)
	g.AccumRunTime(a, 1<<62)
}

func TestCloseReleasesChannels(t *testing.T) {
	g, a, _, c := twoStageGraph(t)
	g.InitChannels(a)
	require.True(t, c.IsInit())
	g.Close()
	require.False(t, c.IsInit())
	g.Close()
}

type boundStage struct {
	nopStage
	g  *Graph
	id StageID
}

func (b *boundStage) Bind(g *Graph, id StageID) { b.g, b.id = g, id }

func TestRegisterBindsStage(t *testing.T) {
	g := NewGraph()
	_, err := g.Register(nopStage{}, Notes{}, nil, nil)
	require.NoError(t, err)

	s := &boundStage{}
	id, err := g.Register(s, Notes{Name: "bound"}, nil, nil)
	require.NoError(t, err)
	require.Same(t, g, s.g)
	require.Equal(t, id, s.id)
	require.Equal(t, StageID(1), s.id)
}
