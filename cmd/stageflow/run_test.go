package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"stageflow/config"
	"stageflow/telemetry"
)

func TestRunDemo(t *testing.T) {
	for _, split := range []bool{false, true} {
		cfg := config.Default()
		cfg.Demo.Count = 100
		cfg.Channel.SlotBits = 4
		cfg.Scheduler.Split = split
		cfg.Telemetry.DBPath = filepath.Join(t.TempDir(), "events.db")

		sum, err := run(context.Background(), cfg)
		require.NoError(t, err)
		require.EqualValues(t, 5050, sum)

		store, err := telemetry.OpenStore(cfg.Telemetry.DBPath)
		require.NoError(t, err)
		failures, err := store.Failures()
		require.NoError(t, err)
		require.Empty(t, failures)
		require.NoError(t, store.Close())
	}
}

func TestBuildPipelineSplit(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.Split = true
	p, err := buildPipeline(cfg)
	require.NoError(t, err)
	defer p.Close()
	require.Len(t, p.group.Schedulers(), 2)
}

func TestRunCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"run", "--count", "10"})
	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), "sum of 1..10 = 55")
}

func TestSessionTrafficWindows(t *testing.T) {
	pkts := sessionTraffic(3, 2, 2)
	require.Len(t, pkts, 6)
	peers := []string{}
	for _, p := range pkts {
		peers = append(peers, p.Peer)
	}
	require.Equal(t, []string{
		"10.0.0.0:40000", "10.0.0.1:40001",
		"10.0.0.0:40000", "10.0.0.1:40001",
		"10.0.0.2:40002", "10.0.0.2:40002",
	}, peers)
	require.False(t, pkts[0].Close)
	require.True(t, pkts[2].Close)
	require.True(t, pkts[5].Close)
}

func TestRouteDemo(t *testing.T) {
	for _, split := range []bool{false, true} {
		cfg := config.Default()
		cfg.Demo.Sessions = 40
		cfg.Demo.PacketsPerSession = 3
		cfg.Demo.Lanes = 2
		cfg.Demo.SlotsPerLane = 8
		cfg.Scheduler.Split = split

		res, err := route(context.Background(), cfg)
		require.NoError(t, err)
		require.EqualValues(t, 120, res.Packets())
		require.EqualValues(t, 40, res.Closes())
		// windows of 16 sessions fill lane 0 first; the last window has 8
		require.Equal(t, laneTotals{Packets: 72, Closes: 24, Bytes: res.Lanes[0].Bytes}, res.Lanes[0])
		require.Equal(t, laneTotals{Packets: 48, Closes: 16, Bytes: res.Lanes[1].Bytes}, res.Lanes[1])
	}
}

func TestRouteCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"route", "--sessions", "4", "--packets", "2"})
	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), "routed 8 packets in 4 sessions over 2 lanes")
}
