package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stageflow/channel"
	"stageflow/config"
	"stageflow/constants"
	"stageflow/debug"
	"stageflow/stages"
	"stageflow/topology"
)

var (
	sessions int
	packets  int
	lanes    int
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Run the routing demo: synthetic peer sessions pinned to counting lanes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("sessions") {
			cfg.Demo.Sessions = sessions
		}
		if flags.Changed("packets") {
			cfg.Demo.PacketsPerSession = packets
		}
		if flags.Changed("lanes") {
			cfg.Demo.Lanes = lanes
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		res, err := route(ctx, cfg)
		if err != nil {
			return err
		}
		cmd.Printf("routed %d packets in %d sessions over %d lanes\n", res.Packets(), res.Closes(), len(res.Lanes))
		for i, l := range res.Lanes {
			cmd.Printf("  lane %d: %d packets, %d sessions, %d bytes\n", i, l.Packets, l.Closes, l.Bytes)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(routeCmd)
	f := routeCmd.Flags()
	f.StringVar(&configPath, "config", "", "JSON configuration file")
	f.IntVar(&sessions, "sessions", 0, "number of peer sessions")
	f.IntVar(&packets, "packets", 0, "packets per session")
	f.IntVar(&lanes, "lanes", 0, "output lanes")
}

// laneTotals is what one lane's counter saw.
type laneTotals struct {
	Packets, Closes, Bytes int64
}

type routeResult struct {
	Lanes []laneTotals
}

func (r routeResult) Packets() (n int64) {
	for _, l := range r.Lanes {
		n += l.Packets
	}
	return n
}

func (r routeResult) Closes() (n int64) {
	for _, l := range r.Lanes {
		n += l.Closes
	}
	return n
}

// sessionTraffic interleaves the packets of sessions in windows no larger
// than the router's pool, so every window's sessions close before the next
// window opens.
func sessionTraffic(sessions, perSession, window int) []stages.Packet {
	out := make([]stages.Packet, 0, sessions*perSession)
	for lo := 0; lo < sessions; lo += window {
		hi := min(lo+window, sessions)
		for round := 0; round < perSession; round++ {
			for i := lo; i < hi; i++ {
				out = append(out, stages.Packet{
					Peer:    fmt.Sprintf("10.0.%d.%d:%d", i/256, i%256, 40000+i),
					Payload: []byte(fmt.Sprintf("s%d-p%d", i, round)),
					Close:   round == perSession-1,
				})
			}
		}
	}
	return out
}

// buildRoute wires source → router → one counter per lane.
func buildRoute(cfg *config.Config) (*pipeline, []*stages.PacketCounter, error) {
	p, err := newPipeline(cfg)
	if err != nil {
		return nil, nil, err
	}
	counters, err := p.wireRoute(cfg)
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return p, counters, nil
}

func (p *pipeline) wireRoute(cfg *config.Config) ([]*stages.PacketCounter, error) {
	const maxPayload = 32
	in, err := p.newChannel(cfg, "sessions", stages.SessionSchema, maxPayload)
	if err != nil {
		return nil, err
	}
	// lanes are twice the input so the router never stalls on them while the
	// input still holds end of stream
	laneCfg := *cfg
	laneCfg.Channel.SlotBits = min(cfg.Channel.SlotBits+1, constants.MaxRingBits)
	outs := make([]*channel.Channel, cfg.Demo.Lanes)
	counters := make([]*stages.PacketCounter, cfg.Demo.Lanes)
	for i := range outs {
		if outs[i], err = p.newChannel(&laneCfg, fmt.Sprintf("lane%d", i), stages.SessionSchema, maxPayload); err != nil {
			return nil, err
		}
		counters[i] = stages.NewPacketCounter(outs[i])
	}

	window := cfg.Demo.Lanes * cfg.Demo.SlotsPerLane
	source := stages.NewPacketSource(in, sessionTraffic(cfg.Demo.Sessions, cfg.Demo.PacketsPerSession, window))
	router := stages.NewSessionRouter(in, outs, cfg.Demo.SlotsPerLane)
	if _, err := p.graph.Register(source, topology.Notes{Name: "source"}, nil, []*channel.Channel{in}); err != nil {
		return nil, err
	}
	if _, err := p.graph.Register(router, topology.Notes{Name: "router"}, []*channel.Channel{in}, outs); err != nil {
		return nil, err
	}
	for i, c := range counters {
		if _, err := p.graph.Register(c, topology.Notes{Name: fmt.Sprintf("counter%d", i)}, []*channel.Channel{outs[i]}, nil); err != nil {
			return nil, err
		}
	}
	return counters, p.scheduleAll(cfg)
}

// route executes the routing demo and returns the per-lane totals.
func route(ctx context.Context, cfg *config.Config) (routeResult, error) {
	// PHASE 0: logging
	if err := debug.Configure(cfg.Logging()); err != nil {
		return routeResult{}, err
	}
	debug.DropMessage("INIT", fmt.Sprintf("routing %d sessions over %d lanes", cfg.Demo.Sessions, cfg.Demo.Lanes))

	// PHASE 1: graph and startup
	p, counters, err := buildRoute(cfg)
	if err != nil {
		return routeResult{}, err
	}
	defer p.Close()

	err = execute(ctx, cfg, p)
	res := routeResult{Lanes: make([]laneTotals, len(counters))}
	for i, c := range counters {
		res.Lanes[i] = laneTotals{Packets: c.Packets(), Closes: c.Closes(), Bytes: c.Bytes()}
	}
	return res, err
}
