package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	rtdebug "runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"stageflow/channel"
	"stageflow/config"
	"stageflow/debug"
	"stageflow/scheduler"
	"stageflow/stages"
	"stageflow/telemetry"
	"stageflow/topology"
)

var (
	configPath  string
	count       int32
	metricsAddr string
	telemetryDB string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the demo pipeline: an integer producer feeding a summing consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("count") {
			cfg.Demo.Count = count
		}
		if flags.Changed("metrics-addr") {
			cfg.Telemetry.MetricsAddr = metricsAddr
		}
		if flags.Changed("telemetry-db") {
			cfg.Telemetry.DBPath = telemetryDB
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		sum, err := run(ctx, cfg)
		if err != nil {
			return err
		}
		cmd.Printf("sum of 1..%d = %d\n", cfg.Demo.Count, sum)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.StringVar(&configPath, "config", "", "JSON configuration file")
	f.Int32Var(&count, "count", 0, "number of values the producer writes")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&telemetryDB, "telemetry-db", "", "record scheduler events in this SQLite file")
}

// pipeline is a demo graph with the sinks that observe it.
type pipeline struct {
	graph    *topology.Graph
	summer   *stages.Summer
	group    *scheduler.Group
	metrics  *telemetry.Metrics
	store    *telemetry.Store
	reporter telemetry.Reporter
}

func (p *pipeline) Close() {
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			debug.DropError("TELEMETRY_CLOSE", err)
		}
	}
	p.graph.Close()
}

// newPipeline creates an empty graph with the reporters cfg asks for.
func newPipeline(cfg *config.Config) (*pipeline, error) {
	p := &pipeline{
		graph:   topology.NewGraph(),
		metrics: telemetry.NewMetrics(cfg.Telemetry.Namespace),
	}
	reporters := telemetry.Multi{
		telemetry.NewLogReporter(cfg.Telemetry.ViolationsPerSecond, cfg.Telemetry.ViolationBurst),
		p.metrics,
	}
	if cfg.Telemetry.DBPath != "" {
		store, err := telemetry.OpenStore(cfg.Telemetry.DBPath)
		if err != nil {
			return nil, err
		}
		p.store = store
		reporters = append(reporters, store)
	}
	p.reporter = reporters
	return p, nil
}

// newChannel creates a watched channel sized by cfg.
func (p *pipeline) newChannel(cfg *config.Config, name string, schema *channel.Schema, maxVar int) (*channel.Channel, error) {
	c := p.graph.NewChannel(channel.Config{
		Name:         name,
		SlotBits:     cfg.Channel.SlotBits,
		BlobBits:     cfg.Channel.BlobBits,
		MaxVarLength: maxVar,
		Schema:       schema,
	})
	c.SetReleaseBatch(cfg.Channel.ReleaseBatch)
	if err := p.metrics.WatchChannel(c); err != nil {
		return nil, fmt.Errorf("watch channel %s: %w", name, err)
	}
	return c, nil
}

// scheduleAll puts every registered stage on one scheduler, splits it in two
// when configured, and wraps the result in a group.
func (p *pipeline) scheduleAll(cfg *config.Config) error {
	opts := scheduler.Options{
		ReverseOrder:     cfg.Scheduler.ReverseOrder,
		Reporter:         p.reporter,
		PinCPU:           cfg.Scheduler.PinCPU,
		CPU:              cfg.Scheduler.CPU,
		LongRunThreshold: cfg.Scheduler.LongRunThreshold.D(),
	}
	s, err := scheduler.New(p.graph, p.graph.StageIDs(), opts)
	if err != nil {
		return err
	}
	schedulers := []*scheduler.Scheduler{s}
	if cfg.Scheduler.Split {
		at := s.RecommendedSplitPoint()
		if at < 0 {
			at = 1
		}
		other, err := s.SplitOn(at)
		if err != nil {
			return err
		}
		schedulers = append(schedulers, other)
	}
	p.group = scheduler.NewGroup(cfg.Scheduler.WatchdogInterval.D(), schedulers...)
	return nil
}

// buildPipeline wires producer → summer and one or two schedulers.
func buildPipeline(cfg *config.Config) (*pipeline, error) {
	p, err := newPipeline(cfg)
	if err != nil {
		return nil, err
	}
	if err := p.wireSum(cfg); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *pipeline) wireSum(cfg *config.Config) error {
	c, err := p.newChannel(cfg, "values", stages.IntSchema, 0)
	if err != nil {
		return err
	}
	producer := stages.NewIntProducer(c, cfg.Demo.Count)
	p.summer = stages.NewSummer(c)
	if _, err := p.graph.Register(producer, topology.Notes{Name: "producer"}, nil, []*channel.Channel{c}); err != nil {
		return err
	}
	if _, err := p.graph.Register(p.summer, topology.Notes{Name: "summer"}, []*channel.Channel{c}, nil); err != nil {
		return err
	}
	return p.scheduleAll(cfg)
}

// execute runs a built pipeline to completion, serving metrics meanwhile.
func execute(ctx context.Context, cfg *config.Config, p *pipeline) error {
	if cfg.Telemetry.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Telemetry.MetricsAddr,
			Handler:           promhttp.HandlerFor(p.metrics.Registry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				debug.DropError("METRICS", err)
			}
		}()
		defer srv.Close()
	}

	// PHASE 2: heap cleanup so the run loops start from a compact heap
	runtime.GC()
	rtdebug.FreeOSMemory()

	// PHASE 3: scheduled execution
	if err := p.group.Start(ctx); err != nil {
		return err
	}
	debug.DropMessage("READY", p.graph.ID().String())
	return p.group.Wait()
}

// run executes the demo pipeline and returns the consumer's sum.
func run(ctx context.Context, cfg *config.Config) (int64, error) {
	// PHASE 0: logging
	if err := debug.Configure(cfg.Logging()); err != nil {
		return 0, err
	}
	debug.DropMessage("INIT", fmt.Sprintf("producing %d values", cfg.Demo.Count))

	// PHASE 1: graph and startup
	p, err := buildPipeline(cfg)
	if err != nil {
		return 0, err
	}
	defer p.Close()

	if err := execute(ctx, cfg, p); err != nil {
		return p.summer.Sum(), err
	}
	debug.DropMessage("DONE", fmt.Sprintf("sum %d", p.summer.Sum()))
	return p.summer.Sum(), nil
}
