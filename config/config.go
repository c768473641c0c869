// Package config loads runtime settings from an optional JSON file and then
// from STAGEFLOW_* environment variables, which take precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sugawarayuuta/sonnet"

	"stageflow/constants"
	"stageflow/debug"
)

// EnvPrefix prefixes every environment variable, e.g. STAGEFLOW_LOG_LEVEL.
const EnvPrefix = "STAGEFLOW"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all runtime configuration.
type Config struct {
	Log       LogConfig       `json:"log" envconfig:"LOG"`
	Channel   ChannelConfig   `json:"channel" envconfig:"CHANNEL"`
	Scheduler SchedulerConfig `json:"scheduler" envconfig:"SCHEDULER"`
	Telemetry TelemetryConfig `json:"telemetry" envconfig:"TELEMETRY"`
	Demo      DemoConfig      `json:"demo" envconfig:"DEMO"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string   `json:"level" envconfig:"LEVEL"`
	Development bool     `json:"development" envconfig:"DEV"`
	OutputPaths []string `json:"output_paths" envconfig:"OUTPUT"`
}

// ChannelConfig holds the default channel geometry.
type ChannelConfig struct {
	SlotBits     uint8 `json:"slot_bits" envconfig:"SLOT_BITS"`
	BlobBits     uint8 `json:"blob_bits" envconfig:"BLOB_BITS"`
	ReleaseBatch int   `json:"release_batch" envconfig:"RELEASE_BATCH"`
}

// SchedulerConfig holds scheduler options.
type SchedulerConfig struct {
	ReverseOrder     bool     `json:"reverse_order" envconfig:"REVERSE"`
	PinCPU           bool     `json:"pin_cpu" envconfig:"PIN_CPU"`
	CPU              int      `json:"cpu" envconfig:"CPU"`
	LongRunThreshold Duration `json:"long_run_threshold" envconfig:"LONG_RUN"`
	WatchdogInterval Duration `json:"watchdog_interval" envconfig:"WATCHDOG"`
	Split            bool     `json:"split" envconfig:"SPLIT"`
}

// TelemetryConfig holds reporting sinks.
type TelemetryConfig struct {
	MetricsAddr         string  `json:"metrics_addr" envconfig:"METRICS_ADDR"`
	Namespace           string  `json:"namespace" envconfig:"NAMESPACE"`
	DBPath              string  `json:"db_path" envconfig:"DB"`
	ViolationsPerSecond float64 `json:"violations_per_second" envconfig:"VIOLATION_RATE"`
	ViolationBurst      int     `json:"violation_burst" envconfig:"VIOLATION_BURST"`
}

// DemoConfig sizes the demo pipelines of the CLI. Count drives the run
// command; the session fields drive route.
type DemoConfig struct {
	Count             int32 `json:"count" envconfig:"COUNT"`
	Sessions          int   `json:"sessions" envconfig:"SESSIONS"`
	PacketsPerSession int   `json:"packets_per_session" envconfig:"PACKETS"`
	Lanes             int   `json:"lanes" envconfig:"LANES"`
	SlotsPerLane      int   `json:"slots_per_lane" envconfig:"SLOTS_PER_LANE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			OutputPaths: []string{"stderr"},
		},
		Channel: ChannelConfig{
			SlotBits:     constants.DefaultSlotBits,
			BlobBits:     constants.DefaultBlobBits,
			ReleaseBatch: 1,
		},
		Scheduler: SchedulerConfig{
			LongRunThreshold: Duration(constants.DefaultLongRunThresholdNs),
			WatchdogInterval: Duration(time.Second),
		},
		Telemetry: TelemetryConfig{
			Namespace:           "stageflow",
			ViolationsPerSecond: 10,
			ViolationBurst:      20,
		},
		Demo: DemoConfig{
			Count:             1000,
			Sessions:          64,
			PacketsPerSession: 4,
			Lanes:             2,
			SlotsPerLane:      8,
		},
	}
}

// Load returns Default overlaid with the JSON file at path, when path is not
// empty, and then with the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := sonnet.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise panic at construction time.
func (c *Config) Validate() error {
	bits := func(name string, v uint8) error {
		if v < constants.MinRingBits || v > constants.MaxRingBits {
			return fmt.Errorf("%w: channel.%s %d outside [%d, %d]", ErrInvalid, name, v, constants.MinRingBits, constants.MaxRingBits)
		}
		return nil
	}
	if err := bits("slot_bits", c.Channel.SlotBits); err != nil {
		return err
	}
	if err := bits("blob_bits", c.Channel.BlobBits); err != nil {
		return err
	}
	if c.Scheduler.CPU < 0 {
		return fmt.Errorf("%w: scheduler.cpu %d", ErrInvalid, c.Scheduler.CPU)
	}
	if c.Scheduler.WatchdogInterval < 0 || c.Scheduler.LongRunThreshold < 0 {
		return fmt.Errorf("%w: negative scheduler duration", ErrInvalid)
	}
	if c.Demo.Count < 0 {
		return fmt.Errorf("%w: demo.count %d", ErrInvalid, c.Demo.Count)
	}
	if c.Demo.Sessions < 0 || c.Demo.PacketsPerSession < 1 {
		return fmt.Errorf("%w: demo sessions %d x %d packets", ErrInvalid, c.Demo.Sessions, c.Demo.PacketsPerSession)
	}
	if c.Demo.Lanes < 1 || c.Demo.SlotsPerLane < 1 {
		return fmt.Errorf("%w: demo %d lanes x %d slots", ErrInvalid, c.Demo.Lanes, c.Demo.SlotsPerLane)
	}
	return nil
}

// Logging converts the log section for debug.Configure.
func (c *Config) Logging() debug.Config {
	return debug.Config{
		Level:       c.Log.Level,
		Development: c.Log.Development,
		OutputPaths: c.Log.OutputPaths,
	}
}

// ============================================================================
// DURATION
// ============================================================================

// Duration is a time.Duration written as "250ms" in JSON and the
// environment. Bare JSON numbers are nanoseconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		return d.Decode(s)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("duration %s: %w", b, err)
	}
	*d = Duration(n)
	return nil
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	v, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
