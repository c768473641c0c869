// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go - Cold-path logging helpers backed by zap
//
// Purpose:
//   - Logs infrequent events (startup, failures, shutdown) without fmt.
//   - Keeps the two-call surface (DropError / DropMessage) used across the
//     runtime while routing output through a structured zap logger.
//
// Notes:
//   - The logger is swapped atomically so a test or the CLI can reconfigure
//     it while schedulers are running.
//   - Stage Run paths never call into this package.
//
// ⚠️ Never invoke in hot loops: use only in failure diagnostics.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config defines logger configuration.
type Config struct {
	Level       string   // "debug", "info", "warn", "error"
	Development bool     // console encoder with colors when true, JSON otherwise
	OutputPaths []string // zap sink URLs, "stderr" by default
}

// DefaultConfig returns the production configuration: JSON lines on stderr.
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		Development: false,
		OutputPaths: []string{"stderr"},
	}
}

var current atomic.Pointer[zap.Logger]

func init() {
	l, err := build(DefaultConfig())
	if err != nil {
		l = zap.NewNop()
	}
	current.Store(l)
}

// Configure replaces the process logger. The previous logger is synced.
func Configure(cfg Config) error {
	l, err := build(cfg)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// SetLogger installs l as the process logger. A nil logger disables output.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	if old := current.Swap(l); old != nil {
		_ = old.Sync()
	}
}

// Logger returns the process logger.
func Logger() *zap.Logger {
	return current.Load()
}

// Named returns a child logger tagged with a component name.
func Named(component string) *zap.Logger {
	return current.Load().Named(component)
}

// DropError logs an error under a short uppercase tag.
// A nil error logs the tag alone as a trace marker.
//
//go:nosplit
//go:inline
func DropError(prefix string, err error) {
	if err != nil {
		current.Load().Error(prefix, zap.Error(err))
		return
	}
	current.Load().Info(prefix)
}

// DropMessage logs a cold-path event such as a state change. The text goes
// under "detail" so it never collides with the encoder's message key.
//
//go:nosplit
//go:inline
func DropMessage(prefix, message string) {
	current.Load().Info(prefix, zap.String("detail", message))
}

func build(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("debug: invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encoding := "json"
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	}
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		Encoding:          encoding,
		EncoderConfig:     encCfg,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !cfg.Development,
	}
	return zapCfg.Build()
}
