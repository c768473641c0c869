package debug

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDropHelpers(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	prev := Logger()
	SetLogger(zap.New(core))
	defer SetLogger(prev)

	DropError("FAIL", errors.New("boom"))
	DropError("MARK", nil)
	DropMessage("STATE", "running")
	Named("scheduler").Info("named")

	entries := logs.AllUntimed()
	if len(entries) != 4 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Message != "FAIL" || entries[0].Level != zap.ErrorLevel {
		t.Fatalf("error entry = %+v", entries[0].Entry)
	}
	if entries[0].ContextMap()["error"] != "boom" {
		t.Fatalf("error field = %v", entries[0].ContextMap())
	}
	if entries[2].Message != "STATE" || entries[2].ContextMap()["detail"] != "running" {
		t.Fatalf("message entry = %q %v", entries[2].Message, entries[2].ContextMap())
	}
	if _, dup := entries[2].ContextMap()["msg"]; dup {
		t.Fatalf("message field shadows the entry message: %v", entries[2].ContextMap())
	}
	if entries[3].LoggerName != "scheduler" {
		t.Fatalf("logger name = %q", entries[3].LoggerName)
	}
}

func TestConfigure(t *testing.T) {
	prev := Logger()
	defer SetLogger(prev)

	if err := Configure(Config{Level: "loud"}); err == nil {
		t.Fatal("invalid level accepted")
	}
	if err := Configure(Config{Level: "warn", Development: true}); err != nil {
		t.Fatal(err)
	}
	if Logger().Core().Enabled(zap.InfoLevel) {
		t.Fatal("info enabled at warn level")
	}
	SetLogger(nil)
	DropMessage("NOP", "discarded")
}

func TestDropMessageJSONKeys(t *testing.T) {
	var buf bytes.Buffer
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	prev := Logger()
	SetLogger(zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zap.InfoLevel)))
	defer SetLogger(prev)

	DropMessage("ROUTER", "sessions active")

	line := strings.TrimSpace(buf.String())
	if n := strings.Count(line, `"msg":`); n != 1 {
		t.Fatalf("%d msg keys in %s", n, line)
	}
	var fields map[string]any
	if err := sonnet.Unmarshal([]byte(line), &fields); err != nil {
		t.Fatal(err)
	}
	if fields["msg"] != "ROUTER" || fields["detail"] != "sessions active" {
		t.Fatalf("fields = %v", fields)
	}
}
