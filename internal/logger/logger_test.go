package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInit(t *testing.T) {
	if err := Init("papertrade-test", "nope"); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
	if err := Init("papertrade-test", "warn"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if L().Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	if !L().Core().Enabled(zapcore.ErrorLevel) {
		t.Error("error should be enabled at warn level")
	}
	if zap.L() != L() {
		t.Error("global logger not replaced")
	}
	if WithJob("job-1", "default", "scheduler") == nil || WithRequest("req-1") == nil {
		t.Error("scoped loggers must not be nil")
	}
}
