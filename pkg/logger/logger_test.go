package logger

import (
	"testing"

	"aflrunner/config"

	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		" error ": zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerWithoutTelemetry(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	lg := NewLogger(LoggerParams{Lc: lc, AppConfig: &config.AppConfig{LogLevel: "warn"}})
	lc.RequireStart()
	defer lc.RequireStop()

	if lg.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	if !lg.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("error should be enabled at warn level")
	}
}

func TestBuildConfigEncoders(t *testing.T) {
	if cfg := buildConfig("debug"); cfg.Encoding != "console" || !cfg.Development {
		t.Errorf("debug should use the development config, got %q", cfg.Encoding)
	}
	if cfg := buildConfig("error"); cfg.Encoding != "json" {
		t.Errorf("error should use the production config, got %q", cfg.Encoding)
	}
	if cfg := buildConfig("info"); len(cfg.OutputPaths) != 1 || cfg.OutputPaths[0] != "stderr" {
		t.Errorf("logs must stay off stdout: %v", cfg.OutputPaths)
	}
}
