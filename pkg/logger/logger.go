package logger

import (
	"context"
	"strings"

	"aflrunner/config"
	"aflrunner/pkg/telemetry"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerParams struct {
	fx.In
	Lc        fx.Lifecycle
	AppConfig *config.AppConfig
	Telemetry telemetry.Telemetry `optional:"true"`
}

func NewLogger(p LoggerParams) *zap.Logger {
	loggerCtx, cancel := context.WithCancel(context.Background())
	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})

	cfg := buildConfig(p.AppConfig.LogLevel)

	if p.Telemetry == nil || p.Telemetry.GetLogger() == nil {
		lg, err := cfg.Build()
		if err != nil {
			// log failed to build, return a default one
			return zap.NewExample()
		}
		return lg
	}

	lg, err := cfg.Build(
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return newOtelCore(loggerCtx, core, p.Telemetry.GetLogger(),
				log.String("aflr.action.name", "campaign_log"),
				log.String("service.name", p.AppConfig.ServiceName),
			)
		}),
		zap.AddCaller(),
	)
	if err != nil {
		lg, err := cfg.Build()
		if err != nil {
			// log failed to build, return a default one
			return zap.NewExample()
		}
		return lg
	}
	lg.Info("Logger with telemetry and fields enabled")
	return lg
}

// ParseLevel maps LOG_LEVEL values onto zap levels; unknown values mean info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// buildConfig uses the console-friendly development encoder up to info and
// the JSON production encoder for quieter levels.
func buildConfig(logLevel string) zap.Config {
	level := ParseLevel(logLevel)
	var cfg zap.Config
	if level > zapcore.InfoLevel {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	// stdout carries the generated commands
	cfg.OutputPaths = []string{"stderr"}
	return cfg
}
