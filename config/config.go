package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type AppConfig struct {
	DatabaseURL     string
	RabbitMQURL     string
	RedisUrl        string
	OTLPEndpoint    string
	LogLevel        string
	ServiceName     string
	CrashDir        string
	SeedDir         string
	GracePeriod     time.Duration
	MonitorInterval time.Duration
}

// LoadConfig reads the service settings from the environment (and .env when present).
// Every backend is optional: an empty URL disables it.
func LoadConfig() *AppConfig {
	// use a temporary logger for now
	logger := zap.NewExample().Named("config")

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", zap.Error(err))
	}

	config := &AppConfig{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RabbitMQURL:     os.Getenv("RABBITMQ_URL"),
		RedisUrl:        os.Getenv("REDIS_URL"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		ServiceName:     os.Getenv("SERVICE_NAME"),
		CrashDir:        os.Getenv("AFLR_CRASH_DIR"),
		SeedDir:         os.Getenv("AFLR_SEED_DIR"),
		GracePeriod:     parseDuration(os.Getenv("AFLR_GRACE_PERIOD"), 30*time.Second),
		MonitorInterval: parseDuration(os.Getenv("AFLR_MONITOR_INTERVAL"), 10*time.Second),
	}

	if config.LogLevel == "" {
		config.LogLevel = "info" // Set default log level
	}
	if config.ServiceName == "" {
		config.ServiceName = "aflrunner" // Default service name
	}

	return config
}

func parseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func parseInt(val string, defaultVal int) int {
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}
