// Package config loads the fabric's runtime configuration from environment
// variables (optionally backed by a .env file) and CLI overrides, following
// the same precedence rules the rest of this codebase uses: CLI flag >
// environment variable > bundled default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable named in the fabric's configuration table plus
// the ambient settings (data directory, log level, bus connection) a
// deployable binary needs.
type Config struct {
	// DataDir is where the Run Registry's SQLite file and the executor
	// queue's durable journal live.
	DataDir string
	// LogLevel is one of zerolog's level names (trace..disabled).
	LogLevel string

	// KafkaBrokers is the comma-separated broker list for the Event Bus
	// Facade. Empty means "use the in-process fake bus" (used in tests
	// and local smoke runs without a Kafka cluster).
	KafkaBrokers []string
	// KafkaTopic is the single logical topic signals are published to.
	KafkaTopic string
	// ConsumerGroup is the Dispatcher's shared consumer group id.
	ConsumerGroup string

	// BatchSize is the max number of signals the Dispatcher accumulates
	// before closing a batch. Default 20.
	BatchSize int
	// BatchTimeout is the max wait for a batch to fill. Default 500ms.
	BatchTimeout time.Duration
	// RefreshInterval is the Pipeline Index rebuild cadence. Default 30s.
	RefreshInterval time.Duration
	// ScheduleInterval is the Periodic Scheduler cadence. Default 300s.
	ScheduleInterval time.Duration
	// MonitorTickInterval is the monitor dispatcher cadence. Default 60s.
	MonitorTickInterval time.Duration
	// LeaseTimeout is the liveness release window for stuck leases. Default 15m.
	LeaseTimeout time.Duration
	// ExecuteTimeout bounds a single worker run. Default 10m.
	ExecuteTimeout time.Duration
	// PublishTimeout bounds a producer's blocking publish call. Default 10s.
	PublishTimeout time.Duration
	// MaxFailCount parks a pipeline after this many rolling-window crashes. Default 5.
	MaxFailCount int
	// WorkerPoolSize is the number of concurrent pipeline runs per process. Default 16.
	WorkerPoolSize int

	// MetricsAddr is the listen address for the read-only metrics endpoint.
	MetricsAddr string
}

// Load resolves the fabric's configuration. An optional dataDirFlag (from a
// CLI flag) takes precedence over FABRIC_DATA_DIR when non-empty; the
// legacy DATA_DIR variable is not read.
func Load(dataDirFlag ...string) (*Config, error) {
	_ = godotenv.Load() // optional .env; environment variables always win

	cliDataDir := ""
	if len(dataDirFlag) > 0 {
		cliDataDir = strings.TrimSpace(dataDirFlag[0])
	}

	dataDir := cliDataDir
	if dataDir == "" {
		dataDir = strings.TrimSpace(os.Getenv("FABRIC_DATA_DIR"))
	}
	if dataDir == "" {
		// FABRIC_DATA_DIR supersedes the legacy DATA_DIR name; DATA_DIR is
		// intentionally NOT consulted, matching the precedence the rest of
		// this codebase already settled on for its own DATA_DIR migration.
		dataDir = "/var/lib/signalfabric/data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory to absolute path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:             absDataDir,
		LogLevel:            getEnv("FABRIC_LOG_LEVEL", "info"),
		KafkaBrokers:        splitCSV(getEnv("FABRIC_KAFKA_BROKERS", "")),
		KafkaTopic:          getEnv("FABRIC_KAFKA_TOPIC", "trading-signals"),
		ConsumerGroup:       getEnv("FABRIC_CONSUMER_GROUP", "dispatcher"),
		BatchSize:           getEnvInt("FABRIC_BATCH_SIZE", 20),
		BatchTimeout:        getEnvDuration("FABRIC_BATCH_TIMEOUT", 500*time.Millisecond),
		RefreshInterval:     getEnvDuration("FABRIC_REFRESH_INTERVAL", 30*time.Second),
		ScheduleInterval:    getEnvDuration("FABRIC_SCHEDULE_INTERVAL", 300*time.Second),
		MonitorTickInterval: getEnvDuration("FABRIC_MONITOR_TICK_INTERVAL", 60*time.Second),
		LeaseTimeout:        getEnvDuration("FABRIC_LEASE_TIMEOUT", 15*time.Minute),
		ExecuteTimeout:      getEnvDuration("FABRIC_EXECUTE_TIMEOUT", 10*time.Minute),
		PublishTimeout:      getEnvDuration("FABRIC_PUBLISH_TIMEOUT", 10*time.Second),
		MaxFailCount:        getEnvInt("FABRIC_MAX_FAIL_COUNT", 5),
		WorkerPoolSize:      getEnvInt("FABRIC_WORKER_POOL_SIZE", 16),
		MetricsAddr:         getEnv("FABRIC_METRICS_ADDR", ":9090"),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
