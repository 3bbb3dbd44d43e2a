package reliability

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ReliabilityConfig is read from FLUSHZ_RELIABILITY_* variables.
// An empty Level skips every reliability test.
type ReliabilityConfig struct {
	Level            string        `envconfig:"LEVEL"`
	Strategy         string        `envconfig:"STRATEGY" default:"size"`
	Duration         time.Duration `envconfig:"DURATION" default:"30s"`
	BackendLatency   time.Duration `envconfig:"BACKEND_LATENCY" default:"1ms"`
	ExportTimeout    time.Duration `envconfig:"EXPORT_TIMEOUT" default:"2s"`
	Concurrency      int           `envconfig:"CONCURRENCY" default:"100"`
	MaxQueueSize     int           `envconfig:"MAX_QUEUE_SIZE" default:"256"`
	MaxExportBatch   int           `envconfig:"MAX_EXPORT_BATCH" default:"64"`
	FailureThreshold float64       `envconfig:"FAILURE_THRESHOLD" default:"0.05"`
}

func loadReliabilityConfig(t *testing.T) ReliabilityConfig {
	t.Helper()
	var cfg ReliabilityConfig
	if err := envconfig.Process("flushz_reliability", &cfg); err != nil {
		t.Fatalf("reliability config: %v", err)
	}
	return cfg
}
