package flushz

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testEpoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// newTestProvider builds a provider exporting into a Collector on a fake
// clock. CompletionTimeout is zero so Finish never waits on the clock.
func newTestProvider(t *testing.T, mutate func(*Config), opts ...Option) (*Provider, *Collector, *clockz.FakeClock) {
	t.Helper()

	clock := clockz.NewFakeClockAt(testEpoch)
	collector := NewCollector("test")

	cfg := DefaultConfig()
	cfg.Exporter.Exporter = collector
	cfg.CompletionTimeout = 0
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := NewProvider(cfg, append([]Option{WithClock(clock)}, opts...)...)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	t.Cleanup(func() {
		_ = p.Shutdown(context.Background())
	})
	return p, collector, clock
}

// newObservedLogger returns a logger recording every entry at debug and up.
func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func finish(t *testing.T, inv *Invocation) {
	t.Helper()
	if err := inv.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}
