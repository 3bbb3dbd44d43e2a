package integration

import (
	"context"
	"fmt"
	"testing"

	"github.com/zoobzio/flushz"
)

func runSingleSpanJobs(t *testing.T, provider *flushz.Provider, n int) {
	t.Helper()
	ctx, inv := provider.NewInvocation(context.Background())
	for i := 0; i < n; i++ {
		_, s := inv.Tracer().Start(ctx, fmt.Sprintf("job-%d", i))
		s.End()
	}
	if err := inv.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

// TestSizeStrategyRequestCount sends N+1 single-span traces through a queue
// of N and expects ceil((N+1)/B) requests, each at most B spans.
func TestSizeStrategyRequestCount(t *testing.T) {
	tests := []struct {
		queue, batch int
	}{
		{queue: 4, batch: 2},
		{queue: 8, batch: 3},
		{queue: 6, batch: 6},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("N=%d,B=%d", tt.queue, tt.batch), func(t *testing.T) {
			backend := NewBackend(t)
			provider := NewProvider(t, backend, func(cfg *flushz.Config) {
				cfg.Batching = flushz.BatchingConfig{
					Strategy:           "size",
					MaxQueueSize:       tt.queue,
					MaxExportBatchSize: tt.batch,
				}
			})

			records := tt.queue + 1
			runSingleSpanJobs(t, provider, records)

			requests := backend.Accepted()
			want := (records + tt.batch - 1) / tt.batch
			if len(requests) != want {
				t.Errorf("Expected %d requests, got %d", want, len(requests))
			}
			total := 0
			for _, r := range requests {
				if len(r.Spans) > tt.batch {
					t.Errorf("Request with %d spans exceeds batch size %d", len(r.Spans), tt.batch)
				}
				total += len(r.Spans)
			}
			if total != records {
				t.Errorf("Expected %d spans delivered, got %d", records, total)
			}
		})
	}
}

// TestImmediateStrategy sends one request per span.
func TestImmediateStrategy(t *testing.T) {
	backend := NewBackend(t)
	provider := NewProvider(t, backend, func(cfg *flushz.Config) {
		cfg.Batching.Strategy = "immediate"
	})

	ctx, inv := provider.NewInvocation(context.Background())
	err := inv.Run(ctx, "root", func(ctx context.Context) error {
		for i := 0; i < 3; i++ {
			_, s := inv.Tracer().Start(ctx, "child")
			s.End()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	requests := backend.Accepted()
	if len(requests) != 4 {
		t.Fatalf("Expected 4 requests, got %d", len(requests))
	}
	for _, r := range requests {
		if len(r.Spans) != 1 {
			t.Errorf("Expected single-span requests, got %d", len(r.Spans))
		}
	}
}

// TestFlushIsIdempotent finishes twice; the second flush sends nothing.
func TestFlushIsIdempotent(t *testing.T) {
	backend := NewBackend(t)
	provider := NewProvider(t, backend, func(cfg *flushz.Config) {
		cfg.Batching.Strategy = "size"
	})

	ctx, inv := provider.NewInvocation(context.Background())
	for i := 0; i < 5; i++ {
		_, s := inv.Tracer().Start(ctx, "queued")
		s.End()
	}
	if pending := inv.Scheduler().Pending(); pending != 5 {
		t.Fatalf("Expected 5 queued spans below the bound, got %d", pending)
	}

	for i := 0; i < 2; i++ {
		if err := inv.Finish(context.Background()); err != nil {
			t.Fatalf("Finish %d: %v", i, err)
		}
	}
	if n := len(backend.Requests()); n != 1 {
		t.Errorf("Expected exactly one request, got %d", n)
	}
}

// TestExportHeaders forwards configured headers with every request.
func TestExportHeaders(t *testing.T) {
	backend := NewBackend(t)
	provider := NewProvider(t, backend, func(cfg *flushz.Config) {
		cfg.Exporter.Headers = map[string]string{"X-Honeycomb-Team": "key-123"}
	})

	ctx, inv := provider.NewInvocation(context.Background())
	if err := inv.Run(ctx, "job", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Run: %v", err)
	}

	requests := backend.Requests()
	if len(requests) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(requests))
	}
	if got := requests[0].Header.Get("X-Honeycomb-Team"); got != "key-123" {
		t.Errorf("Expected team header, got %q", got)
	}
	if got := requests[0].Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Expected JSON content type, got %q", got)
	}
}
