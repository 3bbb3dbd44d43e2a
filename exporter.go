package flushz

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ExportResultCode is the outcome of one export attempt.
type ExportResultCode int

const (
	ExportSuccess ExportResultCode = iota
	ExportFailure
)

func (c ExportResultCode) String() string {
	if c == ExportSuccess {
		return "SUCCESS"
	}
	return "FAILURE"
}

// ExportResult is reported to the export callback exactly once per batch.
type ExportResult struct {
	Err  error
	Code ExportResultCode
}

// ErrExporterShutdown is reported for exports attempted after Shutdown.
var ErrExporterShutdown = errors.New("exporter is shut down")

// ErrUnexpectedStatus is wrapped in ExportTransportError for non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// SpanExporter delivers a batch of finished spans. Export never panics
// outward and calls done exactly once. Implementations do not retry.
type SpanExporter interface {
	Export(ctx context.Context, spans []Span, done func(ExportResult))
	Shutdown(ctx context.Context) error
}

// OTLPExporter posts batches as OTLP/HTTP JSON.
// Safe for concurrent use by multiple goroutines.
type OTLPExporter struct {
	transport Transport
	headers   map[string]string
	url       string
	timeout   time.Duration
	closed    atomic.Bool
}

// NewOTLPExporter builds an exporter for url. A nil transport uses a
// resty-backed HTTPTransport. A zero timeout leaves ctx as the only bound.
func NewOTLPExporter(url string, headers map[string]string, timeout time.Duration, transport Transport) *OTLPExporter {
	if transport == nil {
		transport = NewHTTPTransport(nil)
	}
	h := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		h[k] = v
	}
	h["Content-Type"] = "application/json"

	return &OTLPExporter{
		transport: transport,
		headers:   h,
		url:       url,
		timeout:   timeout,
	}
}

// Export implements SpanExporter. One round trip, no retry.
func (e *OTLPExporter) Export(ctx context.Context, spans []Span, done func(ExportResult)) {
	var result ExportResult
	defer func() {
		if r := recover(); r != nil {
			result = ExportResult{Code: ExportFailure, Err: fmt.Errorf("export panicked: %v", r)}
		}
		if done != nil {
			done(result)
		}
	}()
	result = e.export(ctx, spans)
}

func (e *OTLPExporter) export(ctx context.Context, spans []Span) ExportResult {
	if e.closed.Load() {
		return ExportResult{Code: ExportFailure, Err: ErrExporterShutdown}
	}
	if len(spans) == 0 {
		return ExportResult{Code: ExportSuccess}
	}

	body, err := MarshalTraces(spans)
	if err != nil {
		return ExportResult{Code: ExportFailure, Err: fmt.Errorf("encode batch: %w", err)}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	status, err := e.transport.Post(ctx, e.url, e.headers, body)
	if err != nil {
		return ExportResult{Code: ExportFailure, Err: &ExportTransportError{StatusCode: status, Err: err}}
	}
	if status < 200 || status > 299 {
		return ExportResult{Code: ExportFailure, Err: &ExportTransportError{StatusCode: status, Err: ErrUnexpectedStatus}}
	}
	return ExportResult{Code: ExportSuccess}
}

// Shutdown makes later exports fail fast. In-flight exports are unaffected.
func (e *OTLPExporter) Shutdown(_ context.Context) error {
	e.closed.Store(true)
	return nil
}
