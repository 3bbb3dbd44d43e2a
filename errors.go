package flushz

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

// Configuration sentinels, wrapped by ConfigurationError.
var (
	ErrUnknownStrategy  = errors.New("unknown batching strategy")
	ErrInvalidURL       = errors.New("invalid exporter url")
	ErrInvalidBatchSize = errors.New("invalid batch size")
	ErrInvalidRatio     = errors.New("sampling ratio must be within [0, 1]")
	ErrInvalidTimeout   = errors.New("timeout must not be negative")
)

// ErrSchedulerClosed is returned when a trace is scheduled after Shutdown.
var ErrSchedulerClosed = errors.New("scheduler is shut down")

// ConfigurationError reports a configuration field that failed resolution.
// It is returned before any span is created.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SamplingError wraps a failure inside a user supplied sampling function.
// The affected trace is treated as not sampled.
type SamplingError struct {
	Cause   interface{}
	Stage   string // "head" or "tail"
	TraceID trace.TraceID
}

func (e *SamplingError) Error() string {
	return fmt.Sprintf("%s sampler failed for trace %s: %v", e.Stage, e.TraceID, e.Cause)
}

// Unwrap returns the cause when it is an error.
func (e *SamplingError) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}

// ExportTransportError reports a failed export round trip.
// StatusCode is zero when no HTTP response was received.
type ExportTransportError struct {
	Err        error
	StatusCode int
}

func (e *ExportTransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("export failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("export failed: %v", e.Err)
}

func (e *ExportTransportError) Unwrap() error { return e.Err }
