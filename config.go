package flushz

import (
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Version is reported as telemetry.sdk.version on every resource.
const Version = "0.3.0"

const (
	defaultServiceName       = "unknown_service"
	defaultScopeName         = "github.com/zoobzio/flushz"
	defaultMaxQueueSize      = 2048
	defaultMaxExportBatch    = 512
	defaultExportTimeout     = 5 * time.Second
	defaultCompletionTimeout = 100 * time.Millisecond
)

// ServiceConfig describes the producing service. It becomes the resource of
// every exported span.
type ServiceConfig struct {
	Name      string `koanf:"name"`
	Version   string `koanf:"version"`
	Namespace string `koanf:"namespace"`
}

// SamplingConfig configures both sampling stages. A custom HeadSampler
// replaces the ratio sampler; empty TailPredicates means the defaults.
type SamplingConfig struct {
	HeadSampler    HeadSampler     `koanf:"-"`
	TailPredicates []TailPredicate `koanf:"-"`
	Ratio          float64         `koanf:"ratio"`
	AcceptRemote   bool            `koanf:"accept_remote"`
}

// BatchingConfig selects the batching strategy and its bounds.
type BatchingConfig struct {
	Strategy           string `koanf:"strategy"`
	MaxQueueSize       int    `koanf:"max_queue_size"`
	MaxExportBatchSize int    `koanf:"max_export_batch_size"`
}

// ExporterConfig points the OTLP exporter at a backend. A custom Exporter
// bypasses the OTLP exporter entirely and makes URL optional.
type ExporterConfig struct {
	Transport Transport         `koanf:"-"`
	Exporter  SpanExporter      `koanf:"-"`
	Headers   map[string]string `koanf:"headers"`
	URL       string            `koanf:"url"`
	Timeout   time.Duration     `koanf:"timeout"`
}

// Config is the user facing configuration. It is validated once by Resolve.
type Config struct {
	Propagator        propagation.TextMapPropagator `koanf:"-"`
	Service           ServiceConfig                 `koanf:"service"`
	Scope             Scope                         `koanf:"scope"`
	Exporter          ExporterConfig                `koanf:"exporter"`
	Batching          BatchingConfig                `koanf:"batching"`
	Sampling          SamplingConfig                `koanf:"sampling"`
	CompletionTimeout time.Duration                 `koanf:"completion_timeout"`
}

// DefaultConfig returns a configuration sampling every trace and exporting
// each trace as one batch. Exporter.URL still has to be set.
func DefaultConfig() Config {
	return Config{
		Sampling: SamplingConfig{Ratio: 1},
		Batching: BatchingConfig{
			Strategy:           string(StrategyTrace),
			MaxQueueSize:       defaultMaxQueueSize,
			MaxExportBatchSize: defaultMaxExportBatch,
		},
		Exporter:          ExporterConfig{Timeout: defaultExportTimeout},
		CompletionTimeout: defaultCompletionTimeout,
	}
}

// ResolvedConfig is the immutable, validated form of Config shared read-only
// by every span of every invocation.
//
//nolint:govet // Field order optimized for readability over memory
type ResolvedConfig struct {
	headSampler       HeadSampler
	tailSampler       *TailSampler
	propagator        propagation.TextMapPropagator
	transport         Transport
	exporter          SpanExporter
	headers           map[string]string
	resource          attribute.Set
	scope             Scope
	strategy          Strategy
	url               string
	maxQueue          int
	maxBatch          int
	timeout           time.Duration
	completionTimeout time.Duration
}

// Resolve validates cfg and freezes it. Every invalid field is reported,
// each as a *ConfigurationError, aggregated in a multierror.
func Resolve(cfg Config) (*ResolvedConfig, error) {
	var errs *multierror.Error
	fail := func(field string, err error) {
		errs = multierror.Append(errs, &ConfigurationError{Field: field, Err: err})
	}

	rc := &ResolvedConfig{
		propagator:        cfg.Propagator,
		transport:         cfg.Exporter.Transport,
		exporter:          cfg.Exporter.Exporter,
		scope:             cfg.Scope,
		url:               cfg.Exporter.URL,
		maxQueue:          cfg.Batching.MaxQueueSize,
		maxBatch:          cfg.Batching.MaxExportBatchSize,
		timeout:           cfg.Exporter.Timeout,
		completionTimeout: cfg.CompletionTimeout,
	}

	if cfg.Sampling.HeadSampler != nil {
		rc.headSampler = cfg.Sampling.HeadSampler
	} else {
		if cfg.Sampling.Ratio < 0 || cfg.Sampling.Ratio > 1 {
			fail("sampling.ratio", ErrInvalidRatio)
		}
		rc.headSampler = NewRatioSampler(cfg.Sampling.Ratio, cfg.Sampling.AcceptRemote)
	}
	rc.tailSampler = NewTailSampler(cfg.Sampling.TailPredicates...)

	strategy, err := ParseStrategy(cfg.Batching.Strategy)
	if err != nil {
		fail("batching.strategy", err)
	}
	rc.strategy = strategy

	if rc.maxQueue <= 0 {
		fail("batching.max_queue_size", ErrInvalidBatchSize)
	}
	if rc.maxBatch <= 0 {
		fail("batching.max_export_batch_size", ErrInvalidBatchSize)
	}
	if strategy == StrategySize && rc.maxBatch > rc.maxQueue {
		fail("batching.max_export_batch_size", ErrInvalidBatchSize)
	}

	if rc.exporter == nil {
		if err := validateURL(rc.url); err != nil {
			fail("exporter.url", err)
		}
	}
	if rc.timeout < 0 {
		fail("exporter.timeout", ErrInvalidTimeout)
	}
	if rc.completionTimeout < 0 {
		fail("completion_timeout", ErrInvalidTimeout)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	if rc.propagator == nil {
		rc.propagator = DefaultPropagator()
	}
	if rc.scope.Name == "" {
		rc.scope = Scope{Name: defaultScopeName, Version: Version}
	}
	rc.headers = make(map[string]string, len(cfg.Exporter.Headers))
	for k, v := range cfg.Exporter.Headers {
		rc.headers[k] = v
	}
	rc.resource = buildResource(cfg.Service)
	return rc, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

func buildResource(svc ServiceConfig) attribute.Set {
	name := svc.Name
	if name == "" {
		name = defaultServiceName
	}
	kvs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.TelemetrySDKNameKey.String("flushz"),
		semconv.TelemetrySDKLanguageGo,
		semconv.TelemetrySDKVersionKey.String(Version),
	}
	if svc.Version != "" {
		kvs = append(kvs, semconv.ServiceVersion(svc.Version))
	}
	if svc.Namespace != "" {
		kvs = append(kvs, semconv.ServiceNamespace(svc.Namespace))
	}
	return attribute.NewSet(kvs...)
}

// HeadSampler returns the head sampler, ratio based unless overridden.
func (c *ResolvedConfig) HeadSampler() HeadSampler { return c.headSampler }

// TailSampler returns the tail sampler.
func (c *ResolvedConfig) TailSampler() *TailSampler { return c.tailSampler }

// Propagator returns the text map propagator for carriers.
func (c *ResolvedConfig) Propagator() propagation.TextMapPropagator { return c.propagator }

// Resource returns the resource attributes stamped on every span.
func (c *ResolvedConfig) Resource() attribute.Set { return c.resource }

// Scope returns the instrumentation scope stamped on every span.
func (c *ResolvedConfig) Scope() Scope { return c.scope }

// Strategy returns the batching strategy.
func (c *ResolvedConfig) Strategy() Strategy { return c.strategy }

// MaxQueueSize bounds the size strategy queue.
func (c *ResolvedConfig) MaxQueueSize() int { return c.maxQueue }

// MaxExportBatchSize bounds every batch produced by the size strategy.
func (c *ResolvedConfig) MaxExportBatchSize() int { return c.maxBatch }

// URL returns the OTLP traces endpoint.
func (c *ResolvedConfig) URL() string { return c.url }

// Headers returns a copy of the export headers.
func (c *ResolvedConfig) Headers() map[string]string {
	out := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		out[k] = v
	}
	return out
}

// Timeout bounds a single export round trip. Zero means unbounded.
func (c *ResolvedConfig) Timeout() time.Duration { return c.timeout }

// CompletionTimeout bounds how long Finish waits for open traces before
// force-completing them.
func (c *ResolvedConfig) CompletionTimeout() time.Duration { return c.completionTimeout }

// Transport returns the custom transport, or nil for the default.
func (c *ResolvedConfig) Transport() Transport { return c.transport }

// Exporter returns the custom exporter, or nil when the OTLP exporter is
// used.
func (c *ResolvedConfig) Exporter() SpanExporter { return c.exporter }
