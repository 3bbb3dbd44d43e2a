package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/flushz"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"
)

// Request is one export received by a Backend.
type Request struct {
	Header http.Header
	Spans  []flushz.Span
	Status int
}

// Backend is an OTLP/HTTP JSON receiver decoding every request it gets.
// It answers with a configurable status so export failures can be staged.
//
//nolint:govet // Field alignment optimized for test helper readability
type Backend struct {
	requests []Request
	server   *httptest.Server
	t        *testing.T
	status   int
	mu       sync.Mutex
}

// NewBackend starts a receiver answering 200 until told otherwise.
func NewBackend(t *testing.T) *Backend {
	t.Helper()
	b := &Backend{t: t, status: http.StatusOK}
	b.server = httptest.NewServer(b)
	t.Cleanup(b.server.Close)
	return b
}

// URL is the traces endpoint to configure the exporter with.
func (b *Backend) URL() string {
	return b.server.URL + "/v1/traces"
}

// SetStatus changes the status returned for later requests.
func (b *Backend) SetStatus(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	spans, err := flushz.UnmarshalTraces(body)
	if err != nil {
		b.t.Errorf("backend received an undecodable body: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	status := b.status
	b.requests = append(b.requests, Request{Header: r.Header.Clone(), Spans: spans, Status: status})
	b.mu.Unlock()

	w.WriteHeader(status)
}

// Requests returns every request received, accepted or not.
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

// Accepted returns the requests answered with a 2xx status.
func (b *Backend) Accepted() []Request {
	var out []Request
	for _, r := range b.Requests() {
		if r.Status >= 200 && r.Status < 300 {
			out = append(out, r)
		}
	}
	return out
}

// Spans returns every accepted span in arrival order.
func (b *Backend) Spans() []flushz.Span {
	var out []flushz.Span
	for _, r := range b.Accepted() {
		out = append(out, r.Spans...)
	}
	return out
}

// WaitForSpans polls until at least expected spans were accepted.
func (b *Backend) WaitForSpans(expected int, timeout time.Duration) []flushz.Span {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if spans := b.Spans(); len(spans) >= expected {
			return spans
		}
		time.Sleep(5 * time.Millisecond)
	}
	spans := b.Spans()
	b.t.Errorf("Timeout waiting for spans: expected %d, got %d", expected, len(spans))
	return spans
}

// NewProvider builds a provider exporting to backend over HTTP. mutate may
// adjust the configuration before it is resolved.
func NewProvider(t *testing.T, backend *Backend, mutate func(*flushz.Config)) *flushz.Provider {
	t.Helper()

	cfg := flushz.DefaultConfig()
	cfg.Exporter.URL = backend.URL()
	cfg.Exporter.Timeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := flushz.NewProvider(cfg, flushz.WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	t.Cleanup(func() {
		_ = p.Shutdown(context.Background())
	})
	return p
}

// FindSpan returns the first span named name.
func FindSpan(t *testing.T, spans []flushz.Span, name string) flushz.Span {
	t.Helper()
	for _, s := range spans {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("Span named '%s' not found in %s", name, SpanNames(spans))
	return flushz.Span{}
}

// SpanNames joins span names for failure messages.
func SpanNames(spans []flushz.Span) string {
	names := make([]string, len(spans))
	for i := range spans {
		names[i] = spans[i].Name
	}
	return strings.Join(names, ",")
}

// AssertParentChild verifies parent-child relationship.
func AssertParentChild(t *testing.T, spans []flushz.Span, parentName, childName string) {
	t.Helper()
	parent := FindSpan(t, spans, parentName)
	child := FindSpan(t, spans, childName)

	if child.ParentSpanID() != parent.SpanID {
		t.Errorf("Parent-child relationship broken: %s is not parent of %s. Child parent=%s, Parent SpanID=%s",
			parentName, childName, child.ParentSpanID(), parent.SpanID)
	}
	if child.TraceID != parent.TraceID {
		t.Errorf("Trace ID mismatch: parent=%s, child=%s", parent.TraceID, child.TraceID)
	}
}

// SpanTree represents a hierarchical view of spans.
type SpanTree struct {
	Span     flushz.Span
	Children []*SpanTree
}

// BuildSpanTree constructs a tree from flat span list. Spans whose parent
// is not in the list, remote or missing, become roots.
func BuildSpanTree(spans []flushz.Span) []*SpanTree {
	nodeMap := make(map[trace.SpanID]*SpanTree, len(spans))
	roots := make([]*SpanTree, 0)

	for i := range spans {
		nodeMap[spans[i].SpanID] = &SpanTree{Span: spans[i]}
	}
	for i := range spans {
		node := nodeMap[spans[i].SpanID]
		if parent, ok := nodeMap[spans[i].ParentSpanID()]; ok && spans[i].HasParent() {
			parent.Children = append(parent.Children, node)
			continue
		}
		roots = append(roots, node)
	}
	return roots
}

// PrintSpanTree formats span tree for debugging.
func PrintSpanTree(trees []*SpanTree) string {
	var sb strings.Builder
	for _, tree := range trees {
		printTreeNode(&sb, tree, 0)
	}
	return sb.String()
}

func printTreeNode(sb *strings.Builder, node *SpanTree, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(sb, "%s%s (%.2fms)\n",
		indent, node.Span.Name, node.Span.Duration().Seconds()*1000)
	for _, child := range node.Children {
		printTreeNode(sb, child, depth+1)
	}
}

// MockService is an HTTP service running one invocation per request. Calls
// to downstream services go through the tracing round tripper.
//
//nolint:govet // Field alignment optimized for test helper readability
type MockService struct {
	Provider   *flushz.Provider
	server     *httptest.Server
	client     *http.Client
	downstream []*MockService
	name       string
	latency    time.Duration
	fail       bool
	mu         sync.Mutex
}

// NewMockService starts a service exporting to backend with service.name
// set to name.
func NewMockService(t *testing.T, name string, backend *Backend) *MockService {
	t.Helper()
	s := &MockService{
		name:   name,
		client: &http.Client{Transport: flushz.NewRoundTripper(nil)},
		Provider: NewProvider(t, backend, func(cfg *flushz.Config) {
			cfg.Service.Name = name
		}),
	}
	s.server = httptest.NewServer(s)
	t.Cleanup(s.server.Close)
	return s
}

// URL returns the service base URL.
func (s *MockService) URL() string {
	return s.server.URL
}

// SetLatency sets the simulated work time per request.
func (s *MockService) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// SetFailure makes the service fail its requests.
func (s *MockService) SetFailure(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

// CallsTo adds a downstream dependency called on every request.
func (s *MockService) CallsTo(d *MockService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downstream = append(s.downstream, d)
}

func (s *MockService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	latency, fail := s.latency, s.fail
	downstream := append([]*MockService(nil), s.downstream...)
	s.mu.Unlock()

	ctx := flushz.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, inv := s.Provider.NewInvocation(ctx)

	err := inv.Run(ctx, s.name+" "+r.URL.Path, func(ctx context.Context) error {
		if latency > 0 {
			time.Sleep(latency)
		}
		for _, d := range downstream {
			if err := Call(ctx, s.client, d.URL()+r.URL.Path); err != nil {
				return err
			}
		}
		if fail {
			return errors.New(s.name + " failed")
		}
		return nil
	}, flushz.WithSpanKind(trace.SpanKindServer))

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Call sends a GET with ctx and reports non-2xx responses as errors.
func Call(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return nil
}
