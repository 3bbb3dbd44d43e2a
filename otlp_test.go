package flushz

import (
	"math"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func richSpan() Span {
	traceID := trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36}
	start := testEpoch.Add(250 * time.Millisecond)
	return Span{
		Name:     "GET /orders",
		TraceID:  traceID,
		SpanID:   trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		Kind:     trace.SpanKindServer,
		Decision: RecordAndSample,
		Parent: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: traceID,
			SpanID:  trace.SpanID{0x01},
		}),
		StartTime: start,
		EndTime:   start.Add(42 * time.Millisecond),
		Attributes: attribute.NewSet(
			attribute.String("http.method", "GET"),
			attribute.Int64("http.status_code", 500),
			attribute.Bool("retry", false),
			attribute.Float64("ratio", 0.25),
			attribute.StringSlice("tags", []string{"a", "b"}),
			attribute.Int64Slice("codes", []int64{1, 2}),
		),
		Resource: attribute.NewSet(attribute.String("service.name", "orders")),
		Scope:    Scope{Name: "orders/http", Version: "1.2.0"},
		Status:   Status{Code: codes.Error, Description: "boom"},
		Events: []Event{{
			Time:       start.Add(time.Millisecond),
			Name:       "exception",
			Attributes: []attribute.KeyValue{attribute.String("exception.message", "boom")},
		}},
		Links: []Link{{
			SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: trace.TraceID{0x09},
				SpanID:  trace.SpanID{0x09},
			}),
		}},
	}
}

func TestMarshalTracesRoundTrip(t *testing.T) {
	in := richSpan()

	body, err := MarshalTraces([]Span{in})
	require.NoError(t, err)

	out, err := UnmarshalTraces(body)
	require.NoError(t, err)
	require.Len(t, out, 1)
	got := out[0]

	assert.Equal(t, in.Name, got.Name)
	assert.Equal(t, in.TraceID, got.TraceID)
	assert.Equal(t, in.SpanID, got.SpanID)
	assert.Equal(t, in.ParentSpanID(), got.ParentSpanID())
	assert.Equal(t, in.Kind, got.Kind)
	assert.Equal(t, RecordAndSample, got.Decision)
	assert.True(t, in.StartTime.Equal(got.StartTime))
	assert.True(t, in.EndTime.Equal(got.EndTime))
	assert.Equal(t, in.Status, got.Status)
	assert.Equal(t, in.Scope, got.Scope)
	assert.True(t, in.Attributes.Equals(&got.Attributes), "attributes: %v", got.Attributes.ToSlice())
	assert.True(t, in.Resource.Equals(&got.Resource))

	require.Len(t, got.Events, 1)
	assert.Equal(t, "exception", got.Events[0].Name)
	assert.True(t, in.Events[0].Time.Equal(got.Events[0].Time))
	require.Len(t, got.Links, 1)
	assert.Equal(t, in.Links[0].SpanContext.SpanID(), got.Links[0].SpanContext.SpanID())
}

func TestMarshalTracesWireFormat(t *testing.T) {
	body, err := MarshalTraces([]Span{richSpan()})
	require.NoError(t, err)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &env))

	rs := env["resourceSpans"].([]interface{})[0].(map[string]interface{})
	ss := rs["scopeSpans"].([]interface{})[0].(map[string]interface{})
	span := ss["spans"].([]interface{})[0].(map[string]interface{})

	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span["traceId"])
	assert.Equal(t, "00f067aa0ba902b7", span["spanId"])
	assert.Equal(t, float64(2), span["kind"], "server kind")
	assert.Equal(t, float64(1), span["flags"], "sampled flag")

	status := span["status"].(map[string]interface{})
	assert.Equal(t, float64(2), status["code"], "otel Error is OTLP code 2")

	var code map[string]interface{}
	for _, a := range span["attributes"].([]interface{}) {
		kv := a.(map[string]interface{})
		if kv["key"] == "http.status_code" {
			code = kv["value"].(map[string]interface{})
		}
	}
	require.NotNil(t, code)
	assert.Equal(t, "500", code["intValue"], "64-bit integers are strings on the wire")
}

func TestMarshalTracesStatusCodes(t *testing.T) {
	tests := []struct {
		code codes.Code
		want int
	}{
		{codes.Unset, 0},
		{codes.Ok, 1},
		{codes.Error, 2},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, toOTLPStatus(tt.code))
			assert.Equal(t, tt.code, fromOTLPStatus(tt.want))
		})
	}
}

func TestMarshalTracesGroupsByResourceAndScope(t *testing.T) {
	orders := attribute.NewSet(attribute.String("service.name", "orders"))
	billing := attribute.NewSet(attribute.String("service.name", "billing"))
	httpScope := Scope{Name: "http"}
	dbScope := Scope{Name: "db"}

	spans := []Span{
		{Name: "o1", Resource: orders, Scope: httpScope, TraceID: trace.TraceID{1}, SpanID: trace.SpanID{1}},
		{Name: "b1", Resource: billing, Scope: httpScope, TraceID: trace.TraceID{1}, SpanID: trace.SpanID{2}},
		{Name: "o2", Resource: orders, Scope: dbScope, TraceID: trace.TraceID{1}, SpanID: trace.SpanID{3}},
		{Name: "o3", Resource: orders, Scope: httpScope, TraceID: trace.TraceID{1}, SpanID: trace.SpanID{4}},
	}

	env := buildTraces(spans)
	require.Len(t, env.ResourceSpans, 2)

	first := env.ResourceSpans[0]
	require.Len(t, first.ScopeSpans, 2)
	assert.Equal(t, "http", first.ScopeSpans[0].Scope.Name)
	require.Len(t, first.ScopeSpans[0].Spans, 2)
	assert.Equal(t, "o1", first.ScopeSpans[0].Spans[0].Name)
	assert.Equal(t, "o3", first.ScopeSpans[0].Spans[1].Name)
	assert.Equal(t, "o2", first.ScopeSpans[1].Spans[0].Name)

	second := env.ResourceSpans[1]
	require.Len(t, second.ScopeSpans, 1)
	assert.Equal(t, "b1", second.ScopeSpans[0].Spans[0].Name)

	body, err := MarshalTraces(spans)
	require.NoError(t, err)
	decoded, err := UnmarshalTraces(body)
	require.NoError(t, err)
	assert.Equal(t, "o1,o3,o2,b1", spanNames(decoded))
}

func TestMarshalTracesEmpty(t *testing.T) {
	body, err := MarshalTraces(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"resourceSpans":[]}`, string(body))
}

func TestUnmarshalTracesAcceptsPlainIntegers(t *testing.T) {
	body := `{"resourceSpans":[{"resource":{"attributes":[]},"scopeSpans":[{"scope":{"name":"s"},"spans":[{
		"traceId":"4bf92f3577b34da6a3ce929d0e0e4736","spanId":"00f067aa0ba902b7","name":"n","kind":1,
		"startTimeUnixNano":"0","endTimeUnixNano":"0",
		"attributes":[{"key":"count","value":{"intValue":7}}],"status":{"code":0}}]}]}]}`

	spans, err := UnmarshalTraces([]byte(body))
	require.NoError(t, err)
	require.Len(t, spans, 1)

	v, ok := spans[0].Attributes.Value("count")
	require.True(t, ok)
	assert.Equal(t, int64(7), v.AsInt64())
	assert.True(t, spans[0].StartTime.IsZero())
	assert.Equal(t, RecordOnly, spans[0].Decision)
	assert.False(t, spans[0].HasParent())
}

func TestUnmarshalTracesRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"bad trace id", `{"resourceSpans":[{"scopeSpans":[{"spans":[{"traceId":"zz","spanId":"00f067aa0ba902b7"}]}]}]}`},
		{"empty value", `{"resourceSpans":[{"resource":{"attributes":[{"key":"k","value":{}}]}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalTraces([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestMarshalTracesNonFiniteDoubles(t *testing.T) {
	span := richSpan()
	span.Attributes = attribute.NewSet(
		attribute.Float64("nan", math.NaN()),
		attribute.Float64("pos", math.Inf(1)),
		attribute.Float64Slice("mixed", []float64{1.5, math.Inf(-1)}),
	)

	body, err := MarshalTraces([]Span{span})
	require.NoError(t, err, "one bad float must not fail the batch")
	assert.Contains(t, string(body), `"doubleValue":"NaN"`)
	assert.Contains(t, string(body), `"doubleValue":"Infinity"`)
	assert.Contains(t, string(body), `"doubleValue":"-Infinity"`)

	spans, err := UnmarshalTraces(body)
	require.NoError(t, err)
	require.Len(t, spans, 1)

	nan, ok := spans[0].Attributes.Value("nan")
	require.True(t, ok)
	assert.True(t, math.IsNaN(nan.AsFloat64()))
	pos, _ := spans[0].Attributes.Value("pos")
	assert.True(t, math.IsInf(pos.AsFloat64(), 1))
	mixed, _ := spans[0].Attributes.Value("mixed")
	assert.Equal(t, 1.5, mixed.AsFloat64Slice()[0])
	assert.True(t, math.IsInf(mixed.AsFloat64Slice()[1], -1))
}
