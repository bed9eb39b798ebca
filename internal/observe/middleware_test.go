package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumented wires Middleware in front of a small mux and returns the
// readers needed to inspect what it recorded.
func instrumented(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Trace", CorrelationID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/call", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	return Middleware(m)(mux), reader, exp
}

func serve(h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func durationPoints(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxline.http.request.duration")
	if met == nil {
		t.Fatal("voxline.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration data is %T, want histogram", met.Data)
	}
	return hist.DataPoints
}

func TestMiddleware_CorrelationHeaderMatchesContext(t *testing.T) {
	h, _, _ := instrumented(t)

	rec := serve(h, http.MethodGet, "/api/agents/service", nil)
	seen := rec.Header().Get("X-Seen-Trace")
	if len(seen) != 32 {
		t.Fatalf("handler saw trace id %q, want 32 hex chars", seen)
	}
	if got := rec.Header().Get(CorrelationHeader); got != seen {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, seen)
	}
}

func TestMiddleware_HonoursTraceparent(t *testing.T) {
	h, _, _ := instrumented(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec := serve(h, http.MethodGet, "/api/agents/service", http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	})
	if got := rec.Header().Get("X-Seen-Trace"); got != traceID {
		t.Errorf("handler trace id = %q, want %q", got, traceID)
	}
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	h, _, exp := instrumented(t)

	serve(h, http.MethodPost, "/api/call", nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "HTTP POST /api/call" {
		t.Errorf("span name = %q", s.Name)
	}
	var status int64
	for _, a := range s.Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusConflict {
		t.Errorf("span status attribute = %d, want 409", status)
	}
}

func TestMiddleware_DurationLabels(t *testing.T) {
	h, reader, _ := instrumented(t)

	serve(h, http.MethodGet, "/api/agents/service", nil)
	serve(h, http.MethodGet, "/api/agents/billing", nil)
	serve(h, http.MethodGet, "/nowhere", nil)

	counts := map[string]uint64{}
	for _, dp := range durationPoints(t, reader) {
		route, _ := dp.Attributes.Value(attribute.Key("route"))
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		counts[route.AsString()+" "+status.AsString()] += dp.Count
	}

	tests := []struct {
		key  string
		want uint64
	}{
		{"GET /api/agents/{id} 200", 2},
		{"unmatched 404", 1},
	}
	for _, tt := range tests {
		if counts[tt.key] != tt.want {
			t.Errorf("count[%q] = %d, want %d (all: %v)", tt.key, counts[tt.key], tt.want, counts)
		}
	}
}
