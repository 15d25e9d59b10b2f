package instrumentation

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "disabled", config: Config{}},
		{name: "enabled", config: Config{Enabled: true, ServiceName: "idp", ServiceVersion: "1.0.0"}},
		{name: "enabled with span exporter", config: Config{Enabled: true, SpanExporter: tracetest.NewInMemoryExporter()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if inst.Meter("server") == nil {
				t.Error("Meter() returned nil")
			}
			if inst.Tracer("server") == nil {
				t.Error("Tracer() returned nil")
			}
			if inst.Metrics() == nil {
				t.Fatal("Metrics() returned nil")
			}
			if inst.config.ServiceName == "" {
				t.Error("ServiceName default not applied")
			}
		})
	}
}

func TestInstrumentation_PrometheusExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	inst, err := New(Config{Enabled: true, Registry: reg})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	inst.Metrics().RecordGrant(ctx, "client_credentials", "console client", "success")
	inst.Metrics().RecordTokenIssued(ctx, "access", "jwt")
	if err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return 3 }, nil, func() int64 { return 1 },
	); err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	rec := httptest.NewRecorder()
	inst.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{"idp_grant_requests", `grant_type="client_credentials"`, "idp_tokens_issued", "idp_storage_sessions"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestInstrumentation_DisabledMetricsHandler(t *testing.T) {
	inst := NewNoop()
	rec := httptest.NewRecorder()
	inst.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if err := inst.ForceFlush(context.Background()); err != nil {
		t.Errorf("ForceFlush() error = %v", err)
	}
}

func TestInstrumentation_SpansExported(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	inst, err := New(Config{Enabled: true, SpanExporter: exp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, span := inst.Tracer("storage").Start(context.Background(), "memory.consume_session")
	AddStorageAttributes(span, "consume_session", "memory")
	RecordError(span, errors.New("boom"))
	span.End()

	// the in-memory exporter forgets its spans on shutdown
	if err := inst.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "memory.consume_session" {
		t.Fatalf("exported spans = %v, want one consume span", spans)
	}
	if got := spans[0].Status.Code; got != codes.Error {
		t.Errorf("span status = %v, want %v", got, codes.Error)
	}

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	// second shutdown is a no-op
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			m := inst.Metrics()
			m.RecordStorageOperation(ctx, "create_session", "success", 0.5)
			m.RecordCodeReuseDetected(ctx)
			m.RecordHTTPRequest(ctx, "POST", "/connect/token", 200, 1.2)
		}()
	}
	wg.Wait()
}

func TestSpanHelpers_NilSafe(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "x")
	SetSpanAttributes(nil)
	AddGrantAttributes(nil, "c", "password", "openid")
}
