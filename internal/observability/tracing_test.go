package observability

import (
	"context"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

func TestInitTracer(t *testing.T) {
	tests := []struct {
		name string
		cfg  TracingConfig
	}{
		{name: "Export Disabled", cfg: TracingConfig{ServiceName: "genplane-controller"}},
		// gRPC dials lazily, so an unreachable collector still initialises.
		{name: "Unreachable Collector", cfg: TracingConfig{ServiceName: "genplane-controller", Endpoint: "invalid-endpoint:9999", SampleRatio: 1}},
		{name: "Sampled", cfg: TracingConfig{ServiceName: "genplane-controller", Endpoint: "localhost:4317", SampleRatio: 0.25}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracer(context.Background(), tt.cfg)
			if err != nil {
				t.Fatalf("InitTracer failed: %v", err)
			}
			if shutdown == nil {
				t.Fatal("expected shutdown function to be non-nil")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		})
	}
}

func TestServiceResource(t *testing.T) {
	res, err := serviceResource(context.Background(), "genplane-controller")
	if err != nil {
		t.Fatalf("serviceResource failed: %v", err)
	}

	want := map[string]string{
		string(semconv.ServiceNameKey):      "genplane-controller",
		string(semconv.ServiceNamespaceKey): "genplane",
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("resource %s: got %q, want %q", k, got[k], v)
		}
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		name   string
		ratio  float64
		sample bool
	}{
		{name: "Always", ratio: 1, sample: true},
		{name: "Above One", ratio: 3, sample: true},
		{name: "Never", ratio: 0, sample: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := sampler(tt.ratio).ShouldSample(sdktrace.SamplingParameters{
				ParentContext: context.Background(),
				TraceID:       trace.TraceID{1},
				Name:          "pipeline.run",
			})
			if got := res.Decision == sdktrace.RecordAndSample; got != tt.sample {
				t.Errorf("ratio %g: sampled %v, want %v", tt.ratio, got, tt.sample)
			}
		})
	}
}
