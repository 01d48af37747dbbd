package tracing

import (
	"context"
	"testing"
)

func TestTracer_NoopWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	tr := Tracer("test-noop")
	if tr == nil {
		t.Fatal("expected a non-nil tracer even without an OTLP endpoint configured")
	}
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		want     string
	}{
		{name: "strips https scheme", endpoint: "https://collector:4318", want: "collector:4318"},
		{name: "strips http scheme", endpoint: "http://collector:4318", want: "collector:4318"},
		{name: "leaves bare host unchanged", endpoint: "collector:4318", want: "collector:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := endpointHost(tt.endpoint)
			if got != tt.want {
				t.Errorf("endpointHost(%q) = %q, want %q", tt.endpoint, got, tt.want)
			}
		})
	}
}

func TestShutdown_NoopWhenNeverInitialized(t *testing.T) {
	// Shutdown must tolerate being called before any Tracer() call ever wired
	// a real SDK provider (the common case: OTEL_EXPORTER_OTLP_ENDPOINT unset
	// for the whole process lifetime).
	if sdkProvider != nil {
		t.Skip("sdkProvider already initialized by an earlier test in this run")
	}
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("expected nil error from Shutdown with no sdkProvider, got %v", err)
	}
}
