package tracing

import (
	"context"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type namesExporter struct {
	mu    sync.Mutex
	names []string
}

func (e *namesExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, span := range spans {
		e.names = append(e.names, span.Name())
	}
	return nil
}

func (e *namesExporter) Shutdown(context.Context) error { return nil }

func (e *namesExporter) exported() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.names...)
}

func TestNewProvider_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		wantErr []string
	}{
		{
			name:    "all missing",
			cfg:     ProviderConfig{SampleRate: 2},
			wantErr: []string{"service name is required", "OTLP endpoint is required", "between 0 and 1"},
		},
		{
			name:    "negative sample rate",
			cfg:     ProviderConfig{ServiceName: "jobqueue", Endpoint: "collector:4317", SampleRate: -0.1},
			wantErr: []string{"between 0 and 1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(context.Background(), tt.cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestNewProvider_InstallsGlobalProvider(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	// The gRPC exporter connects lazily, so no collector is needed here.
	provider, err := NewProvider(context.Background(), ProviderConfig{
		ServiceName: "jobqueue",
		Endpoint:    "127.0.0.1:4317",
		SampleRate:  1,
		Insecure:    true,
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if otel.GetTracerProvider() != provider.sdk {
		t.Fatal("expected the provider installed globally")
	}
	if provider.Tracer() == nil {
		t.Fatal("expected a tracer")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = provider.Shutdown(ctx)
}

func TestProvider_ShutdownFlushes(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	exporter := &namesExporter{}
	provider := install(sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter)))

	_, span := Start(context.Background(), OperationDispatch, WithQueue("emails"))
	span.End()
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := exporter.exported(); len(got) != 1 || got[0] != "jobs dispatch emails" {
		t.Fatalf("expected the dispatch span flushed, got %+v", got)
	}

	var nilProvider *Provider
	if err := nilProvider.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil provider Shutdown() error = %v", err)
	}
}
