package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeExporter struct {
	exported []sdktrace.ReadOnlySpan
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.exported = append(f.exported, spans...)
	return nil
}

func (f *fakeExporter) Shutdown(_ context.Context) error {
	f.shutdown = true
	return nil
}

func restoreGlobalProvider(t *testing.T) {
	t.Helper()
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
}

func TestInitUsesEnvironmentEndpointAndResourceAttributes(t *testing.T) {
	restoreGlobalProvider(t)
	originalVersion := ServiceVersion
	ServiceVersion = "v1.2.3-test"
	defer func() { ServiceVersion = originalVersion }()

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("IRCTEST_ENV", "CI")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Settings{Endpoint: "http://from-config:4318"})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	if capturedEndpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q, want environment to win over config", capturedEndpoint)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "suite.run")
	span.End()

	shutdown()
	if !fake.shutdown {
		t.Fatal("expected exporter shutdown on telemetry shutdown")
	}
	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}

	attrs := fake.exported[0].Resource().Attributes()
	assertResourceAttribute(t, attrs, "service.name", ServiceName)
	assertResourceAttribute(t, attrs, "service.version", "v1.2.3-test")
	assertResourceAttribute(t, attrs, "environment", "ci")
}

func TestInitDisabledWithoutEndpoint(t *testing.T) {
	restoreGlobalProvider(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	called := false
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		called = true
		return &fakeExporter{}, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Settings{})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	if shutdown == nil {
		t.Fatal("shutdown must not be nil when tracing is disabled")
	}
	shutdown()
	if called {
		t.Fatal("exporter factory should not run without an endpoint")
	}
}

func TestInitUsesConfiguredEndpoint(t *testing.T) {
	restoreGlobalProvider(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return &fakeExporter{}, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Settings{Endpoint: " http://from-config:4318 "})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	defer shutdown()

	if capturedEndpoint != "http://from-config:4318" {
		t.Fatalf("endpoint = %q, want configured endpoint", capturedEndpoint)
	}
}

func TestInitConsoleEndpoint(t *testing.T) {
	restoreGlobalProvider(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	var out bytes.Buffer
	shutdown, err := Init(context.Background(), Settings{Endpoint: ConsoleEndpoint, Console: &out})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "service.start")
	span.AddEvent("ready")
	span.End()
	shutdown()

	got := out.String()
	if !strings.Contains(got, "[SPAN] service.start") || !strings.Contains(got, "[EVENT] ready") {
		t.Fatalf("console output = %q", got)
	}
}

func TestInitFallsBackToConsoleOnExporterError(t *testing.T) {
	restoreGlobalProvider(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	})
	defer restoreFactory()

	var out bytes.Buffer
	shutdown, err := Init(context.Background(), Settings{Console: &out})
	if err != nil {
		t.Fatalf("Init() error = %v, want console fallback", err)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "session.run")
	span.End()
	shutdown()

	got := out.String()
	if !strings.Contains(got, "dial failed") || !strings.Contains(got, "[SPAN] session.run") {
		t.Fatalf("console output = %q, want warning and span", got)
	}
}

func TestTLSConfigFromCertificate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if _, err := tlsConfigFromCertificate(path); err == nil || !strings.Contains(err.Error(), "no certificates found") {
		t.Fatalf("tlsConfigFromCertificate() error = %v", err)
	}
	if _, err := tlsConfigFromCertificate(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Fatal("expected missing certificate error")
	}
}

func TestBatchConfigConstants(t *testing.T) {
	if BatchSize != 512 {
		t.Fatalf("BatchSize = %d, want 512", BatchSize)
	}
	if BatchTimeout != 5*time.Second {
		t.Fatalf("BatchTimeout = %s, want 5s", BatchTimeout)
	}
}

func assertResourceAttribute(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != want {
				t.Fatalf("resource attr %s = %q, want %q", key, attr.Value.AsString(), want)
			}
			return
		}
	}
	t.Fatalf("resource attribute %q not found", key)
}

func TestResolveEnvironmentFallback(t *testing.T) {
	t.Setenv("IRCTEST_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "staging")

	if got := resolveEnvironment(); got != "staging" {
		t.Fatalf("environment = %q, want staging", got)
	}
}
