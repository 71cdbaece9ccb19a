package observability

import (
	"context"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxbridge-dev/voxbridge/pkg/fault"
)

// ServiceName identifies this service in traces.
const ServiceName = "voxbridge"

var (
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
)

// TracingConfig selects the span exporter.
type TracingConfig struct {
	// Exporter is "otlp", "stdout", or "none".
	Exporter string

	// Endpoint is the OTLP collector URL when Exporter is "otlp".
	Endpoint string

	// Headers carry OTLP request headers such as authorization.
	Headers map[string]string
}

// TracingFromEnv reads the standard OpenTelemetry environment variables.
func TracingFromEnv() TracingConfig {
	return TracingConfig{
		Exporter: envOr("OTEL_TRACES_EXPORTER", "none"),
		Endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Headers:  parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
	}
}

// InitTracing installs the global tracer provider.
func InitTracing(cfg TracingConfig) error {
	if cfg.Exporter == "" || cfg.Exporter == "none" {
		tracer = otel.GetTracerProvider().Tracer(ServiceName)
		return nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(ServiceName)))
	if err != nil {
		return fault.New(fault.KindConfig, "observability.init", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return fault.Newf(fault.KindConfig, "observability.init", "unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return fault.New(fault.KindConfig, "observability.init", err)
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	tracer = tracerProvider.Tracer(ServiceName)
	return nil
}

// StartSpan opens a span on the service tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(ServiceName)
	}
	return tracer.Start(ctx, name, opts...)
}

// ShutdownTracing flushes pending spans.
func ShutdownTracing(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return tracerProvider.Shutdown(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseHeaders(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok {
			headers[k] = v
		}
	}
	return headers
}
