// Package telemetry wires OpenTelemetry tracing for prep-cli.
package telemetry

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/sells-group/prep-cli/internal/config"
)

// Version is reported as service.version on every span.
var Version = "dev"

// InitTracer installs a global tracer provider for the configured exporter
// and returns a shutdown function that flushes pending spans. Exporter
// "none" leaves the no-op provider in place.
func InitTracer(ctx context.Context, cfg config.TelemetryConfig) (func(), error) {
	return initTracer(ctx, cfg, nil)
}

// initTracer lets tests redirect the stdout exporter.
func initTracer(ctx context.Context, cfg config.TelemetryConfig, w io.Writer) (func(), error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch strings.ToLower(cfg.Exporter) {
	case "", "none":
		return func() {}, nil
	case "otlp":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, eris.Wrap(err, "telemetry: create otlp exporter")
		}
	case "stdout":
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if w != nil {
			opts = append(opts, stdouttrace.WithWriter(w))
		}
		exporter, err = stdouttrace.New(opts...)
		if err != nil {
			return nil, eris.Wrap(err, "telemetry: create stdout exporter")
		}
	default:
		return nil, eris.Errorf("telemetry: unknown exporter %q", cfg.Exporter)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "prep-cli"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(Version),
		),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: create resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	zap.L().Info("tracing enabled",
		zap.String("exporter", cfg.Exporter),
		zap.String("service", name),
	)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			zap.L().Warn("telemetry: shutdown tracer provider", zap.Error(err))
		}
	}
	return shutdown, nil
}
