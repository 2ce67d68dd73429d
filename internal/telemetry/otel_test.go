package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/sells-group/prep-cli/internal/config"
)

func TestInitTracer_None(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := InitTracer(context.Background(), config.TelemetryConfig{Exporter: "none"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()

	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestInitTracer_StdoutExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := initTracer(context.Background(), config.TelemetryConfig{
		Exporter:    "stdout",
		ServiceName: "prep-test",
	}, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "pipeline.research_meeting")
	span.End()
	shutdown()

	assert.Contains(t, buf.String(), "pipeline.research_meeting")
	assert.Contains(t, buf.String(), "prep-test")
}

func TestInitTracer_UnknownExporter(t *testing.T) {
	_, err := InitTracer(context.Background(), config.TelemetryConfig{Exporter: "zipkin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown exporter")
}
