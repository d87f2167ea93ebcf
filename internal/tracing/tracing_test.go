package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/kenneth/file-custody/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: false}, logrus.New())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestSetup_RejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "jaeger"}, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported tracing exporter")
}

func TestNewExporter_OTLPNeedsEndpoint(t *testing.T) {
	_, err := newExporter(context.Background(), config.TracingConfig{Exporter: "otlp"}, nil)
	require.Error(t, err)
}

func TestNewExporter_Stdout(t *testing.T) {
	var buf bytes.Buffer
	exp, err := newExporter(context.Background(), config.TracingConfig{Exporter: "stdout"}, &buf)
	require.NoError(t, err)
	require.NoError(t, exp.Shutdown(context.Background()))
}

func TestSamplingRatio(t *testing.T) {
	assert.Equal(t, 0.0, samplingRatio(-1))
	assert.Equal(t, 0.25, samplingRatio(0.25))
	assert.Equal(t, 1.0, samplingRatio(3))
}
