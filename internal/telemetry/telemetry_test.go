package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer)

	_, span := p.Tracer.Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInitDiscardExporterRecordsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone, ServiceName: "cascade-test"})
	require.NoError(t, err)

	_, span := p.Tracer.Start(context.Background(), "run")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "kafka"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown exporter")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero value", Config{}, false},
		{"stdout", Config{Exporter: ExporterStdout, SampleRate: 0.5}, false},
		{"unknown exporter", Config{Exporter: "zipkin"}, true},
		{"negative rate", Config{SampleRate: -0.1}, true},
		{"rate above one", Config{SampleRate: 1.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestShutdownNilProvider(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
