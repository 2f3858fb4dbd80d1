package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tel.Meter)
	require.NotNil(t, tel.Tracer)

	m, err := NewStorageMetrics(tel.Meter, tel.Tracer)
	require.NoError(t, err)
	m.PagesRead.Add(context.Background(), 1, OriginAttr("data"))
	m.ObserveLockWait(context.Background(), "collection", time.Now())
	require.NoError(t, shutdown(context.Background()))
}

func TestEnabledTelemetryWithoutServer(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, TraceSampleRatio: 0.5})
	require.NoError(t, err)
	require.NotNil(t, tel.MeterProvider)

	m, err := NewStorageMetrics(tel.Meter, tel.Tracer)
	require.NoError(t, err)
	_, span := m.Tracer.Start(context.Background(), "checkpoint")
	m.Checkpoints.Add(context.Background(), 1)
	span.End()
	require.NoError(t, shutdown(context.Background()))
}
