package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/auth-core/internal/observability"
)

func TestInitMetrics_NoEndpoint(t *testing.T) {
	cfg := observability.MetricsConfig{
		ServiceName:    "test-service",
		ServiceVersion: "0.0.1",
		Environment:    "test",
		OTLPEndpoint:   "",
	}

	mp, err := observability.InitMetrics(context.Background(), cfg)

	require.NoError(t, err)
	require.NotNil(t, mp)
}

func TestInitMetrics_WithEndpointAndInterval(t *testing.T) {
	cfg := observability.MetricsConfig{
		ServiceName:    "test-service",
		ServiceVersion: "0.0.1",
		Environment:    "test",
		OTLPEndpoint:   "localhost:4317",
		ExportInterval: 5 * time.Minute,
	}

	// The gRPC exporter dials lazily, so construction succeeds without a
	// collector listening.
	mp, err := observability.InitMetrics(context.Background(), cfg)

	require.NoError(t, err)
	require.NotNil(t, mp)

	// Shutdown forces a final flush toward the absent collector; the error
	// is expected and not asserted here.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = mp.Shutdown(ctx)
}

func TestMetricsProvider_ShutdownNilProvider(t *testing.T) {
	mp := &observability.MetricsProvider{}

	err := mp.Shutdown(context.Background())

	assert.NoError(t, err)
}

func TestMetricsProvider_Shutdown(t *testing.T) {
	cfg := observability.MetricsConfig{
		ServiceName:    "test-service",
		ServiceVersion: "0.0.1",
		Environment:    "test",
		OTLPEndpoint:   "",
	}

	mp, err := observability.InitMetrics(context.Background(), cfg)
	require.NoError(t, err)

	err = mp.Shutdown(context.Background())

	assert.NoError(t, err)
}
