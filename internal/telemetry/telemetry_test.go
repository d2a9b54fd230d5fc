package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/terraconstructs/gridauth/internal/config"
)

func sums(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Sum[int64]{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = sum
			}
		}
	}
	return out
}

func valueWith(sum metricdata.Sum[int64], key, want string) int64 {
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == want {
			return dp.Value
		}
	}
	return 0
}

func TestAuthMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newAuthMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordPromotion(ctx, "forwarded")
	m.RecordPromotion(ctx, "forwarded")
	m.RecordPromotion(ctx, "fallback")
	m.RecordGuardRejection(ctx, "mismatch")
	m.RecordDelegateBuild(ctx, "config_error")
	m.RecordDelegateBuild(ctx, "ready")
	m.RecordStageInstall(ctx, "authenticate", "append", true)

	got := sums(t, reader)
	assert.Equal(t, int64(2), valueWith(got["auth.promotion.count"], AttrPromotionSource, "forwarded"))
	assert.Equal(t, int64(1), valueWith(got["auth.promotion.count"], AttrPromotionSource, "fallback"))
	assert.Equal(t, int64(1), valueWith(got["auth.guard.rejection.count"], AttrGuardReason, "mismatch"))
	assert.Equal(t, int64(1), valueWith(got["auth.delegate.build.count"], AttrBuildResult, "ready"))
	assert.Equal(t, int64(1), valueWith(got["pipeline.stage.install.count"], AttrPosition, "append"))
}

func TestAuthMetrics_NilIsNoop(t *testing.T) {
	var m *AuthMetrics
	assert.NotPanics(t, func() {
		m.RecordPromotion(context.Background(), "forwarded")
		m.RecordGuardRejection(context.Background(), "mismatch")
		m.RecordDelegateBuild(context.Background(), "error")
		m.RecordStageInstall(context.Background(), "authenticate", "after", false)
	})
}

func TestStartSpan_RecordError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	_, span := StartSpan(context.Background(), "auth.BuildVerifier", attribute.String(AttrDelegateGeneration, "gen-1"))
	RecordError(span, errors.New("jwks unreachable"))
	RecordError(span, nil)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "auth.BuildVerifier", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "jwks unreachable", ended[0].Status().Description)
	assert.Contains(t, ended[0].Attributes(), attribute.String(AttrDelegateGeneration, "gen-1"))
}

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
