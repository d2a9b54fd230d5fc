package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Common metric attribute keys
const (
	AttrPromotionSource    = "auth.promotion.source" // forwarded, fallback
	AttrGuardReason        = "auth.guard.reason"     // mismatch
	AttrBuildResult        = "auth.delegate.result"  // ready, config_error, error
	AttrDelegateGeneration = "auth.delegate.generation"
	AttrStage              = "pipeline.stage"
	AttrPosition           = "pipeline.position" // before, after, append
	AttrDegraded           = "pipeline.degraded"
)

// AuthMetrics holds metric instruments for the request-boundary auth core.
// A nil *AuthMetrics is valid and records nothing.
type AuthMetrics struct {
	Promotions      metric.Int64Counter // Authorization header populated by the promoter
	GuardRejections metric.Int64Counter // Requests rejected by the header guard
	DelegateBuilds  metric.Int64Counter // Verifier construction attempts
	StageInstalls   metric.Int64Counter // Pipeline insertions at boot
}

// NewAuthMetrics creates metric instruments on the global meter provider.
func NewAuthMetrics() (*AuthMetrics, error) {
	return newAuthMetrics(otel.Meter("gridauth/auth"))
}

func newAuthMetrics(meter metric.Meter) (*AuthMetrics, error) {
	promotions, err := meter.Int64Counter(
		"auth.promotion.count",
		metric.WithDescription("Requests whose primary authorization header was populated"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	guardRejections, err := meter.Int64Counter(
		"auth.guard.rejection.count",
		metric.WithDescription("Requests rejected by the forwarded header guard"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	delegateBuilds, err := meter.Int64Counter(
		"auth.delegate.build.count",
		metric.WithDescription("Token verifier construction attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	stageInstalls, err := meter.Int64Counter(
		"pipeline.stage.install.count",
		metric.WithDescription("Pipeline stages installed at boot"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		return nil, err
	}

	return &AuthMetrics{
		Promotions:      promotions,
		GuardRejections: guardRejections,
		DelegateBuilds:  delegateBuilds,
		StageInstalls:   stageInstalls,
	}, nil
}

// RecordPromotion records that the primary header was set from source.
func (a *AuthMetrics) RecordPromotion(ctx context.Context, source string) {
	if a == nil {
		return
	}
	a.Promotions.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrPromotionSource, source)))
}

// RecordGuardRejection records a request rejected by the header guard.
func (a *AuthMetrics) RecordGuardRejection(ctx context.Context, reason string) {
	if a == nil {
		return
	}
	a.GuardRejections.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrGuardReason, reason)))
}

// RecordDelegateBuild records a verifier construction attempt and its result.
func (a *AuthMetrics) RecordDelegateBuild(ctx context.Context, result string) {
	if a == nil {
		return
	}
	a.DelegateBuilds.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrBuildResult, result)))
}

// RecordStageInstall records where a pipeline stage ended up.
func (a *AuthMetrics) RecordStageInstall(ctx context.Context, stage, position string, degraded bool) {
	if a == nil {
		return
	}
	a.StageInstalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStage, stage),
		attribute.String(AttrPosition, position),
		attribute.Bool(AttrDegraded, degraded),
	))
}
