package onboarding

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ahrav/agent-onboarding/internal/domain/onboarding"
)

// ServiceMetrics defines the metrics recorded by the onboarding service.
type ServiceMetrics interface {
	// IncAction counts a finished action. code is empty on success.
	IncAction(ctx context.Context, action Action, code domain.ErrorCode)
	// IncAutoApprovalVerdict counts auto-approval policy outcomes.
	IncAutoApprovalVerdict(ctx context.Context, provider domain.Provider, reason domain.ApprovalReason)
	// IncVersionConflict counts commits rejected by the repository's version check.
	IncVersionConflict(ctx context.Context)
	// IncPublishErrors counts domain events that could not be published.
	IncPublishErrors(ctx context.Context)
}

type serviceMetrics struct {
	actions          metric.Int64Counter
	verdicts         metric.Int64Counter
	versionConflicts metric.Int64Counter
	publishErrors    metric.Int64Counter
}

const namespace = "onboarding"

// NewServiceMetrics creates the onboarding service metrics.
func NewServiceMetrics(mp metric.MeterProvider) (*serviceMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(serviceMetrics)
	var err error

	if m.actions, err = meter.Int64Counter(
		"actions_total",
		metric.WithDescription("Total number of onboarding actions by outcome"),
	); err != nil {
		return nil, err
	}

	if m.verdicts, err = meter.Int64Counter(
		"auto_approval_verdicts_total",
		metric.WithDescription("Total number of auto-approval verdicts by reason"),
	); err != nil {
		return nil, err
	}

	if m.versionConflicts, err = meter.Int64Counter(
		"version_conflicts_total",
		metric.WithDescription("Total number of commits rejected due to a stale project version"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"event_publish_errors_total",
		metric.WithDescription("Total number of domain events that failed to publish"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *serviceMetrics) IncAction(ctx context.Context, action Action, code domain.ErrorCode) {
	outcome := "success"
	if code != "" {
		outcome = code.String()
	}
	m.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("outcome", outcome),
	))
}

func (m *serviceMetrics) IncAutoApprovalVerdict(ctx context.Context, provider domain.Provider, reason domain.ApprovalReason) {
	m.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider.String()),
		attribute.String("reason", string(reason)),
	))
}

func (m *serviceMetrics) IncVersionConflict(ctx context.Context) { m.versionConflicts.Add(ctx, 1) }

func (m *serviceMetrics) IncPublishErrors(ctx context.Context) { m.publishErrors.Add(ctx, 1) }
