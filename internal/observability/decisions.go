package observability

import (
	"context"

	"gatekeeper/internal/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DecisionMetrics counts admission outcomes and credit token operations. It
// satisfies admission.Recorder.
type DecisionMetrics struct {
	decisions  metric.Int64Counter
	burst      metric.Int64Counter
	confidence metric.Float64Histogram
	credits    metric.Int64Counter
}

// NewDecisionMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewDecisionMetrics(meter metric.Meter) (*DecisionMetrics, error) {
	if meter == nil {
		meter = otel.Meter(admissionScope)
	}

	decisions, err := meter.Int64Counter(
		"admission.decisions",
		metric.WithDescription("Admission decisions by outcome and identity method"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	burst, err := meter.Int64Counter(
		"admission.burst.suspicious",
		metric.WithDescription("Decisions whose burst analysis flagged suspicious activity"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	confidence, err := meter.Float64Histogram(
		"admission.fingerprint.confidence",
		metric.WithDescription("Confidence of fingerprints used as identity"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0),
	)
	if err != nil {
		return nil, err
	}

	credits, err := meter.Int64Counter(
		"credit.operations",
		metric.WithDescription("Credit token issue and redeem outcomes"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	return &DecisionMetrics{
		decisions:  decisions,
		burst:      burst,
		confidence: confidence,
		credits:    credits,
	}, nil
}

func (m *DecisionMetrics) RecordDecision(ctx context.Context, d models.AdmissionDecision) {
	outcome := "allowed"
	if !d.Allowed {
		outcome = d.Reason
		if outcome == "" {
			outcome = "denied"
		}
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("method", string(d.Method)),
	))

	if d.Burst != nil && d.Burst.SuspiciousActivity {
		m.burst.Add(ctx, 1, metric.WithAttributes(attribute.String("level", string(d.Burst.BurstLevel))))
	}
	if d.Confidence != nil {
		m.confidence.Record(ctx, *d.Confidence, metric.WithAttributes(attribute.String("method", string(d.Method))))
	}
}

func (m *DecisionMetrics) RecordCredit(ctx context.Context, operation, outcome string) {
	m.credits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}
