// Package telemetry exposes the engine's OpenTelemetry counters. A nil
// *Metrics is valid and records nothing.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const InstrumentationName = "github.com/davidahmann/sentinel"

type Metrics struct {
	decisions       metric.Int64Counter
	suppressions    metric.Int64Counter
	journalFailures metric.Int64Counter
	authRejections  metric.Int64Counter
	advisorFailures metric.Int64Counter
	incidentRetries metric.Int64Counter
}

// New registers the counters on meter, or on the global meter provider when
// meter is nil.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	m := &Metrics{}
	var err error
	if m.decisions, err = meter.Int64Counter("sentinel.decisions",
		metric.WithDescription("Evaluations journaled, by computed and executed action"),
		metric.WithUnit("{decision}")); err != nil {
		return nil, err
	}
	if m.suppressions, err = meter.Int64Counter("sentinel.cooldown.suppressions",
		metric.WithDescription("Actions suppressed by the cooldown gate"),
		metric.WithUnit("{decision}")); err != nil {
		return nil, err
	}
	if m.journalFailures, err = meter.Int64Counter("sentinel.journal.failures",
		metric.WithDescription("Journal appends that failed after the gate ran"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if m.authRejections, err = meter.Int64Counter("sentinel.auth.rejections",
		metric.WithDescription("Submissions rejected for an unauthorized sender"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.advisorFailures, err = meter.Int64Counter("sentinel.advisor.failures",
		metric.WithDescription("Advisor errors replaced with a neutral annotation"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if m.incidentRetries, err = meter.Int64Counter("sentinel.incident.retries",
		metric.WithDescription("Incident bundle writes queued for retry"),
		metric.WithUnit("{bundle}")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Decision(ctx context.Context, target, computed, executed, mode string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("action.computed", computed),
		attribute.String("action.executed", executed),
		attribute.String("execution_mode", mode),
	))
}

func (m *Metrics) Suppressed(ctx context.Context, target string) {
	if m == nil {
		return
	}
	m.suppressions.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
}

func (m *Metrics) JournalFailure(ctx context.Context, target string) {
	if m == nil {
		return
	}
	m.journalFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
}

func (m *Metrics) AuthRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.authRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) AdvisorFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.advisorFailures.Add(ctx, 1)
}

func (m *Metrics) IncidentRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.incidentRetries.Add(ctx, 1)
}
