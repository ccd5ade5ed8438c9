package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the compliance domain metrics. A nil *Registry is valid and
// records nothing, so services can run without telemetry.
type Registry struct {
	meter metric.Meter

	ConsentChanges       metric.Int64Counter
	GrievancesSubmitted  metric.Int64Counter
	GrievanceTransitions metric.Int64Counter
	SLABreaches          metric.Int64Counter
	DeletionRequests     metric.Int64Counter
	PrincipalsPurged     metric.Int64Counter
	ConsistencyFailures  metric.Int64Counter
	AuditEvents          metric.Int64Counter
	Anomalies            metric.Int64Counter
	AnomalyScore         metric.Float64Histogram
	Notifications        metric.Int64Counter
	SweepDuration        metric.Float64Histogram
	PendingPurges        metric.Int64ObservableGauge

	mu            sync.RWMutex
	pendingPurges int64
}

// NewRegistry creates the registry on the global meter provider.
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{meter: otel.Meter(meterName)}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&r.ConsentChanges, "compliance.consent.changes_total", "Consent ledger appends by purpose and status"},
		{&r.GrievancesSubmitted, "compliance.grievance.submitted_total", "Grievances submitted by category"},
		{&r.GrievanceTransitions, "compliance.grievance.transitions_total", "Grievance status transitions"},
		{&r.SLABreaches, "compliance.grievance.sla_breaches_total", "Grievances flagged as past their SLA deadline"},
		{&r.DeletionRequests, "compliance.erasure.requests_total", "Deletion requests opened and cancelled"},
		{&r.PrincipalsPurged, "compliance.erasure.purged_total", "Principals purged after the cooling-off window"},
		{&r.ConsistencyFailures, "compliance.erasure.consistency_failures_total", "Purges that failed post-commit verification"},
		{&r.AuditEvents, "compliance.audit.events_total", "Audit events by category and severity"},
		{&r.Anomalies, "compliance.audit.anomalies_total", "Audit events classified as anomalies"},
		{&r.Notifications, "compliance.notify.deliveries_total", "Notification delivery attempts by kind and outcome"},
	}
	for _, c := range counters {
		counter, err := r.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	var err error
	r.AnomalyScore, err = r.meter.Float64Histogram(
		"compliance.audit.anomaly_score",
		metric.WithDescription("Distribution of anomaly scores for security-relevant events"),
		metric.WithExplicitBucketBoundaries(0, 0.1, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 1),
	)
	if err != nil {
		return nil, err
	}

	r.SweepDuration, err = r.meter.Float64Histogram(
		"compliance.sweep.duration",
		metric.WithDescription("Duration of scheduled sweeps"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	r.PendingPurges, err = r.meter.Int64ObservableGauge(
		"compliance.erasure.pending",
		metric.WithDescription("Principals due for purge at the last sweep"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.pendingPurges)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if r == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (r *Registry) RecordConsentChange(ctx context.Context, purpose, status string) {
	if r == nil {
		return
	}
	r.add(ctx, r.ConsentChanges, attribute.String("purpose", purpose), attribute.String("status", status))
}

func (r *Registry) RecordGrievanceSubmitted(ctx context.Context, category string) {
	if r == nil {
		return
	}
	r.add(ctx, r.GrievancesSubmitted, attribute.String("category", category))
}

func (r *Registry) RecordGrievanceTransition(ctx context.Context, from, to string) {
	if r == nil {
		return
	}
	r.add(ctx, r.GrievanceTransitions, attribute.String("from", from), attribute.String("to", to))
}

func (r *Registry) RecordSLABreach(ctx context.Context) {
	if r == nil {
		return
	}
	r.add(ctx, r.SLABreaches)
}

func (r *Registry) RecordDeletionRequest(ctx context.Context, action string) {
	if r == nil {
		return
	}
	r.add(ctx, r.DeletionRequests, attribute.String("action", action))
}

func (r *Registry) RecordPurge(ctx context.Context, ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.add(ctx, r.PrincipalsPurged)
		return
	}
	r.add(ctx, r.ConsistencyFailures)
}

func (r *Registry) RecordAuditEvent(ctx context.Context, category, severity string, anomaly bool, score float64, scored bool) {
	if r == nil {
		return
	}
	r.add(ctx, r.AuditEvents, attribute.String("category", category), attribute.String("severity", severity))
	if anomaly {
		r.add(ctx, r.Anomalies, attribute.String("severity", severity))
	}
	if scored && r.AnomalyScore != nil {
		r.AnomalyScore.Record(ctx, score, metric.WithAttributes(attribute.String("category", category)))
	}
}

func (r *Registry) RecordNotification(ctx context.Context, kind, outcome string) {
	if r == nil {
		return
	}
	r.add(ctx, r.Notifications, attribute.String("kind", kind), attribute.String("outcome", outcome))
}

func (r *Registry) RecordSweep(ctx context.Context, task string, d time.Duration, failed bool) {
	if r == nil || r.SweepDuration == nil {
		return
	}
	r.SweepDuration.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(attribute.String("task", task), attribute.Bool("failed", failed)))
}

func (r *Registry) SetPendingPurges(n int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.pendingPurges = int64(n)
	r.mu.Unlock()
}
