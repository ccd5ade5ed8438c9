package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/metrics"
)

// Engine records audit events and scores security-relevant ones for
// anomalies. Every append made through RecordTx is scored inline when it
// originates from an external request.
type Engine struct {
	tx      compliance.TransactionManager
	clock   clock.Clock
	cfg     ScoringConfig
	metrics *metrics.Registry
	logger  *zap.Logger
}

func NewEngine(tx compliance.TransactionManager, clk clock.Clock, cfg ScoringConfig, m *metrics.Registry, logger *zap.Logger) *Engine {
	return &Engine{
		tx:      tx,
		clock:   clk,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(zap.String("component", "audit_engine")),
	}
}

// Record appends ev in its own transaction and returns it with id, timestamp
// and any anomaly classification filled in.
func (e *Engine) Record(ctx context.Context, ev *audit.Event) (*audit.Event, error) {
	err := e.tx.ExecuteInTransaction(ctx, func(ctx context.Context, repos compliance.Repositories) error {
		return e.RecordTx(ctx, repos, ev)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// RecordTx appends ev inside the caller's transaction.
func (e *Engine) RecordTx(ctx context.Context, repos compliance.Repositories, ev *audit.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	now := e.clock.Now()
	if ev.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		ev.ID = id
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}

	meta, fromRequest := audit.RequestMetaFrom(ctx)
	if fromRequest {
		if ev.IPAddress == "" {
			ev.IPAddress = meta.IPAddress
		}
		if ev.UserAgent == "" {
			ev.UserAgent = meta.UserAgent
		}
		if ev.ActorID == nil && meta.ActorID != uuid.Nil {
			actor := meta.ActorID
			ev.ActorID = &actor
		}
		for k, v := range meta.Client {
			ev.WithDetail("client_"+k, v)
		}
	}

	scored := fromRequest && ev.PrincipalID != nil && e.cfg.securityRelevant(ev.Category)
	if scored {
		history, err := repos.Audit().History(ctx, *ev.PrincipalID, e.cfg.SecurityCategories, ev.CreatedAt.Add(-e.cfg.HistoryWindow))
		if err != nil {
			return errors.NewInternalError("failed to load audit history").WithCause(err)
		}
		a := e.cfg.assess(history, ev.IPAddress, ev.CreatedAt)
		ev.AnomalyScore = a.Score
		if a.IsAnomaly {
			ev.IsAnomaly = true
			if a.Severity.AtLeast(ev.Severity) {
				ev.Severity = a.Severity
			}
			ev.WithDetail("anomaly_signals", a.Signals)
		}
	}

	if err := repos.Audit().Append(ctx, ev); err != nil {
		return errors.NewInternalError("failed to append audit event").WithCause(err)
	}

	if ev.IsAnomaly {
		payload := map[string]interface{}{
			"event_id":     ev.ID.String(),
			"principal_id": ev.Subject().String(),
			"action":       ev.Action,
			"category":     string(ev.Category),
			"severity":     string(ev.Severity),
			"score":        ev.AnomalyScore.String(),
			"ip_address":   ev.IPAddress,
		}
		if _, err := notification.EnqueueGovernance(ctx, repos.Principals(), repos.Outbox(), notification.KindAnomalyAlert, payload, now); err != nil {
			return errors.NewInternalError("failed to enqueue anomaly alert").WithCause(err)
		}
		e.logger.Warn("anomalous access detected",
			zap.String("event_id", ev.ID.String()),
			zap.String("principal_id", ev.Subject().String()),
			zap.String("action", ev.Action),
			zap.String("score", ev.AnomalyScore.String()),
			zap.String("severity", string(ev.Severity)))
	}

	score, _ := ev.AnomalyScore.Float64()
	e.metrics.RecordAuditEvent(ctx, string(ev.Category), string(ev.Severity), ev.IsAnomaly, score, scored)
	return nil
}

// Score assesses an access by principalID from ipAddress at now without
// recording anything.
func (e *Engine) Score(ctx context.Context, principalID uuid.UUID, action, ipAddress string, now time.Time) (*Assessment, error) {
	history, err := e.tx.Repositories().Audit().History(ctx, principalID, e.cfg.SecurityCategories, now.Add(-e.cfg.HistoryWindow))
	if err != nil {
		return nil, errors.NewInternalError("failed to load audit history").WithCause(err)
	}
	// Events recorded after now do not belong to this assessment.
	prior := history[:0:0]
	for _, ev := range history {
		if ev.CreatedAt.Before(now) {
			prior = append(prior, ev)
		}
	}

	a := e.cfg.assess(prior, ipAddress, now)
	e.logger.Debug("access scored",
		zap.String("principal_id", principalID.String()),
		zap.String("action", action),
		zap.String("score", a.Score.String()),
		zap.Bool("anomaly", a.IsAnomaly))
	return a, nil
}

// List returns audit events matching f, oldest first.
func (e *Engine) List(ctx context.Context, f audit.Filter) ([]*audit.Event, error) {
	events, err := e.tx.Repositories().Audit().List(ctx, f)
	if err != nil {
		return nil, errors.NewInternalError("failed to list audit events").WithCause(err)
	}
	return events, nil
}

// SecurityRelevant reports whether events of cat are anomaly-scored.
func (e *Engine) SecurityRelevant(cat audit.Category) bool {
	return e.cfg.securityRelevant(cat)
}
