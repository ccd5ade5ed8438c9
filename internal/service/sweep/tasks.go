package sweep

import (
	"context"
	"time"

	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/notify"
	"github.com/davidleathers/dpdp-compliance-engine/internal/service/erasure"
)

// SLAChecker flags overdue grievances.
type SLAChecker interface {
	CheckSLABreaches(ctx context.Context, now time.Time) (int, error)
}

// Purger executes due erasures.
type Purger interface {
	ExecutePurges(ctx context.Context, now time.Time) (*erasure.PurgeReport, error)
}

// Dispatcher delivers due outbox messages.
type Dispatcher interface {
	DispatchDue(ctx context.Context, now time.Time) (*notify.Report, error)
}

// RegisterStandard registers the three compliance tasks on their configured
// intervals. A nil dispatcher leaves delivery to another process.
func RegisterStandard(s *Scheduler, cfg config.SchedulerConfig, sla SLAChecker, purger Purger, dispatcher Dispatcher) error {
	err := s.Register(TaskGrievanceSLA, cfg.SLAInterval, func(ctx context.Context, now time.Time) (map[string]interface{}, error) {
		flagged, err := sla.CheckSLABreaches(ctx, now)
		return map[string]interface{}{"breaches_flagged": flagged}, err
	})
	if err != nil {
		return err
	}

	err = s.Register(TaskErasurePurge, cfg.PurgeInterval, func(ctx context.Context, now time.Time) (map[string]interface{}, error) {
		report, err := purger.ExecutePurges(ctx, now)
		if report == nil {
			return nil, err
		}
		return map[string]interface{}{
			"due":        report.Due,
			"purged":     len(report.Purged),
			"skipped":    report.Skipped,
			"failed":     len(report.Failed),
			"violations": len(report.Violations),
		}, err
	})
	if err != nil {
		return err
	}

	if dispatcher == nil {
		return nil
	}
	return s.Register(TaskNotificationDispatch, cfg.DispatchInterval, func(ctx context.Context, now time.Time) (map[string]interface{}, error) {
		report, err := dispatcher.DispatchDue(ctx, now)
		if report == nil {
			return nil, err
		}
		return map[string]interface{}{
			"claimed":   report.Claimed,
			"delivered": report.Delivered,
			"retried":   report.Retried,
			"failed":    report.Failed,
		}, err
	})
}
