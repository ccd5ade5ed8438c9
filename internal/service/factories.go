// Package service assembles the compliance services from configuration.
package service

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/consent"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/metrics"
	auditsvc "github.com/davidleathers/dpdp-compliance-engine/internal/service/audit"
	consentsvc "github.com/davidleathers/dpdp-compliance-engine/internal/service/consent"
	"github.com/davidleathers/dpdp-compliance-engine/internal/service/erasure"
	grievancesvc "github.com/davidleathers/dpdp-compliance-engine/internal/service/grievance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/service/orchestrator"
	"github.com/davidleathers/dpdp-compliance-engine/internal/service/sweep"
)

// Services is the assembled engine.
type Services struct {
	Audit        *auditsvc.Engine
	Consent      *consentsvc.Ledger
	Grievances   *grievancesvc.Tracker
	Erasure      *erasure.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Sweeps       *sweep.Scheduler
}

// ServiceFactories builds the services over one store and locker.
type ServiceFactories struct {
	tx      compliance.TransactionManager
	locker  compliance.Locker
	clock   clock.Clock
	metrics *metrics.Registry
	logger  *zap.Logger
}

func NewServiceFactories(tx compliance.TransactionManager, locker compliance.Locker, clk clock.Clock, m *metrics.Registry, logger *zap.Logger) *ServiceFactories {
	return &ServiceFactories{tx: tx, locker: locker, clock: clk, metrics: m, logger: logger}
}

// Build wires every service and registers the standard sweeps. dispatcher
// may be nil when another process delivers notifications.
func (f *ServiceFactories) Build(cfg *config.Config, dispatcher sweep.Dispatcher) (*Services, error) {
	engine := auditsvc.NewEngine(f.tx, f.clock, auditsvc.ScoringConfigFrom(cfg.Anomaly), f.metrics, f.logger)
	catalog := consent.NewCatalog(cfg.Consent.Purposes, cfg.Consent.NonWithdrawable)
	ledger := consentsvc.NewLedger(f.tx, f.locker, engine, catalog, f.clock, f.metrics, f.logger)
	tracker := grievancesvc.NewTracker(f.tx, f.locker, engine, grievancesvc.PolicyFrom(cfg.Grievance), f.clock, f.metrics, f.logger)
	scheduler, err := erasure.NewScheduler(f.tx, f.locker, engine, erasure.PolicyFrom(cfg.Erasure), f.clock, f.metrics, f.logger)
	if err != nil {
		return nil, fmt.Errorf("erasure scheduler: %w", err)
	}

	orch := orchestrator.New(f.tx, f.locker, orchestrator.Services{
		Consent:    ledger,
		Grievances: tracker,
		Erasure:    scheduler,
		Audit:      engine,
	}, f.clock, f.metrics, f.logger)

	sweeps := sweep.New(f.clock, f.metrics, f.logger)
	if err := sweep.RegisterStandard(sweeps, cfg.Scheduler, tracker, scheduler, dispatcher); err != nil {
		return nil, fmt.Errorf("registering sweeps: %w", err)
	}
	orch.SetSweepRunner(sweeps)

	return &Services{
		Audit:        engine,
		Consent:      ledger,
		Grievances:   tracker,
		Erasure:      scheduler,
		Orchestrator: orch,
		Sweeps:       sweeps,
	}, nil
}
