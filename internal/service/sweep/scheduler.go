// Package sweep runs the periodic compliance tasks: the grievance SLA check,
// the erasure purge and outbox delivery. Every task is idempotent, so a run
// may be repeated or overlap with live traffic safely.
package sweep

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/dpdp-compliance-engine/internal/metrics"
)

const (
	TaskGrievanceSLA         = "grievance-sla"
	TaskErasurePurge         = "erasure-purge"
	TaskNotificationDispatch = "notification-dispatch"
)

// Func runs one pass of a task as of now and returns a summary for logs and
// on-demand callers.
type Func func(ctx context.Context, now time.Time) (map[string]interface{}, error)

type task struct {
	name     string
	interval time.Duration
	fn       Func
	// mu keeps runs of the same task from overlapping.
	mu sync.Mutex
}

// Scheduler drives registered tasks on their intervals.
type Scheduler struct {
	clock   clock.Clock
	metrics *metrics.Registry
	logger  *zap.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(clk clock.Clock, m *metrics.Registry, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		clock:   clk,
		metrics: m,
		logger:  logger.With(zap.String("component", "sweep_scheduler")),
		tasks:   make(map[string]*task),
	}
}

// Register adds a task. An interval of zero registers it for RunNow only.
func (s *Scheduler) Register(name string, interval time.Duration, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("cannot register %q: scheduler already started", name)
	}
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("task %q already registered", name)
	}
	if interval < 0 {
		return fmt.Errorf("task %q: negative interval", name)
	}
	s.tasks[name] = &task{name: name, interval: interval, fn: fn}
	return nil
}

// Tasks lists registered task names.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches one loop per periodic task. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, t := range s.tasks {
		if t.interval == 0 {
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.logger.Info("sweep scheduler started", zap.Int("tasks", len(s.tasks)))
	return nil
}

// Stop cancels the loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("sweep scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Errors are logged and counted by run; the next tick retries.
			_, _ = s.run(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow runs the named task immediately and waits for it, queueing behind a
// run of the same task that is already in progress.
func (s *Scheduler) RunNow(ctx context.Context, name string) (map[string]interface{}, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return nil, errors.NewNotFoundError("sweep task " + name)
	}
	return s.run(ctx, t)
}

func (s *Scheduler) run(ctx context.Context, t *task) (map[string]interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "sweep."+t.name, attribute.String("sweep.task", t.name))
	defer span.End()

	started := time.Now()
	summary, err := t.fn(ctx, s.clock.Now())
	elapsed := time.Since(started)
	s.metrics.RecordSweep(ctx, t.name, elapsed, err != nil)

	if err != nil {
		telemetry.RecordError(span, err)
		s.logger.Error("sweep failed",
			zap.String("task", t.name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return summary, err
	}

	fields := []zap.Field{zap.String("task", t.name), zap.Duration("elapsed", elapsed)}
	for k, v := range summary {
		fields = append(fields, zap.Any(k, v))
	}
	s.logger.Info("sweep finished", fields...)
	return summary, nil
}
