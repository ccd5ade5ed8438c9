// Package notify delivers outbox messages through external transports with
// bounded timeouts, exponential retry and a circuit breaker. Delivery never
// runs on the request path, and a failed delivery never touches the state
// change that queued it.
package notify

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/metrics"
)

// Policy configures delivery.
type Policy struct {
	DeliveryTimeout time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BatchSize       int
	Lease           time.Duration
	BreakerTimeout  time.Duration
}

func PolicyFrom(c config.NotifyConfig) Policy {
	return Policy{
		DeliveryTimeout: c.DeliveryTimeout,
		MaxAttempts:     c.MaxAttempts,
		InitialBackoff:  c.InitialBackoff,
		MaxBackoff:      c.MaxBackoff,
		BatchSize:       c.BatchSize,
		Lease:           c.Lease,
		BreakerTimeout:  c.BreakerTimeout,
	}
}

// Report summarises one dispatch pass.
type Report struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// Dispatcher drains the outbox.
type Dispatcher struct {
	tx        compliance.TransactionManager
	transport notification.Transport
	breaker   *gobreaker.CircuitBreaker[struct{}]
	policy    Policy
	clock     clock.Clock
	metrics   *metrics.Registry
	logger    *zap.Logger
}

func NewDispatcher(
	tx compliance.TransactionManager,
	transport notification.Transport,
	policy Policy,
	clk clock.Clock,
	m *metrics.Registry,
	logger *zap.Logger,
) *Dispatcher {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	logger = logger.With(zap.String("component", "notify_dispatcher"), zap.String("transport", transport.Name()))
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notify-" + transport.Name(),
		MaxRequests: 1,
		Timeout:     policy.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A rejected message says nothing about the transport's health.
			return err == nil || isPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notification circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Dispatcher{
		tx:        tx,
		transport: transport,
		breaker:   breaker,
		policy:    policy,
		clock:     clk,
		metrics:   m,
		logger:    logger,
	}
}

// DispatchDue claims due messages and attempts each once. Messages are leased
// while in flight so concurrent dispatchers do not send them twice.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time) (*Report, error) {
	var claimed []*notification.Message
	err := d.tx.ExecuteInTransaction(ctx, func(ctx context.Context, repos compliance.Repositories) error {
		var err error
		claimed, err = repos.Outbox().ClaimDue(ctx, now, d.policy.Lease, d.policy.BatchSize)
		return err
	})
	if err != nil {
		return nil, err
	}

	report := &Report{Claimed: len(claimed)}
	var errs []error
	for _, m := range claimed {
		if ctx.Err() != nil {
			break
		}
		outcome, err := d.deliver(ctx, m, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch outcome {
		case "delivered":
			report.Delivered++
		case "retry":
			report.Retried++
		case "failed":
			report.Failed++
		}
		d.metrics.RecordNotification(ctx, string(m.Kind), outcome)
	}
	return report, stderrors.Join(errs...)
}

// deliver sends one message and records the outcome on the outbox row.
func (d *Dispatcher) deliver(ctx context.Context, m *notification.Message, now time.Time) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, d.policy.DeliveryTimeout)
	_, sendErr := d.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, d.transport.Send(sendCtx, m)
	})
	cancel()

	logger := d.logger.With(
		zap.String("message_id", m.ID.String()),
		zap.String("kind", string(m.Kind)))

	if sendErr == nil {
		return "delivered", d.mark(ctx, func(ctx context.Context, o notification.Outbox) error {
			return o.MarkDelivered(ctx, m.ID, d.clock.Now())
		})
	}

	attempts := m.Attempts + 1
	switch {
	case stderrors.Is(sendErr, gobreaker.ErrOpenState) || stderrors.Is(sendErr, gobreaker.ErrTooManyRequests):
		// The transport was not tried; the attempt does not count.
		logger.Debug("circuit open, deferring delivery")
		return "retry", d.mark(ctx, func(ctx context.Context, o notification.Outbox) error {
			return o.MarkRetry(ctx, m.ID, m.Attempts, now.Add(d.policy.BreakerTimeout), sendErr.Error())
		})
	case isPermanent(sendErr) || attempts >= d.policy.MaxAttempts:
		logger.Error("notification delivery abandoned", zap.Int("attempts", attempts), zap.Error(sendErr))
		return "failed", d.mark(ctx, func(ctx context.Context, o notification.Outbox) error {
			return o.MarkFailed(ctx, m.ID, attempts, sendErr.Error())
		})
	default:
		next := now.Add(d.retryDelay(attempts))
		logger.Warn("notification delivery failed, will retry",
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(sendErr))
		return "retry", d.mark(ctx, func(ctx context.Context, o notification.Outbox) error {
			return o.MarkRetry(ctx, m.ID, attempts, next, sendErr.Error())
		})
	}
}

func (d *Dispatcher) mark(ctx context.Context, fn func(context.Context, notification.Outbox) error) error {
	return d.tx.ExecuteInTransaction(ctx, func(ctx context.Context, repos compliance.Repositories) error {
		return fn(ctx, repos.Outbox())
	})
}

// retryDelay is the exponential schedule without jitter: InitialBackoff
// doubled per failed attempt, capped at MaxBackoff.
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.policy.InitialBackoff
	b.MaxInterval = d.policy.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Permanent marks a delivery error that retrying cannot fix, such as a
// rejected payload.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return stderrors.As(err, &perm)
}
