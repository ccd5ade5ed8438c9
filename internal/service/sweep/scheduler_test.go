package sweep

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/notify"
	"github.com/davidleathers/dpdp-compliance-engine/internal/service/erasure"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T) (*Scheduler, *clock.Fake) {
	clk := clock.NewFake(t0)
	return New(clk, nil, zaptest.NewLogger(t)), clk
}

func TestScheduler_Register(t *testing.T) {
	s, _ := newScheduler(t)
	noop := func(context.Context, time.Time) (map[string]interface{}, error) { return nil, nil }

	require.NoError(t, s.Register("b", time.Minute, noop))
	require.NoError(t, s.Register("a", 0, noop))
	assert.Error(t, s.Register("a", time.Minute, noop), "duplicate name")
	assert.Error(t, s.Register("c", -time.Second, noop))
	assert.Equal(t, []string{"a", "b"}, s.Tasks())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Register("late", time.Minute, noop))
	assert.Error(t, s.Start(context.Background()))
}

func TestScheduler_RunNow(t *testing.T) {
	s, clk := newScheduler(t)
	var seen time.Time
	require.NoError(t, s.Register("count", 0, func(_ context.Context, now time.Time) (map[string]interface{}, error) {
		seen = now
		return map[string]interface{}{"n": 2}, nil
	}))
	require.NoError(t, s.Register("broken", 0, func(context.Context, time.Time) (map[string]interface{}, error) {
		return map[string]interface{}{"n": 0}, stderrors.New("boom")
	}))

	clk.Advance(time.Hour)
	summary, err := s.RunNow(context.Background(), "count")
	require.NoError(t, err)
	assert.Equal(t, 2, summary["n"])
	assert.Equal(t, t0.Add(time.Hour), seen)

	summary, err = s.RunNow(context.Background(), "broken")
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 0, summary["n"], "partial summary is still returned")

	_, err = s.RunNow(context.Background(), "missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestScheduler_RunsOfOneTaskDoNotOverlap(t *testing.T) {
	s, _ := newScheduler(t)
	var active, maxActive int32
	require.NoError(t, s.Register("slow", 0, func(context.Context, time.Time) (map[string]interface{}, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RunNow(context.Background(), "slow")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestScheduler_PeriodicLoop(t *testing.T) {
	s, _ := newScheduler(t)
	var runs int32
	require.NoError(t, s.Register("tick", 10*time.Millisecond, func(context.Context, time.Time) (map[string]interface{}, error) {
		atomic.AddInt32(&runs, 1)
		return nil, nil
	}))
	require.NoError(t, s.Register("manual", 0, func(context.Context, time.Time) (map[string]interface{}, error) {
		t.Error("manual task must not run on a timer")
		return nil, nil
	}))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	after := atomic.LoadInt32(&runs)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&runs), "no runs after Stop")
	s.Stop()
}

type fakeSLA struct{ flagged int }

func (f fakeSLA) CheckSLABreaches(context.Context, time.Time) (int, error) { return f.flagged, nil }

type fakePurger struct {
	report *erasure.PurgeReport
	err    error
}

func (f fakePurger) ExecutePurges(context.Context, time.Time) (*erasure.PurgeReport, error) {
	return f.report, f.err
}

type fakeDispatcher struct{}

func (fakeDispatcher) DispatchDue(context.Context, time.Time) (*notify.Report, error) {
	return &notify.Report{Claimed: 4, Delivered: 3, Retried: 1}, nil
}

func TestRegisterStandard(t *testing.T) {
	cfg := config.SchedulerConfig{SLAInterval: time.Minute, PurgeInterval: time.Hour, DispatchInterval: time.Second}
	purger := fakePurger{report: &erasure.PurgeReport{
		Due:    3,
		Purged: []*erasure.PurgeResult{{PrincipalID: uuid.New()}},
		Failed: []uuid.UUID{uuid.New()},
	}}

	t.Run("all tasks", func(t *testing.T) {
		s, _ := newScheduler(t)
		require.NoError(t, RegisterStandard(s, cfg, fakeSLA{flagged: 2}, purger, fakeDispatcher{}))
		assert.Equal(t, []string{TaskErasurePurge, TaskGrievanceSLA, TaskNotificationDispatch}, s.Tasks())

		summary, err := s.RunNow(context.Background(), TaskGrievanceSLA)
		require.NoError(t, err)
		assert.Equal(t, 2, summary["breaches_flagged"])

		summary, err = s.RunNow(context.Background(), TaskErasurePurge)
		require.NoError(t, err)
		assert.Equal(t, 3, summary["due"])
		assert.Equal(t, 1, summary["purged"])
		assert.Equal(t, 1, summary["failed"])
		assert.Equal(t, 0, summary["violations"])

		summary, err = s.RunNow(context.Background(), TaskNotificationDispatch)
		require.NoError(t, err)
		assert.Equal(t, 3, summary["delivered"])
	})

	t.Run("delivery elsewhere", func(t *testing.T) {
		s, _ := newScheduler(t)
		require.NoError(t, RegisterStandard(s, cfg, fakeSLA{}, purger, nil))
		assert.Equal(t, []string{TaskErasurePurge, TaskGrievanceSLA}, s.Tasks())
	})

	t.Run("purge error without report", func(t *testing.T) {
		s, _ := newScheduler(t)
		require.NoError(t, RegisterStandard(s, cfg, fakeSLA{}, fakePurger{err: context.Canceled}, nil))
		summary, err := s.RunNow(context.Background(), TaskErasurePurge)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, summary)
	})
}
