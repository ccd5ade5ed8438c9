package audit

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
)

func eventAt(at time.Time, ip string) *audit.Event {
	return &audit.Event{Category: audit.CategoryDataAccess, Action: "data.access", IPAddress: ip, CreatedAt: at}
}

// officeHours builds n events spread across 09:00-17:00 UTC on past days.
func officeHours(base time.Time, n int, ip string) []*audit.Event {
	events := make([]*audit.Event, 0, n)
	for i := 0; i < n; i++ {
		day := base.AddDate(0, 0, -(n - i))
		at := time.Date(day.Year(), day.Month(), day.Day(), 9+i%9, 0, 0, 0, time.UTC)
		events = append(events, eventAt(at, ip))
	}
	return events
}

func TestAssess(t *testing.T) {
	cfg := DefaultScoringConfig()
	noon := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	threeAM := time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)

	burst := func(at time.Time, n int, ip string) []*audit.Event {
		out := officeHours(at, cfg.MinHistory, ip)
		for i := 0; i < n; i++ {
			out = append(out, eventAt(at.Add(-time.Duration(n-i)*time.Second), ip))
		}
		return out
	}

	tests := []struct {
		name         string
		history      []*audit.Event
		ip           string
		now          time.Time
		wantSignals  Signals
		wantScore    string
		wantAnomaly  bool
		wantSeverity audit.Severity
	}{
		{
			name:         "usual access scores zero",
			history:      officeHours(noon, 20, "10.0.0.1"),
			ip:           "10.0.0.1",
			now:          noon,
			wantScore:    "0",
			wantSeverity: audit.SeverityInfo,
		},
		{
			name:         "unusual hour alone stays below threshold",
			history:      officeHours(threeAM, 20, "10.0.0.1"),
			ip:           "10.0.0.1",
			now:          threeAM,
			wantSignals:  Signals{UnusualHour: true},
			wantScore:    "0.3",
			wantSeverity: audit.SeverityInfo,
		},
		{
			name:         "unusual hour and new ip is a warning",
			history:      append(officeHours(threeAM, 20, "10.0.0.1"), eventAt(threeAM.Add(-time.Hour), "10.0.0.1")),
			ip:           "203.0.113.9",
			now:          threeAM,
			wantSignals:  Signals{UnusualHour: true, IPChanged: true},
			wantScore:    "0.6",
			wantAnomaly:  true,
			wantSeverity: audit.SeverityWarning,
		},
		{
			name:         "rate and new ip is a warning",
			history:      burst(noon, cfg.RateThreshold, "10.0.0.1"),
			ip:           "203.0.113.9",
			now:          noon,
			wantSignals:  Signals{IPChanged: true, RateExceeded: true},
			wantScore:    "0.7",
			wantAnomaly:  true,
			wantSeverity: audit.SeverityWarning,
		},
		{
			name:         "short history skips the hour signal",
			history:      []*audit.Event{eventAt(threeAM.Add(-48*time.Hour), "10.0.0.1")},
			ip:           "10.0.0.1",
			now:          threeAM,
			wantScore:    "0",
			wantSeverity: audit.SeverityInfo,
		},
		{
			name:         "ip change outside lookback is ignored",
			history:      []*audit.Event{eventAt(noon.Add(-cfg.IPLookback-time.Minute), "10.0.0.1")},
			ip:           "203.0.113.9",
			now:          noon,
			wantScore:    "0",
			wantSeverity: audit.SeverityInfo,
		},
		{
			name:         "empty history",
			ip:           "10.0.0.1",
			now:          noon,
			wantScore:    "0",
			wantSeverity: audit.SeverityInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := cfg.assess(tt.history, tt.ip, tt.now)
			assert.Equal(t, tt.wantSignals, a.Signals)
			assert.True(t, decimal.RequireFromString(tt.wantScore).Equal(a.Score), "score %s", a.Score)
			assert.Equal(t, tt.wantAnomaly, a.IsAnomaly)
			assert.Equal(t, tt.wantSeverity, a.Severity)
		})
	}
}

func TestAssess_AllSignalsIsCritical(t *testing.T) {
	cfg := DefaultScoringConfig()
	cfg.RateThreshold = 1

	threeAM := time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)
	history := append(officeHours(threeAM, 20, "10.0.0.1"), eventAt(threeAM.Add(-10*time.Second), "10.0.0.1"))

	a := cfg.assess(history, "203.0.113.9", threeAM)
	assert.Equal(t, Signals{UnusualHour: true, IPChanged: true, RateExceeded: true}, a.Signals)
	assert.True(t, a.Score.Equal(decimal.NewFromInt(1)))
	assert.True(t, a.IsAnomaly)
	assert.Equal(t, audit.SeverityCritical, a.Severity)
	assert.Equal(t, []int{9, 17}, a.UsualHours)
}

func TestAssess_ThresholdIsStrict(t *testing.T) {
	cfg := DefaultScoringConfig()
	cfg.WeightUnusualHour = decimal.RequireFromString("0.5")
	cfg.MinHistory = 1

	threeAM := time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)
	a := cfg.assess(officeHours(threeAM, 5, ""), "", threeAM)

	require.True(t, a.Signals.UnusualHour)
	assert.True(t, a.Score.Equal(cfg.Threshold))
	assert.False(t, a.IsAnomaly)
}

func TestAssess_RateWindowCountsCurrentEvent(t *testing.T) {
	cfg := DefaultScoringConfig()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	var history []*audit.Event
	for i := 0; i < cfg.RateThreshold-1; i++ {
		history = append(history, eventAt(now.Add(-time.Duration(i+1)*time.Second), ""))
	}
	assert.False(t, cfg.assess(history, "", now).Signals.RateExceeded)

	history = append(history, eventAt(now.Add(-30*time.Second), ""))
	assert.True(t, cfg.assess(history, "", now).Signals.RateExceeded)

	// Events on the window boundary are outside it.
	edge := []*audit.Event{eventAt(now.Add(-cfg.RateWindow), "")}
	for i := 0; i < cfg.RateThreshold-1; i++ {
		edge = append(edge, eventAt(now.Add(-time.Duration(i+1)*time.Second), ""))
	}
	assert.False(t, cfg.assess(edge, "", now).Signals.RateExceeded)
}

func TestNearestRank(t *testing.T) {
	hours := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	assert.Equal(t, 1, nearestRank(hours, 5))
	assert.Equal(t, 19, nearestRank(hours, 95))
	assert.Equal(t, 7, nearestRank([]int{7}, 5))
}

func TestWeigh_Clamps(t *testing.T) {
	cfg := DefaultScoringConfig()
	cfg.WeightRate = decimal.RequireFromString("0.9")
	score := cfg.weigh(Signals{UnusualHour: true, IPChanged: true, RateExceeded: true})
	assert.True(t, score.Equal(decimal.NewFromInt(1)))

	cfg.WeightIPChange = decimal.RequireFromString("-2")
	score = cfg.weigh(Signals{IPChanged: true})
	assert.True(t, score.IsZero())
}
