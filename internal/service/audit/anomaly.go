package audit

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
)

// Percentile bounds of the usual access-hour window.
const (
	lowerHourPercentile = 5
	upperHourPercentile = 95
)

// ScoringConfig holds the anomaly weights and thresholds.
type ScoringConfig struct {
	HistoryWindow time.Duration
	MinHistory    int
	IPLookback    time.Duration
	RateWindow    time.Duration
	RateThreshold int

	WeightUnusualHour decimal.Decimal
	WeightIPChange    decimal.Decimal
	WeightRate        decimal.Decimal
	Threshold         decimal.Decimal
	CriticalThreshold decimal.Decimal

	SecurityCategories []audit.Category
}

// ScoringConfigFrom converts the loaded configuration.
func ScoringConfigFrom(c config.AnomalyConfig) ScoringConfig {
	cats := make([]audit.Category, 0, len(c.SecurityCategories))
	for _, s := range c.SecurityCategories {
		cats = append(cats, audit.Category(s))
	}
	return ScoringConfig{
		HistoryWindow:      c.HistoryWindow,
		MinHistory:         c.MinHistory,
		IPLookback:         c.IPLookback,
		RateWindow:         c.RateWindow,
		RateThreshold:      c.RateThreshold,
		WeightUnusualHour:  decimal.NewFromFloat(c.WeightUnusualHour),
		WeightIPChange:     decimal.NewFromFloat(c.WeightIPChange),
		WeightRate:         decimal.NewFromFloat(c.WeightRate),
		Threshold:          decimal.NewFromFloat(c.Threshold),
		CriticalThreshold:  decimal.NewFromFloat(c.CriticalThreshold),
		SecurityCategories: cats,
	}
}

// DefaultScoringConfig mirrors the configuration defaults.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfigFrom(config.Defaults().Anomaly)
}

// Signals are the individual anomaly flags.
type Signals struct {
	UnusualHour  bool `json:"unusual_hour"`
	IPChanged    bool `json:"ip_changed"`
	RateExceeded bool `json:"rate_exceeded"`
}

// Assessment is the outcome of scoring one access.
type Assessment struct {
	Score       decimal.Decimal `json:"score"`
	Signals     Signals         `json:"signals"`
	IsAnomaly   bool            `json:"is_anomaly"`
	Severity    audit.Severity  `json:"severity"`
	HistorySize int             `json:"history_size"`
	// UsualHours is the [low, high] hour window, nil below MinHistory.
	UsualHours []int `json:"usual_hours,omitempty"`
}

// assess computes the signals from prior events of the principal, oldest
// first. The access being scored is not part of history.
func (c ScoringConfig) assess(history []*audit.Event, ip string, now time.Time) *Assessment {
	a := &Assessment{HistorySize: len(history), Severity: audit.SeverityInfo}

	if len(history) >= c.MinHistory && len(history) > 0 {
		hours := make([]int, len(history))
		for i, e := range history {
			hours[i] = e.CreatedAt.UTC().Hour()
		}
		sort.Ints(hours)
		low := nearestRank(hours, lowerHourPercentile)
		high := nearestRank(hours, upperHourPercentile)
		a.UsualHours = []int{low, high}
		h := now.UTC().Hour()
		a.Signals.UnusualHour = h < low || h > high
	}

	for i := len(history) - 1; i >= 0; i-- {
		prev := history[i]
		if prev.IPAddress == "" {
			continue
		}
		if ip != "" && now.Sub(prev.CreatedAt) <= c.IPLookback && prev.IPAddress != ip {
			a.Signals.IPChanged = true
		}
		break
	}

	windowStart := now.Add(-c.RateWindow)
	count := 1
	for _, e := range history {
		if e.CreatedAt.After(windowStart) && !e.CreatedAt.After(now) {
			count++
		}
	}
	a.Signals.RateExceeded = count > c.RateThreshold

	a.Score = c.weigh(a.Signals)
	a.IsAnomaly = a.Score.GreaterThan(c.Threshold)
	switch {
	case a.IsAnomaly && a.Score.GreaterThanOrEqual(c.CriticalThreshold):
		a.Severity = audit.SeverityCritical
	case a.IsAnomaly:
		a.Severity = audit.SeverityWarning
	}
	return a
}

// weigh sums the weights of the active signals, clamped to [0, 1].
func (c ScoringConfig) weigh(s Signals) decimal.Decimal {
	score := decimal.Zero
	if s.UnusualHour {
		score = score.Add(c.WeightUnusualHour)
	}
	if s.IPChanged {
		score = score.Add(c.WeightIPChange)
	}
	if s.RateExceeded {
		score = score.Add(c.WeightRate)
	}
	one := decimal.NewFromInt(1)
	if score.GreaterThan(one) {
		return one
	}
	if score.IsNegative() {
		return decimal.Zero
	}
	return score
}

func (c ScoringConfig) securityRelevant(cat audit.Category) bool {
	for _, s := range c.SecurityCategories {
		if s == cat {
			return true
		}
	}
	return false
}

// nearestRank returns the p-th percentile of sorted using the nearest-rank
// method.
func nearestRank(sorted []int, p int) int {
	rank := int(math.Ceil(float64(p) / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
