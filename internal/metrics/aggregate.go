// Package metrics folds experiment period counters into per-ending totals.
package metrics

import (
	"sort"
	"time"

	"pennyperfect/internal/model"
	"pennyperfect/internal/pricing"
)

// EndingTotals is the sum of period counters for one price ending.
type EndingTotals struct {
	Ending       int       `json:"ending"`
	Periods      int       `json:"periods"`
	Sessions     int64     `json:"sessions"`
	Orders       int64     `json:"orders"`
	RevenueCents int64     `json:"revenueCents"`
	FirstStart   time.Time `json:"firstStart"`
}

// AvgRPV is total revenue over total sessions, with sessions floored at 1.
func (t EndingTotals) AvgRPV() float64 {
	return float64(t.RevenueCents) / float64(max(t.Sessions, 1))
}

// CVR is total orders over total sessions.
func (t EndingTotals) CVR() float64 {
	return pricing.CalculateCVR(t.Orders, t.Sessions)
}

// AOV is total revenue over total orders.
func (t EndingTotals) AOV() float64 {
	return pricing.CalculateAOV(t.RevenueCents, t.Orders)
}

// Closed returns the periods that have ended, ordered by StartedAt ASC.
func Closed(periods []model.ExperimentPeriod) []model.ExperimentPeriod {
	var out []model.ExperimentPeriod
	for _, p := range periods {
		if !p.Open() {
			out = append(out, p)
		}
	}
	sortByStart(out)
	return out
}

// Qualifying returns the periods with at least minSessions sessions.
func Qualifying(periods []model.ExperimentPeriod, minSessions int64) []model.ExperimentPeriod {
	var out []model.ExperimentPeriod
	for _, p := range periods {
		if p.Sessions >= minSessions {
			out = append(out, p)
		}
	}
	return out
}

// Aggregate groups periods by ending and sums their counters.
// The result is sorted by ending ASC so iteration order is deterministic.
func Aggregate(periods []model.ExperimentPeriod) []EndingTotals {
	byEnding := make(map[int]*EndingTotals)
	for _, p := range periods {
		t, ok := byEnding[p.Ending]
		if !ok {
			t = &EndingTotals{Ending: p.Ending, FirstStart: p.StartedAt}
			byEnding[p.Ending] = t
		}
		t.Periods++
		t.Sessions += p.Sessions
		t.Orders += p.Orders
		t.RevenueCents += p.RevenueCents
		if p.StartedAt.Before(t.FirstStart) {
			t.FirstStart = p.StartedAt
		}
	}

	out := make([]EndingTotals, 0, len(byEnding))
	for _, t := range byEnding {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ending < out[j].Ending })
	return out
}

// PeriodStats is a single period with its derived ratios.
type PeriodStats struct {
	model.ExperimentPeriod
	RPV float64 `json:"rpv"`
	CVR float64 `json:"cvr"`
	AOV float64 `json:"aov"`
}

// Describe derives RPV, CVR and AOV for each period, newest first.
func Describe(periods []model.ExperimentPeriod) []PeriodStats {
	sorted := make([]model.ExperimentPeriod, len(periods))
	copy(sorted, periods)
	sortByStart(sorted)

	out := make([]PeriodStats, len(sorted))
	for i, p := range sorted {
		out[len(sorted)-1-i] = PeriodStats{
			ExperimentPeriod: p,
			RPV:              pricing.CalculateRPV(p.RevenueCents, p.Sessions),
			CVR:              pricing.CalculateCVR(p.Orders, p.Sessions),
			AOV:              pricing.CalculateAOV(p.RevenueCents, p.Orders),
		}
	}
	return out
}

func sortByStart(periods []model.ExperimentPeriod) {
	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].StartedAt.Before(periods[j].StartedAt)
	})
}
