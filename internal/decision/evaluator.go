// Package decision applies the promote/revert rule to closed experiment periods.
package decision

import (
	"errors"
	"fmt"

	"pennyperfect/internal/metrics"
	"pennyperfect/internal/model"
)

// ErrNoData is returned when there are no periods to pick an ending from.
var ErrNoData = errors.New("no period data")

// Outcome is the action the evaluator recommends.
type Outcome string

const (
	OutcomeNone    Outcome = "none"
	OutcomePromote Outcome = "promote"
	OutcomeRevert  Outcome = "revert"
)

// BaselinePolicy selects which ending's RPV improvement is measured against.
type BaselinePolicy string

const (
	// BaselineMin uses the lowest average RPV across all endings.
	BaselineMin BaselinePolicy = "min"
	// BaselineFirstPeriod uses the ending that ran in the earliest counted period.
	BaselineFirstPeriod BaselinePolicy = "first-period"
)

// ParseBaselinePolicy maps a config value to a BaselinePolicy. Empty means BaselineMin.
func ParseBaselinePolicy(s string) (BaselinePolicy, error) {
	switch BaselinePolicy(s) {
	case "", BaselineMin:
		return BaselineMin, nil
	case BaselineFirstPeriod:
		return BaselineFirstPeriod, nil
	}
	return "", fmt.Errorf("unknown baseline policy %q", s)
}

// Policy tunes how the evaluator reads the data.
type Policy struct {
	Baseline BaselinePolicy
	// EnforceMinSessions drops periods below the experiment's MinSessions
	// before gating and grouping.
	EnforceMinSessions bool
}

// Input is the data for one decision.
type Input struct {
	Periods     []model.ExperimentPeriod // closed periods only
	MinCycles   int
	MinSessions int64
	Threshold   float64 // the experiment's RevertThresholdRPV
}

// CriterionResult explains one step of the decision.
type CriterionResult struct {
	Name      string `json:"name"`
	Threshold string `json:"threshold"`
	Actual    string `json:"actual"`
	Pass      bool   `json:"pass"`
}

// Result is the evaluator's verdict.
type Result struct {
	Outcome        Outcome                `json:"outcome"`
	BestEnding     int                    `json:"bestEnding"`
	BestRPV        float64                `json:"bestRpv"`
	BaselineEnding int                    `json:"baselineEnding"`
	BaselineRPV    float64                `json:"baselineRpv"`
	Improvement    float64                `json:"improvement"`
	Counted        int                    `json:"countedPeriods"`
	Endings        []metrics.EndingTotals `json:"endings"`
	Criteria       []CriterionResult      `json:"criteria"`
}

// Evaluator evaluates the promote/revert rule.
type Evaluator struct {
	policy Policy
}

// NewEvaluator creates an evaluator with the given policy.
func NewEvaluator(policy Policy) *Evaluator {
	if policy.Baseline == "" {
		policy.Baseline = BaselineMin
	}
	return &Evaluator{policy: policy}
}

// Evaluate produces a Result. It never fails: a missing gate or an undefined
// improvement yields OutcomeNone.
func (e *Evaluator) Evaluate(in Input) *Result {
	periods := metrics.Closed(in.Periods)
	if e.policy.EnforceMinSessions {
		periods = metrics.Qualifying(periods, in.MinSessions)
	}

	res := &Result{Outcome: OutcomeNone, Counted: len(periods)}

	gate := CriterionResult{
		Name:      "Minimum cycles",
		Threshold: fmt.Sprintf(">= %d", in.MinCycles),
		Actual:    fmt.Sprintf("%d", len(periods)),
		Pass:      len(periods) >= in.MinCycles && len(periods) > 0,
	}
	res.Criteria = append(res.Criteria, gate)
	if !gate.Pass {
		return res
	}

	res.Endings = metrics.Aggregate(periods)
	best := bestOf(res.Endings)
	baseline := e.baseline(res.Endings, periods)
	res.BestEnding, res.BestRPV = best.Ending, best.AvgRPV()
	res.BaselineEnding, res.BaselineRPV = baseline.Ending, baseline.AvgRPV()

	defined := CriterionResult{
		Name:      "Baseline RPV",
		Threshold: "> 0",
		Actual:    fmt.Sprintf("%.4f", res.BaselineRPV),
		Pass:      res.BaselineRPV > 0,
	}
	res.Criteria = append(res.Criteria, defined)
	if !defined.Pass {
		return res
	}

	res.Improvement = (res.BestRPV - res.BaselineRPV) / res.BaselineRPV

	promote := CriterionResult{
		Name:      "Improvement reaches threshold",
		Threshold: fmt.Sprintf(">= %.4f", in.Threshold),
		Actual:    fmt.Sprintf("%.4f", res.Improvement),
		Pass:      res.Improvement >= in.Threshold,
	}
	revert := CriterionResult{
		Name:      "Regression below threshold",
		Threshold: fmt.Sprintf("< %.4f", -in.Threshold),
		Actual:    fmt.Sprintf("%.4f", res.Improvement),
		Pass:      res.Improvement < -in.Threshold,
	}
	res.Criteria = append(res.Criteria, promote, revert)

	switch {
	case promote.Pass:
		res.Outcome = OutcomePromote
	case revert.Pass:
		res.Outcome = OutcomeRevert
	}
	return res
}

// Best returns the ending with the highest average RPV across periods,
// open or closed. Used by operator promotion, which skips the gates.
func (e *Evaluator) Best(periods []model.ExperimentPeriod) (metrics.EndingTotals, error) {
	if len(periods) == 0 {
		return metrics.EndingTotals{}, ErrNoData
	}
	return bestOf(metrics.Aggregate(periods)), nil
}

// bestOf expects totals sorted by ending ASC; ties keep the lowest ending.
func bestOf(totals []metrics.EndingTotals) metrics.EndingTotals {
	best := totals[0]
	for _, t := range totals[1:] {
		if t.AvgRPV() > best.AvgRPV() {
			best = t
		}
	}
	return best
}

func (e *Evaluator) baseline(totals []metrics.EndingTotals, periods []model.ExperimentPeriod) metrics.EndingTotals {
	if e.policy.Baseline == BaselineFirstPeriod {
		first := periods[0].Ending
		for _, t := range totals {
			if t.Ending == first {
				return t
			}
		}
	}
	low := totals[0]
	for _, t := range totals[1:] {
		if t.AvgRPV() < low.AvgRPV() {
			low = t
		}
	}
	return low
}
