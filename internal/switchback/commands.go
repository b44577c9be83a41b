package switchback

import (
	"context"
	"errors"
	"fmt"

	"pennyperfect/internal/database"
	"pennyperfect/internal/decision"
	"pennyperfect/internal/metrics"
	"pennyperfect/internal/model"
)

// Experiment defaults applied when the operator leaves a field at zero.
const (
	DefaultMinSessions = 500
	DefaultMinCycles   = 3
)

// NewExperiment holds the operator-supplied fields of an experiment.
type NewExperiment struct {
	ShopID             string  `json:"shopId"`
	BandID             string  `json:"bandId" binding:"required"`
	CadenceHours       int     `json:"cadenceHours" binding:"required,gte=1"`
	RevertThresholdRPV float64 `json:"revertThresholdRpv" binding:"gte=0"`
	MinSessions        int64   `json:"minSessions" binding:"gte=0"`
	MinCycles          int     `json:"minCycles" binding:"gte=0"`
}

// CommandResult is returned by operator transitions.
type CommandResult struct {
	Experiment model.Experiment `json:"experiment"`
	Ending     *int             `json:"ending,omitempty"`
	Reprice    RepriceResult    `json:"reprice"`
}

// CreateBand validates and stores a band.
func (e *Engine) CreateBand(ctx context.Context, band *model.PriceBand) error {
	if err := band.Validate(); err != nil {
		return err
	}
	if err := e.repo.CreateBand(ctx, band); err != nil {
		return fmt.Errorf("create band: %w", err)
	}
	e.logger.Info("Created price band", "bandID", band.ID, "shopID", band.ShopID, "endings", band.AllowedEndings)
	return nil
}

// UpdateBand validates and stores an edited band. The scheduler picks the
// change up on its next period open.
func (e *Engine) UpdateBand(ctx context.Context, band *model.PriceBand) error {
	if err := band.Validate(); err != nil {
		return err
	}
	if err := e.repo.UpdateBand(ctx, band); err != nil {
		return fmt.Errorf("update band: %w", err)
	}
	return nil
}

// DeleteBand removes a band that has no live experiment.
func (e *Engine) DeleteBand(ctx context.Context, id string) error {
	if err := e.repo.DeleteBand(ctx, id); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return fmt.Errorf("delete band %s: %w", id, ErrBandBusy)
		}
		return fmt.Errorf("delete band: %w", err)
	}
	return nil
}

// CreateExperiment starts a running experiment on an active band. The first
// period opens on the next tick.
func (e *Engine) CreateExperiment(ctx context.Context, in NewExperiment) (model.Experiment, error) {
	band, err := e.repo.GetBand(ctx, in.BandID)
	if err != nil {
		return model.Experiment{}, fmt.Errorf("get band: %w", err)
	}
	if in.ShopID != "" && band.ShopID != in.ShopID {
		return model.Experiment{}, fmt.Errorf("band %s: %w", in.BandID, database.ErrNotFound)
	}
	if !band.Active {
		return model.Experiment{}, fmt.Errorf("band %s is inactive: %w", band.ID, model.ErrInvalid)
	}

	exp := model.Experiment{
		ShopID:             band.ShopID,
		BandID:             band.ID,
		CadenceHours:       in.CadenceHours,
		RevertThresholdRPV: in.RevertThresholdRPV,
		MinSessions:        in.MinSessions,
		MinCycles:          in.MinCycles,
		Status:             model.StatusRunning,
		StartedAt:          e.now(),
	}
	if exp.MinSessions == 0 {
		exp.MinSessions = DefaultMinSessions
	}
	if exp.MinCycles == 0 {
		exp.MinCycles = DefaultMinCycles
	}
	if err := exp.Validate(); err != nil {
		return model.Experiment{}, err
	}

	if err := e.repo.CreateExperiment(ctx, &exp); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return model.Experiment{}, fmt.Errorf("band %s: %w", band.ID, ErrBandBusy)
		}
		return model.Experiment{}, fmt.Errorf("create experiment: %w", err)
	}
	e.logger.Info("Created experiment", "experimentID", exp.ID, "bandID", band.ID, "cadenceHours", exp.CadenceHours)
	return exp, nil
}

// Pause stops rotation. The open period keeps accumulating counters.
func (e *Engine) Pause(ctx context.Context, id string) (*CommandResult, error) {
	unlock := e.experimentLocks.Lock(id)
	defer unlock()

	exp, err := e.repo.GetExperiment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	if !exp.Status.CanTransition(model.StatusPaused) {
		return nil, fmt.Errorf("%s -> paused: %w", exp.Status, ErrInvalidTransition)
	}

	now := e.now()
	exp.Status = model.StatusPaused
	exp.PausedAt = &now
	if err := e.repo.UpdateExperiment(ctx, &exp); err != nil {
		return nil, fmt.Errorf("pause experiment: %w", err)
	}
	e.logger.Info("Paused experiment", "experimentID", id)
	return &CommandResult{Experiment: exp}, nil
}

// Resume restarts rotation. Unless paused time counts toward the cadence,
// the open period's start moves forward by the paused duration.
func (e *Engine) Resume(ctx context.Context, id string) (*CommandResult, error) {
	unlock := e.experimentLocks.Lock(id)
	defer unlock()

	exp, err := e.repo.GetExperiment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	if !exp.Status.CanTransition(model.StatusRunning) {
		return nil, fmt.Errorf("%s -> running: %w", exp.Status, ErrInvalidTransition)
	}

	now := e.now()
	if !e.cfg.CountPausedTime && exp.PausedAt != nil {
		periods, err := e.repo.ListPeriods(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list periods: %w", err)
		}
		if open := openPeriod(periods); open != nil {
			shifted := open.StartedAt.Add(now.Sub(*exp.PausedAt))
			if err := e.repo.MovePeriodStart(ctx, open.ID, shifted); err != nil {
				return nil, fmt.Errorf("shift period start: %w", err)
			}
		}
	}

	exp.Status = model.StatusRunning
	exp.PausedAt = nil
	if err := e.repo.UpdateExperiment(ctx, &exp); err != nil {
		return nil, fmt.Errorf("resume experiment: %w", err)
	}
	e.logger.Info("Resumed experiment", "experimentID", id)
	return &CommandResult{Experiment: exp}, nil
}

// Promote ends a running experiment now, pricing the band at the ending with
// the best RPV over every period recorded so far. The threshold is not checked.
func (e *Engine) Promote(ctx context.Context, id string) (*CommandResult, error) {
	unlock := e.experimentLocks.Lock(id)
	defer unlock()

	exp, err := e.runningExperiment(ctx, id, model.StatusPromoted)
	if err != nil {
		return nil, err
	}
	periods, err := e.repo.ListPeriods(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	best, err := e.decider.Best(periods)
	if err != nil {
		if errors.Is(err, decision.ErrNoData) {
			return nil, fmt.Errorf("promote %s: %w", id, ErrNoData)
		}
		return nil, err
	}
	band, shop, err := e.loadScope(ctx, exp)
	if err != nil {
		return nil, err
	}

	rr, err := e.promote(ctx, &exp, band, shop, best.Ending, e.now())
	if err != nil {
		return nil, err
	}
	ending := best.Ending
	return &CommandResult{Experiment: exp, Ending: &ending, Reprice: rr}, nil
}

// Revert ends a running experiment now and restores pre-experiment prices.
func (e *Engine) Revert(ctx context.Context, id string) (*CommandResult, error) {
	unlock := e.experimentLocks.Lock(id)
	defer unlock()

	exp, err := e.runningExperiment(ctx, id, model.StatusReverted)
	if err != nil {
		return nil, err
	}
	shop, err := e.repo.GetShop(ctx, exp.ShopID)
	if err != nil {
		return nil, fmt.Errorf("get shop: %w", err)
	}

	rr, err := e.revert(ctx, &exp, shop, e.now())
	if err != nil {
		return nil, err
	}
	return &CommandResult{Experiment: exp, Reprice: rr}, nil
}

func (e *Engine) runningExperiment(ctx context.Context, id string, next model.Status) (model.Experiment, error) {
	exp, err := e.repo.GetExperiment(ctx, id)
	if err != nil {
		return model.Experiment{}, fmt.Errorf("get experiment: %w", err)
	}
	if !exp.Status.CanTransition(next) {
		return model.Experiment{}, fmt.Errorf("%s -> %s: %w", exp.Status, next, ErrInvalidTransition)
	}
	return exp, nil
}

// Detail is an experiment with its periods and a dry-run of the decision rule.
type Detail struct {
	Experiment model.Experiment       `json:"experiment"`
	Band       model.PriceBand        `json:"band"`
	Periods    []metrics.PeriodStats  `json:"periods"`
	Endings    []metrics.EndingTotals `json:"endings"`
	Preview    *decision.Result       `json:"preview"`
}

// Describe loads an experiment for display.
func (e *Engine) Describe(ctx context.Context, id string) (*Detail, error) {
	exp, err := e.repo.GetExperiment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	band, err := e.repo.GetBand(ctx, exp.BandID)
	if err != nil {
		return nil, fmt.Errorf("get band: %w", err)
	}
	periods, err := e.repo.ListPeriods(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	return &Detail{
		Experiment: exp,
		Band:       band,
		Periods:    metrics.Describe(periods),
		Endings:    metrics.Aggregate(periods),
		Preview: e.decider.Evaluate(decision.Input{
			Periods:     periods,
			MinCycles:   exp.MinCycles,
			MinSessions: exp.MinSessions,
			Threshold:   exp.RevertThresholdRPV,
		}),
	}, nil
}
