// Package switchback runs price-ending experiments: it rotates a band's
// variants through the allowed endings, closes periods on cadence and hands
// closed periods to the decision engine.
package switchback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"pennyperfect/internal/analytics"
	"pennyperfect/internal/commerce"
	"pennyperfect/internal/config"
	"pennyperfect/internal/database"
	"pennyperfect/internal/decision"
	"pennyperfect/internal/metrics"
	"pennyperfect/internal/model"
	"pennyperfect/internal/observability"
	"pennyperfect/internal/pricing"
)

var (
	// ErrInvalidTransition is returned when a command does not fit the experiment's status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNoData is returned when an operator promotion finds no period data.
	ErrNoData = errors.New("experiment has no period data")
	// ErrBandBusy is returned when a band already has a running or paused experiment.
	ErrBandBusy = errors.New("band already has a live experiment")
	// ErrPlatform wraps failures of outbound price updates.
	ErrPlatform = errors.New("platform price update failed")
)

// Decider turns period data into promote/revert verdicts.
type Decider interface {
	Evaluate(in decision.Input) *decision.Result
	Best(periods []model.ExperimentPeriod) (metrics.EndingTotals, error)
}

// Decision is an evaluator verdict for one experiment.
type Decision struct {
	ExperimentID string           `json:"experimentId"`
	Result       *decision.Result `json:"result"`
}

// TickResult summarises one sweep.
type TickResult struct {
	Processed     int        `json:"processed"`
	Skipped       int        `json:"skipped"`
	PeriodsOpened int        `json:"periodsOpened"`
	PeriodsClosed int        `json:"periodsClosed"`
	PriceChanges  int        `json:"priceChanges"`
	Failures      int        `json:"failures"`
	Decisions     []Decision `json:"decisions,omitempty"`
	Errors        []string   `json:"errors,omitempty"`
}

func (r *TickResult) merge(o *TickResult) {
	r.Processed += o.Processed
	r.Skipped += o.Skipped
	r.PeriodsOpened += o.PeriodsOpened
	r.PeriodsClosed += o.PeriodsClosed
	r.PriceChanges += o.PriceChanges
	r.Failures += o.Failures
	r.Decisions = append(r.Decisions, o.Decisions...)
	r.Errors = append(r.Errors, o.Errors...)
}

func (r *TickResult) addReprice(rr RepriceResult) {
	r.PriceChanges += rr.Changed
	r.Failures += rr.Failed
	r.Errors = append(r.Errors, rr.Errors...)
}

// Engine is the switchback scheduler and the owner of every experiment transition.
type Engine struct {
	logger   *slog.Logger
	repo     database.Repository
	platform commerce.PlatformClient
	cfg      config.SwitchbackConfig
	decider  Decider
	metrics  *observability.Metrics
	sink     analytics.Sink
	now      func() time.Time

	experimentLocks *keyedLocks
	variantLocks    *keyedLocks
	sweeps          singleflight.Group
}

// Option customises an Engine.
type Option func(*Engine)

// WithDecider replaces the evaluator built from the config.
func WithDecider(d Decider) Option {
	return func(e *Engine) { e.decider = d }
}

// WithMetrics records engine activity on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSink ships closed periods and decisions to s.
func WithSink(s analytics.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithClock sets the clock used by operator commands.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new Engine.
func NewEngine(logger *slog.Logger, repo database.Repository, platform commerce.PlatformClient, cfg config.SwitchbackConfig, opts ...Option) (*Engine, error) {
	policy, err := decision.ParseBaselinePolicy(cfg.BaselinePolicy)
	if err != nil {
		return nil, err
	}
	if cfg.ExperimentConcurrency <= 0 {
		cfg.ExperimentConcurrency = 4
	}
	if cfg.RepriceConcurrency <= 0 {
		cfg.RepriceConcurrency = 8
	}

	e := &Engine{
		logger:          logger,
		repo:            repo,
		platform:        platform,
		cfg:             cfg,
		decider:         decision.NewEvaluator(decision.Policy{Baseline: policy, EnforceMinSessions: cfg.EnforceMinSessions}),
		sink:            analytics.NopSink{},
		now:             func() time.Time { return time.Now().UTC() },
		experimentLocks: newKeyedLocks(),
		variantLocks:    newKeyedLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Tick runs one sweep over every running experiment. Concurrent calls share
// a single sweep. Per-experiment failures are collected in the result; the
// returned error is reserved for failures that prevent the sweep altogether.
func (e *Engine) Tick(ctx context.Context, now time.Time) (*TickResult, error) {
	v, err, shared := e.sweeps.Do("sweep", func() (any, error) {
		return e.sweep(ctx, now)
	})
	if shared {
		e.logger.Debug("Joined in-flight sweep")
	}
	if err != nil {
		return nil, err
	}
	return v.(*TickResult), nil
}

// Run ticks every interval until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.TickInterval
	if interval <= 0 {
		e.logger.Info("Built-in ticker disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Switchback ticker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Switchback ticker stopped")
			return
		case <-ticker.C:
			if _, err := e.Tick(ctx, e.now()); err != nil {
				e.logger.Error("Switchback sweep failed", "error", err)
			}
		}
	}
}

func (e *Engine) sweep(ctx context.Context, now time.Time) (*TickResult, error) {
	start := time.Now()

	exps, err := e.repo.ListExperimentsByStatus(ctx, model.StatusRunning)
	if err != nil {
		e.metrics.Tick(false, time.Since(start).Seconds())
		return nil, fmt.Errorf("list running experiments: %w", err)
	}

	res := &TickResult{}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(e.cfg.ExperimentConcurrency)
	for _, exp := range exps {
		g.Go(func() error {
			out := e.processExperiment(ctx, exp.ID, now)
			mu.Lock()
			res.merge(out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	e.metrics.Tick(len(res.Errors) == 0, time.Since(start).Seconds())
	e.logger.Info("Switchback sweep finished",
		"experiments", len(exps),
		"processed", res.Processed,
		"periodsOpened", res.PeriodsOpened,
		"periodsClosed", res.PeriodsClosed,
		"priceChanges", res.PriceChanges,
		"failures", res.Failures,
	)
	return res, nil
}

func (e *Engine) processExperiment(ctx context.Context, id string, now time.Time) *TickResult {
	out := &TickResult{}

	unlock, ok := e.experimentLocks.TryLock(id)
	if !ok {
		e.logger.Info("Experiment already in flight, skipping", "experimentID", id)
		out.Skipped++
		return out
	}
	defer unlock()

	if err := e.step(ctx, id, now, out); err != nil {
		e.logger.Error("Failed to process experiment", "experimentID", id, "error", err)
		out.Errors = append(out.Errors, fmt.Sprintf("experiment %s: %v", id, err))
	}
	return out
}

// step advances one experiment. The caller holds the experiment lock.
// On cadence expiry the open period is closed and evaluated before the next
// one opens; a promote or revert concludes the experiment without opening it.
func (e *Engine) step(ctx context.Context, id string, now time.Time, out *TickResult) error {
	exp, err := e.repo.GetExperiment(ctx, id)
	if err != nil {
		return fmt.Errorf("get experiment: %w", err)
	}
	if exp.Status != model.StatusRunning {
		out.Skipped++
		return nil
	}
	out.Processed++

	band, shop, err := e.loadScope(ctx, exp)
	if err != nil {
		return err
	}

	periods, err := e.repo.ListPeriods(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("list periods: %w", err)
	}

	open := openPeriod(periods)
	if open == nil {
		return e.startPeriod(ctx, exp, band, shop, band.AllowedEndings[0], now, out)
	}
	if now.Sub(open.StartedAt) < exp.Cadence() {
		return nil
	}

	periods, err = e.closePeriod(ctx, exp, open, now)
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			e.logger.Info("Period already closed elsewhere", "experimentID", exp.ID, "periodID", open.ID)
			return nil
		}
		return err
	}
	out.PeriodsClosed++

	next, ok := pricing.NextEnding(open.Ending, band.AllowedEndings)
	if !ok {
		e.metrics.EndingDrift()
		e.logger.Warn("Open period ending not in band, restarting rotation",
			"experimentID", exp.ID, "ending", open.Ending, "allowed", band.AllowedEndings)
	}

	res := e.decider.Evaluate(decision.Input{
		Periods:     periods,
		MinCycles:   exp.MinCycles,
		MinSessions: exp.MinSessions,
		Threshold:   exp.RevertThresholdRPV,
	})
	e.recordDecision(ctx, exp, res)
	out.Decisions = append(out.Decisions, Decision{ExperimentID: exp.ID, Result: res})

	switch res.Outcome {
	case decision.OutcomePromote:
		rr, err := e.promote(ctx, &exp, band, shop, res.BestEnding, now)
		out.addReprice(rr)
		return err
	case decision.OutcomeRevert:
		rr, err := e.revert(ctx, &exp, shop, now)
		out.addReprice(rr)
		return err
	}

	return e.startPeriod(ctx, exp, band, shop, next, now, out)
}

func (e *Engine) loadScope(ctx context.Context, exp model.Experiment) (model.PriceBand, model.Shop, error) {
	band, err := e.repo.GetBand(ctx, exp.BandID)
	if err != nil {
		return model.PriceBand{}, model.Shop{}, fmt.Errorf("get band %s: %w", exp.BandID, err)
	}
	if len(band.AllowedEndings) == 0 {
		return model.PriceBand{}, model.Shop{}, fmt.Errorf("band %s has no endings: %w", band.ID, model.ErrInvalid)
	}
	shop, err := e.repo.GetShop(ctx, exp.ShopID)
	if err != nil {
		return model.PriceBand{}, model.Shop{}, fmt.Errorf("get shop %s: %w", exp.ShopID, err)
	}
	return band, shop, nil
}

func (e *Engine) startPeriod(ctx context.Context, exp model.Experiment, band model.PriceBand, shop model.Shop, ending int, now time.Time, out *TickResult) error {
	p := model.ExperimentPeriod{ExperimentID: exp.ID, Ending: ending, StartedAt: now}
	if err := e.repo.OpenPeriod(ctx, &p); err != nil {
		if errors.Is(err, database.ErrConflict) {
			e.logger.Info("Period already open elsewhere", "experimentID", exp.ID)
			return nil
		}
		return fmt.Errorf("open period: %w", err)
	}
	out.PeriodsOpened++
	e.metrics.PeriodOpened()
	e.logger.Info("Opened period", "experimentID", exp.ID, "periodID", p.ID, "ending", ending)

	out.addReprice(e.repriceBand(ctx, exp, band, shop, ending, model.ReasonSwitchback))
	return nil
}

// closePeriod ends p at now and returns the experiment's periods as stored
// after the close. p is refreshed with its frozen counters, which may include
// events applied after p was read.
func (e *Engine) closePeriod(ctx context.Context, exp model.Experiment, p *model.ExperimentPeriod, now time.Time) ([]model.ExperimentPeriod, error) {
	if err := e.repo.ClosePeriod(ctx, p.ID, now); err != nil {
		return nil, fmt.Errorf("close period %s: %w", p.ID, err)
	}
	periods, err := e.repo.ListPeriods(ctx, exp.ID)
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	if frozen := findPeriod(periods, p.ID); frozen != nil {
		*p = *frozen
	} else {
		ended := now
		p.EndedAt = &ended
	}
	e.metrics.PeriodClosed()
	e.logger.Info("Closed period",
		"experimentID", exp.ID, "periodID", p.ID, "ending", p.Ending,
		"sessions", p.Sessions, "orders", p.Orders, "revenueCents", p.RevenueCents)

	if err := e.sink.RecordPeriod(ctx, exp, *p); err != nil {
		e.logger.Warn("Failed to record period in analytics", "periodID", p.ID, "error", err)
	}
	return periods, nil
}

func (e *Engine) recordDecision(ctx context.Context, exp model.Experiment, res *decision.Result) {
	e.metrics.Decision(string(res.Outcome))
	e.logger.Info("Evaluated experiment",
		"experimentID", exp.ID, "outcome", res.Outcome, "counted", res.Counted,
		"bestEnding", res.BestEnding, "improvement", res.Improvement)
	if err := e.sink.RecordDecision(ctx, exp, res); err != nil {
		e.logger.Warn("Failed to record decision in analytics", "experimentID", exp.ID, "error", err)
	}
}

// conclude moves a running experiment to a terminal status, then closes its
// open period. The version check makes exactly one caller win.
func (e *Engine) conclude(ctx context.Context, exp *model.Experiment, status model.Status, now time.Time) error {
	if !exp.Status.CanTransition(status) {
		return fmt.Errorf("%s -> %s: %w", exp.Status, status, ErrInvalidTransition)
	}
	prev := *exp
	ended := now
	exp.Status = status
	exp.EndedAt = &ended
	exp.PausedAt = nil
	if err := e.repo.UpdateExperiment(ctx, exp); err != nil {
		*exp = prev
		return fmt.Errorf("mark experiment %s: %w", status, err)
	}

	periods, err := e.repo.ListPeriods(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("list periods: %w", err)
	}
	if open := openPeriod(periods); open != nil {
		if _, err := e.closePeriod(ctx, *exp, open, now); err != nil && !errors.Is(err, database.ErrConflict) {
			return err
		}
	}
	e.logger.Info("Experiment concluded", "experimentID", exp.ID, "status", status)
	return nil
}

func (e *Engine) promote(ctx context.Context, exp *model.Experiment, band model.PriceBand, shop model.Shop, ending int, now time.Time) (RepriceResult, error) {
	if err := e.conclude(ctx, exp, model.StatusPromoted, now); err != nil {
		return RepriceResult{}, err
	}
	return e.repriceBand(ctx, *exp, band, shop, ending, model.ReasonPromote), nil
}

func (e *Engine) revert(ctx context.Context, exp *model.Experiment, shop model.Shop, now time.Time) (RepriceResult, error) {
	if err := e.conclude(ctx, exp, model.StatusReverted, now); err != nil {
		return RepriceResult{}, err
	}
	targets, err := e.baselineTargets(ctx, exp.ID)
	if err != nil {
		return RepriceResult{}, err
	}
	return e.repriceToBaseline(ctx, *exp, shop, targets), nil
}

func openPeriod(periods []model.ExperimentPeriod) *model.ExperimentPeriod {
	for i := len(periods) - 1; i >= 0; i-- {
		if periods[i].Open() {
			return &periods[i]
		}
	}
	return nil
}

func findPeriod(periods []model.ExperimentPeriod, id string) *model.ExperimentPeriod {
	for i := range periods {
		if periods[i].ID == id {
			return &periods[i]
		}
	}
	return nil
}
