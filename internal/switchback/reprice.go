package switchback

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"pennyperfect/internal/model"
	"pennyperfect/internal/pricing"
)

// RepriceResult counts the outcome of one repricing pass.
type RepriceResult struct {
	Changed int      `json:"changed"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// targetFunc returns the desired price for a freshly read variant, or false to leave it alone.
type targetFunc func(v model.Variant) (int64, bool)

type repriceJob struct {
	shop            model.Shop
	experimentID    *string
	reason          model.Reason
	target          targetFunc
	captureBaseline bool
}

// repriceBand moves every matching variant of the band to ending.
func (e *Engine) repriceBand(ctx context.Context, exp model.Experiment, band model.PriceBand, shop model.Shop, ending int, reason model.Reason) RepriceResult {
	variants, err := e.repo.ListVariantsInRange(ctx, shop.ID, band.MinCents, band.MaxCents)
	if err != nil {
		e.logger.Error("Failed to list variants", "experimentID", exp.ID, "bandID", band.ID, "error", err)
		return RepriceResult{Errors: []string{fmt.Sprintf("experiment %s: list variants: %v", exp.ID, err)}}
	}

	matching := pricing.FilterMatching(variants, band)
	ids := make([]string, len(matching))
	for i, v := range matching {
		ids[i] = v.ID
	}

	expID := exp.ID
	return e.reprice(ctx, ids, repriceJob{
		shop:         shop,
		experimentID: &expID,
		reason:       reason,
		// The price may have moved since the listing; match again on the fresh read.
		target: func(v model.Variant) (int64, bool) {
			if !pricing.Matches(v, band) {
				return 0, false
			}
			return pricing.TargetPrice(v.PriceCents, ending, band), true
		},
		captureBaseline: reason == model.ReasonSwitchback,
	})
}

// repriceToBaseline restores every touched variant to its pre-experiment price.
func (e *Engine) repriceToBaseline(ctx context.Context, exp model.Experiment, shop model.Shop, targets map[string]int64) RepriceResult {
	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	expID := exp.ID
	return e.reprice(ctx, ids, repriceJob{
		shop:         shop,
		experimentID: &expID,
		reason:       model.ReasonRevert,
		target: func(v model.Variant) (int64, bool) {
			price, ok := targets[v.ID]
			return price, ok
		},
	})
}

// baselineTargets returns variant ID -> pre-experiment price. Stored baselines
// win; variants without one fall back to the oldest switchback change.
func (e *Engine) baselineTargets(ctx context.Context, experimentID string) (map[string]int64, error) {
	baselines, err := e.repo.ListBaselinePrices(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list baseline prices: %w", err)
	}
	targets := make(map[string]int64, len(baselines))
	for _, b := range baselines {
		targets[b.VariantID] = b.PriceCents
	}

	changes, err := e.repo.ListPriceChanges(ctx, experimentID, model.ReasonSwitchback)
	if err != nil {
		return nil, fmt.Errorf("list switchback changes: %w", err)
	}
	for _, c := range changes {
		if _, ok := targets[c.VariantID]; !ok {
			targets[c.VariantID] = c.OldPriceCents
		}
	}
	return targets, nil
}

func (e *Engine) reprice(ctx context.Context, ids []string, job repriceJob) RepriceResult {
	var (
		res RepriceResult
		mu  sync.Mutex
		g   errgroup.Group
	)
	g.SetLimit(e.cfg.RepriceConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			changed, err := e.repriceVariant(ctx, id, job)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed++
				res.Errors = append(res.Errors, err.Error())
			case changed:
				res.Changed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// repriceVariant runs read, compute, push and record for one variant under its lock.
// The audit row and stored price are written only after the platform accepts.
func (e *Engine) repriceVariant(ctx context.Context, id string, job repriceJob) (bool, error) {
	unlock := e.variantLocks.Lock(id)
	defer unlock()

	v, err := e.repo.GetVariant(ctx, id)
	if err != nil {
		return false, fmt.Errorf("variant %s: %w", id, err)
	}

	newCents, ok := job.target(v)
	if !ok || newCents == v.PriceCents {
		return false, nil
	}

	if job.captureBaseline && job.experimentID != nil {
		err := e.repo.SaveBaselinePrice(ctx, model.BaselinePrice{
			ExperimentID: *job.experimentID,
			VariantID:    v.ID,
			PriceCents:   v.PriceCents,
		})
		if err != nil {
			return false, fmt.Errorf("variant %s: save baseline: %w", id, err)
		}
	}

	if err := e.platform.UpdateVariantPrice(ctx, job.shop, v, newCents); err != nil {
		e.metrics.PlatformFailure(e.platform.Name())
		e.logger.Error("Failed to update variant price on platform",
			"variantID", v.ID, "platform", e.platform.Name(), "newPriceCents", newCents, "error", err)
		return false, fmt.Errorf("variant %s: %w: %w", id, ErrPlatform, err)
	}

	change := &model.PriceChange{
		ShopID:        job.shop.ID,
		VariantID:     v.ID,
		ExperimentID:  job.experimentID,
		OldPriceCents: v.PriceCents,
		NewPriceCents: newCents,
		Reason:        job.reason,
	}
	if err := e.repo.ApplyPriceChange(ctx, change); err != nil {
		e.logger.Error("Platform updated but price change not recorded",
			"variantID", v.ID, "newPriceCents", newCents, "error", err)
		return false, fmt.Errorf("variant %s: record price change: %w", id, err)
	}

	e.metrics.PriceChange(string(job.reason))
	e.logger.Info("Repriced variant",
		"variantID", v.ID, "reason", job.reason,
		"from", pricing.FormatPrice(change.OldPriceCents), "to", pricing.FormatPrice(newCents))
	return true, nil
}

// SetVariantPrice applies an operator price edit through the same per-variant
// critical section the scheduler uses.
func (e *Engine) SetVariantPrice(ctx context.Context, variantID string, newCents int64) (bool, error) {
	if newCents < 0 {
		return false, fmt.Errorf("price %d: %w", newCents, model.ErrInvalid)
	}
	v, err := e.repo.GetVariant(ctx, variantID)
	if err != nil {
		return false, fmt.Errorf("get variant: %w", err)
	}
	shop, err := e.repo.GetShop(ctx, v.ShopID)
	if err != nil {
		return false, fmt.Errorf("get shop: %w", err)
	}
	return e.repriceVariant(ctx, variantID, repriceJob{
		shop:   shop,
		reason: model.ReasonManual,
		target: func(model.Variant) (int64, bool) { return newCents, true },
	})
}
