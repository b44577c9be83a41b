package switchback

import (
	"context"
	"fmt"

	"pennyperfect/internal/model"
)

// RecordSession counts a storefront session against every live experiment of the shop.
func (e *Engine) RecordSession(ctx context.Context, shopDomain string) (int, error) {
	return e.HandleEvent(ctx, model.StoreEvent{Type: model.EventSessionStart, ShopDomain: shopDomain})
}

// RecordOrder counts a paid order and its revenue.
func (e *Engine) RecordOrder(ctx context.Context, shopDomain string, revenueCents int64) (int, error) {
	return e.HandleEvent(ctx, model.StoreEvent{Type: model.EventOrderPaid, ShopDomain: shopDomain, RevenueCents: revenueCents})
}

// HandleEvent applies one storefront event to the open periods of the shop's
// running and paused experiments and returns how many periods it touched.
func (e *Engine) HandleEvent(ctx context.Context, ev model.StoreEvent) (int, error) {
	var sessions, orders, revenue int64
	switch ev.Type {
	case model.EventSessionStart:
		sessions = 1
	case model.EventOrderPaid:
		if ev.RevenueCents < 0 {
			return 0, fmt.Errorf("order revenue %d: %w", ev.RevenueCents, model.ErrInvalid)
		}
		orders, revenue = 1, ev.RevenueCents
	default:
		return 0, fmt.Errorf("event type %q: %w", ev.Type, model.ErrInvalid)
	}

	shop, err := e.repo.GetShopByDomain(ctx, ev.ShopDomain)
	if err != nil {
		return 0, fmt.Errorf("shop %s: %w", ev.ShopDomain, err)
	}

	n, err := e.repo.IncrementCounters(ctx, shop.ID, sessions, orders, revenue)
	if err != nil {
		return 0, fmt.Errorf("increment counters: %w", err)
	}
	e.metrics.Event(string(ev.Type))
	e.logger.Debug("Applied storefront event", "type", ev.Type, "shop", ev.ShopDomain, "periods", n)
	return n, nil
}

// ConsumeEvents applies events from ch until ctx ends or ch closes.
func (e *Engine) ConsumeEvents(ctx context.Context, ch <-chan model.StoreEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if _, err := e.HandleEvent(ctx, ev); err != nil {
				e.logger.Warn("Failed to apply storefront event", "type", ev.Type, "shop", ev.ShopDomain, "error", err)
			}
		}
	}
}
