package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"pennyperfect/internal/model"
)

// MemoryRepository is an in-process Repository used by tests and the
// --use-memory flag. Reads return copies so callers never alias stored state.
type MemoryRepository struct {
	mu sync.RWMutex

	now func() time.Time

	shops       map[string]model.Shop
	bands       map[string]model.PriceBand
	experiments map[string]model.Experiment
	periods     map[string]model.ExperimentPeriod
	variants    map[string]model.Variant
	changes     []model.PriceChange
	baselines   map[string]model.BaselinePrice
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:         func() time.Time { return time.Now().UTC() },
		shops:       make(map[string]model.Shop),
		bands:       make(map[string]model.PriceBand),
		experiments: make(map[string]model.Experiment),
		periods:     make(map[string]model.ExperimentPeriod),
		variants:    make(map[string]model.Variant),
		baselines:   make(map[string]model.BaselinePrice),
	}
}

func (m *MemoryRepository) Migrate(ctx context.Context) error { return nil }

func (m *MemoryRepository) CreateShop(ctx context.Context, shop *model.Shop) error {
	if shop.Domain == "" {
		return fmt.Errorf("create shop: %w", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.shops {
		if s.Domain == shop.Domain {
			return fmt.Errorf("create shop %s: %w", shop.Domain, ErrConflict)
		}
	}
	shop.ID = newID(shop.ID)
	if _, ok := m.shops[shop.ID]; ok {
		return fmt.Errorf("create shop %s: %w", shop.ID, ErrConflict)
	}
	shop.CreatedAt = m.now()
	m.shops[shop.ID] = *shop
	return nil
}

func (m *MemoryRepository) GetShop(ctx context.Context, id string) (model.Shop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shops[id]
	if !ok {
		return model.Shop{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryRepository) GetShopByDomain(ctx context.Context, domain string) (model.Shop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.shops {
		if s.Domain == domain {
			return s, nil
		}
	}
	return model.Shop{}, ErrNotFound
}

func cloneBand(b model.PriceBand) model.PriceBand {
	b.AllowedEndings = slices.Clone(b.AllowedEndings)
	b.ExcludeCollections = slices.Clone(b.ExcludeCollections)
	b.ExcludeSkus = slices.Clone(b.ExcludeSkus)
	if b.FloorCents != nil {
		f := *b.FloorCents
		b.FloorCents = &f
	}
	return b
}

func (m *MemoryRepository) CreateBand(ctx context.Context, band *model.PriceBand) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shops[band.ShopID]; !ok {
		return fmt.Errorf("create band: shop %s: %w", band.ShopID, ErrInvalidInput)
	}
	band.ID = newID(band.ID)
	if _, ok := m.bands[band.ID]; ok {
		return fmt.Errorf("create band %s: %w", band.ID, ErrConflict)
	}
	band.CreatedAt = m.now()
	band.UpdatedAt = band.CreatedAt
	m.bands[band.ID] = cloneBand(*band)
	return nil
}

func (m *MemoryRepository) GetBand(ctx context.Context, id string) (model.PriceBand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bands[id]
	if !ok {
		return model.PriceBand{}, ErrNotFound
	}
	return cloneBand(b), nil
}

func (m *MemoryRepository) ListBands(ctx context.Context, shopID string) ([]model.PriceBand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.PriceBand
	for _, b := range m.bands {
		if b.ShopID == shopID {
			out = append(out, cloneBand(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryRepository) UpdateBand(ctx context.Context, band *model.PriceBand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.bands[band.ID]
	if !ok {
		return ErrNotFound
	}
	band.ShopID = old.ShopID
	band.CreatedAt = old.CreatedAt
	band.UpdatedAt = m.now()
	m.bands[band.ID] = cloneBand(*band)
	return nil
}

func (m *MemoryRepository) liveOnBand(bandID string) bool {
	for _, e := range m.experiments {
		if e.BandID == bandID && !e.Status.Terminal() {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) DeleteBand(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bands[id]; !ok {
		return ErrNotFound
	}
	if m.liveOnBand(id) {
		return fmt.Errorf("delete band %s: %w", id, ErrConflict)
	}
	delete(m.bands, id)
	for eid, e := range m.experiments {
		if e.BandID != id {
			continue
		}
		delete(m.experiments, eid)
		for pid, p := range m.periods {
			if p.ExperimentID == eid {
				delete(m.periods, pid)
			}
		}
	}
	return nil
}

func cloneExperiment(e model.Experiment) model.Experiment {
	if e.EndedAt != nil {
		t := *e.EndedAt
		e.EndedAt = &t
	}
	if e.PausedAt != nil {
		t := *e.PausedAt
		e.PausedAt = &t
	}
	return e
}

func (m *MemoryRepository) CreateExperiment(ctx context.Context, exp *model.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bands[exp.BandID]; !ok {
		return fmt.Errorf("create experiment: band %s: %w", exp.BandID, ErrInvalidInput)
	}
	if !exp.Status.Terminal() && m.liveOnBand(exp.BandID) {
		return fmt.Errorf("create experiment on band %s: %w", exp.BandID, ErrConflict)
	}
	exp.ID = newID(exp.ID)
	if _, ok := m.experiments[exp.ID]; ok {
		return fmt.Errorf("create experiment %s: %w", exp.ID, ErrConflict)
	}
	m.experiments[exp.ID] = cloneExperiment(*exp)
	return nil
}

func (m *MemoryRepository) GetExperiment(ctx context.Context, id string) (model.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.experiments[id]
	if !ok {
		return model.Experiment{}, ErrNotFound
	}
	return cloneExperiment(e), nil
}

func (m *MemoryRepository) ListExperiments(ctx context.Context, shopID string) ([]model.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Experiment
	for _, e := range m.experiments {
		if e.ShopID == shopID {
			out = append(out, cloneExperiment(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryRepository) ListExperimentsByStatus(ctx context.Context, statuses ...model.Status) ([]model.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Experiment
	for _, e := range m.experiments {
		if slices.Contains(statuses, e.Status) {
			out = append(out, cloneExperiment(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryRepository) UpdateExperiment(ctx context.Context, exp *model.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.experiments[exp.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != exp.Version {
		return fmt.Errorf("update experiment %s at version %d: %w", exp.ID, exp.Version, ErrConflict)
	}
	stored.Status = exp.Status
	stored.EndedAt = exp.EndedAt
	stored.PausedAt = exp.PausedAt
	stored.Version++
	m.experiments[exp.ID] = cloneExperiment(stored)
	exp.Version = stored.Version
	return nil
}

func clonePeriod(p model.ExperimentPeriod) model.ExperimentPeriod {
	if p.EndedAt != nil {
		t := *p.EndedAt
		p.EndedAt = &t
	}
	return p
}

func (m *MemoryRepository) ListPeriods(ctx context.Context, experimentID string) ([]model.ExperimentPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ExperimentPeriod
	for _, p := range m.periods {
		if p.ExperimentID == experimentID {
			out = append(out, clonePeriod(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryRepository) OpenPeriod(ctx context.Context, p *model.ExperimentPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.experiments[p.ExperimentID]; !ok {
		return fmt.Errorf("open period: experiment %s: %w", p.ExperimentID, ErrInvalidInput)
	}
	for _, existing := range m.periods {
		if existing.ExperimentID == p.ExperimentID && existing.Open() {
			return fmt.Errorf("open period for %s: %w", p.ExperimentID, ErrConflict)
		}
	}
	p.ID = newID(p.ID)
	p.EndedAt = nil
	m.periods[p.ID] = *p
	return nil
}

func (m *MemoryRepository) openPeriod(periodID string) (model.ExperimentPeriod, error) {
	p, ok := m.periods[periodID]
	if !ok {
		return p, ErrNotFound
	}
	if !p.Open() {
		return p, fmt.Errorf("period %s already closed: %w", periodID, ErrConflict)
	}
	return p, nil
}

func (m *MemoryRepository) ClosePeriod(ctx context.Context, periodID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.openPeriod(periodID)
	if err != nil {
		return err
	}
	p.EndedAt = &endedAt
	m.periods[periodID] = p
	return nil
}

func (m *MemoryRepository) MovePeriodStart(ctx context.Context, periodID string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.openPeriod(periodID)
	if err != nil {
		return err
	}
	p.StartedAt = startedAt
	m.periods[periodID] = p
	return nil
}

func (m *MemoryRepository) IncrementCounters(ctx context.Context, shopID string, sessions, orders, revenueCents int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := 0
	for id, p := range m.periods {
		if !p.Open() {
			continue
		}
		e, ok := m.experiments[p.ExperimentID]
		if !ok || e.ShopID != shopID || e.Status.Terminal() {
			continue
		}
		p.Sessions += sessions
		p.Orders += orders
		p.RevenueCents += revenueCents
		m.periods[id] = p
		touched++
	}
	return touched, nil
}

func (m *MemoryRepository) UpsertVariant(ctx context.Context, v *model.Variant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = newID(v.ID)
	v.UpdatedAt = m.now()
	stored := *v
	stored.Collections = slices.Clone(v.Collections)
	m.variants[v.ID] = stored
	return nil
}

func (m *MemoryRepository) GetVariant(ctx context.Context, id string) (model.Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.variants[id]
	if !ok {
		return model.Variant{}, ErrNotFound
	}
	v.Collections = slices.Clone(v.Collections)
	return v, nil
}

func (m *MemoryRepository) ListVariantsInRange(ctx context.Context, shopID string, minCents, maxCents int64) ([]model.Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Variant
	for _, v := range m.variants {
		if v.ShopID == shopID && v.PriceCents >= minCents && v.PriceCents <= maxCents {
			v.Collections = slices.Clone(v.Collections)
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) ApplyPriceChange(ctx context.Context, change *model.PriceChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variants[change.VariantID]
	if !ok {
		return ErrNotFound
	}
	change.ID = newID(change.ID)
	change.OldPriceCents = v.PriceCents
	change.CreatedAt = m.now()

	stored := *change
	if change.ExperimentID != nil {
		id := *change.ExperimentID
		stored.ExperimentID = &id
	}
	m.changes = append(m.changes, stored)

	v.PriceCents = change.NewPriceCents
	v.UpdatedAt = change.CreatedAt
	m.variants[v.ID] = v
	return nil
}

func (m *MemoryRepository) ListPriceChanges(ctx context.Context, experimentID string, reason model.Reason) ([]model.PriceChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.PriceChange
	for _, c := range m.changes {
		if c.ExperimentID != nil && *c.ExperimentID == experimentID && c.Reason == reason {
			id := *c.ExperimentID
			c.ExperimentID = &id
			out = append(out, c)
		}
	}
	return out, nil
}

func baselineKey(experimentID, variantID string) string {
	return experimentID + "/" + variantID
}

func (m *MemoryRepository) SaveBaselinePrice(ctx context.Context, b model.BaselinePrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := baselineKey(b.ExperimentID, b.VariantID)
	if _, ok := m.baselines[key]; ok {
		return nil
	}
	if b.CapturedAt.IsZero() {
		b.CapturedAt = m.now()
	}
	m.baselines[key] = b
	return nil
}

func (m *MemoryRepository) ListBaselinePrices(ctx context.Context, experimentID string) ([]model.BaselinePrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.BaselinePrice
	for _, b := range m.baselines {
		if b.ExperimentID == experimentID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out, nil
}
