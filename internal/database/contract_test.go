package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pennyperfect/internal/model"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fixture seeds one shop and one band so every subtest works on its own rows.
type fixture struct {
	repo Repository
	shop model.Shop
	band model.PriceBand
}

func newFixture(t *testing.T, repo Repository) *fixture {
	t.Helper()
	ctx := context.Background()

	shop := model.Shop{Domain: uuid.NewString() + ".myshopify.com", AccessToken: "shpat_test"}
	require.NoError(t, repo.CreateShop(ctx, &shop))

	floor := int64(1500)
	band := model.PriceBand{
		ShopID:         shop.ID,
		Name:           "Mid range",
		MinCents:       1000,
		MaxCents:       5000,
		AllowedEndings: []int{99, 95, 90},
		FloorCents:     &floor,
		ExcludeSkus:    []string{"GIFT-CARD"},
		Active:         true,
	}
	require.NoError(t, repo.CreateBand(ctx, &band))
	return &fixture{repo: repo, shop: shop, band: band}
}

func (f *fixture) experiment(t *testing.T, status model.Status) model.Experiment {
	t.Helper()
	exp := model.Experiment{
		ShopID:             f.shop.ID,
		BandID:             f.band.ID,
		CadenceHours:       24,
		RevertThresholdRPV: 0.05,
		MinSessions:        500,
		MinCycles:          3,
		Status:             status,
		StartedAt:          epoch,
	}
	require.NoError(t, f.repo.CreateExperiment(context.Background(), &exp))
	return exp
}

// runRepositoryContract exercises behaviour every Repository must share.
func runRepositoryContract(t *testing.T, newRepo func() Repository) {
	ctx := context.Background()

	t.Run("Shops", func(t *testing.T) {
		f := newFixture(t, newRepo())

		got, err := f.repo.GetShopByDomain(ctx, f.shop.Domain)
		require.NoError(t, err)
		assert.Equal(t, f.shop.ID, got.ID)
		assert.Equal(t, "shpat_test", got.AccessToken)

		dup := model.Shop{Domain: f.shop.Domain}
		assert.ErrorIs(t, f.repo.CreateShop(ctx, &dup), ErrConflict)

		_, err = f.repo.GetShop(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Bands", func(t *testing.T) {
		f := newFixture(t, newRepo())

		got, err := f.repo.GetBand(ctx, f.band.ID)
		require.NoError(t, err)
		assert.Equal(t, []int{99, 95, 90}, got.AllowedEndings)
		require.NotNil(t, got.FloorCents)
		assert.Equal(t, int64(1500), *got.FloorCents)
		assert.Equal(t, []string{"GIFT-CARD"}, got.ExcludeSkus)

		got.Name = "Renamed"
		got.Active = false
		got.FloorCents = nil
		require.NoError(t, f.repo.UpdateBand(ctx, &got))

		bands, err := f.repo.ListBands(ctx, f.shop.ID)
		require.NoError(t, err)
		require.Len(t, bands, 1)
		assert.Equal(t, "Renamed", bands[0].Name)
		assert.False(t, bands[0].Active)
		assert.Nil(t, bands[0].FloorCents)

		missing := model.PriceBand{ID: uuid.NewString(), Name: "x", AllowedEndings: []int{99}}
		assert.ErrorIs(t, f.repo.UpdateBand(ctx, &missing), ErrNotFound)
	})

	t.Run("DeleteBandBlockedByLiveExperiment", func(t *testing.T) {
		f := newFixture(t, newRepo())
		exp := f.experiment(t, model.StatusRunning)

		assert.ErrorIs(t, f.repo.DeleteBand(ctx, f.band.ID), ErrConflict)

		exp.Status = model.StatusReverted
		ended := epoch.Add(time.Hour)
		exp.EndedAt = &ended
		require.NoError(t, f.repo.UpdateExperiment(ctx, &exp))

		require.NoError(t, f.repo.DeleteBand(ctx, f.band.ID))
		_, err := f.repo.GetBand(ctx, f.band.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, f.repo.DeleteBand(ctx, f.band.ID), ErrNotFound)
	})

	t.Run("OneLiveExperimentPerBand", func(t *testing.T) {
		f := newFixture(t, newRepo())
		first := f.experiment(t, model.StatusPaused)

		second := model.Experiment{
			ShopID: f.shop.ID, BandID: f.band.ID, CadenceHours: 24, MinCycles: 3,
			Status: model.StatusRunning, StartedAt: epoch,
		}
		assert.ErrorIs(t, f.repo.CreateExperiment(ctx, &second), ErrConflict)

		first.Status = model.StatusRunning
		require.NoError(t, f.repo.UpdateExperiment(ctx, &first))
		first.Status = model.StatusPromoted
		require.NoError(t, f.repo.UpdateExperiment(ctx, &first))

		second.ID = ""
		require.NoError(t, f.repo.CreateExperiment(ctx, &second))
	})

	t.Run("UpdateExperimentVersionCheck", func(t *testing.T) {
		f := newFixture(t, newRepo())
		exp := f.experiment(t, model.StatusRunning)
		stale := exp

		paused := epoch.Add(2 * time.Hour)
		exp.Status = model.StatusPaused
		exp.PausedAt = &paused
		require.NoError(t, f.repo.UpdateExperiment(ctx, &exp))
		assert.Equal(t, int64(1), exp.Version)

		stale.Status = model.StatusPromoted
		assert.ErrorIs(t, f.repo.UpdateExperiment(ctx, &stale), ErrConflict)

		got, err := f.repo.GetExperiment(ctx, exp.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPaused, got.Status)
		require.NotNil(t, got.PausedAt)
		assert.WithinDuration(t, paused, *got.PausedAt, time.Millisecond)

		live, err := f.repo.ListExperimentsByStatus(ctx, model.StatusPaused)
		require.NoError(t, err)
		assert.True(t, containsExperiment(live, exp.ID))

		missing := model.Experiment{ID: uuid.NewString(), Status: model.StatusPaused}
		assert.ErrorIs(t, f.repo.UpdateExperiment(ctx, &missing), ErrNotFound)
	})

	t.Run("Periods", func(t *testing.T) {
		f := newFixture(t, newRepo())
		exp := f.experiment(t, model.StatusRunning)

		first := model.ExperimentPeriod{ExperimentID: exp.ID, Ending: 99, StartedAt: epoch}
		require.NoError(t, f.repo.OpenPeriod(ctx, &first))

		another := model.ExperimentPeriod{ExperimentID: exp.ID, Ending: 95, StartedAt: epoch}
		assert.ErrorIs(t, f.repo.OpenPeriod(ctx, &another), ErrConflict)

		moved := epoch.Add(30 * time.Minute)
		require.NoError(t, f.repo.MovePeriodStart(ctx, first.ID, moved))

		end := epoch.Add(24 * time.Hour)
		require.NoError(t, f.repo.ClosePeriod(ctx, first.ID, end))
		assert.ErrorIs(t, f.repo.ClosePeriod(ctx, first.ID, end), ErrConflict)
		assert.ErrorIs(t, f.repo.ClosePeriod(ctx, uuid.NewString(), end), ErrNotFound)

		second := model.ExperimentPeriod{ExperimentID: exp.ID, Ending: 95, StartedAt: end}
		require.NoError(t, f.repo.OpenPeriod(ctx, &second))

		periods, err := f.repo.ListPeriods(ctx, exp.ID)
		require.NoError(t, err)
		require.Len(t, periods, 2)
		assert.Equal(t, 99, periods[0].Ending)
		assert.WithinDuration(t, moved, periods[0].StartedAt, time.Millisecond)
		assert.False(t, periods[0].Open())
		assert.True(t, periods[1].Open())
	})

	t.Run("IncrementCounters", func(t *testing.T) {
		f := newFixture(t, newRepo())
		exp := f.experiment(t, model.StatusRunning)

		closedEnd := epoch.Add(24 * time.Hour)
		old := model.ExperimentPeriod{ExperimentID: exp.ID, Ending: 99, StartedAt: epoch}
		require.NoError(t, f.repo.OpenPeriod(ctx, &old))
		require.NoError(t, f.repo.ClosePeriod(ctx, old.ID, closedEnd))
		open := model.ExperimentPeriod{ExperimentID: exp.ID, Ending: 95, StartedAt: closedEnd}
		require.NoError(t, f.repo.OpenPeriod(ctx, &open))

		n, err := f.repo.IncrementCounters(ctx, f.shop.ID, 1, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = f.repo.IncrementCounters(ctx, f.shop.ID, 0, 1, 2495)
		require.NoError(t, err)

		exp.Status = model.StatusPaused
		require.NoError(t, f.repo.UpdateExperiment(ctx, &exp))
		n, err = f.repo.IncrementCounters(ctx, f.shop.ID, 1, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "paused experiments keep accumulating")

		periods, err := f.repo.ListPeriods(ctx, exp.ID)
		require.NoError(t, err)
		require.Len(t, periods, 2)
		assert.Equal(t, int64(0), periods[0].Sessions, "closed periods are frozen")
		assert.Equal(t, int64(2), periods[1].Sessions)
		assert.Equal(t, int64(1), periods[1].Orders)
		assert.Equal(t, int64(2495), periods[1].RevenueCents)

		exp.Status = model.StatusRunning
		require.NoError(t, f.repo.UpdateExperiment(ctx, &exp))
		exp.Status = model.StatusReverted
		require.NoError(t, f.repo.UpdateExperiment(ctx, &exp))
		n, err = f.repo.IncrementCounters(ctx, f.shop.ID, 1, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("VariantsAndPriceChanges", func(t *testing.T) {
		f := newFixture(t, newRepo())
		exp := f.experiment(t, model.StatusRunning)

		in := model.Variant{ShopID: f.shop.ID, PlatformVariantID: "gid-1", SKU: "TEE-M", PriceCents: 2499}
		out := model.Variant{ShopID: f.shop.ID, PlatformVariantID: "gid-2", SKU: "MUG", PriceCents: 9999}
		require.NoError(t, f.repo.UpsertVariant(ctx, &in))
		require.NoError(t, f.repo.UpsertVariant(ctx, &out))

		ranged, err := f.repo.ListVariantsInRange(ctx, f.shop.ID, 1000, 5000)
		require.NoError(t, err)
		require.Len(t, ranged, 1)
		assert.Equal(t, in.ID, ranged[0].ID)

		expID := exp.ID
		change := model.PriceChange{
			ShopID: f.shop.ID, VariantID: in.ID, ExperimentID: &expID,
			OldPriceCents: 1, NewPriceCents: 2495, Reason: model.ReasonSwitchback,
		}
		require.NoError(t, f.repo.ApplyPriceChange(ctx, &change))
		assert.Equal(t, int64(2499), change.OldPriceCents, "old price is read under lock")

		second := model.PriceChange{
			ShopID: f.shop.ID, VariantID: in.ID, ExperimentID: &expID,
			NewPriceCents: 2490, Reason: model.ReasonSwitchback,
		}
		require.NoError(t, f.repo.ApplyPriceChange(ctx, &second))

		got, err := f.repo.GetVariant(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2490), got.PriceCents)

		changes, err := f.repo.ListPriceChanges(ctx, exp.ID, model.ReasonSwitchback)
		require.NoError(t, err)
		require.Len(t, changes, 2)
		assert.Equal(t, int64(2499), changes[0].OldPriceCents)
		assert.Equal(t, int64(2495), changes[1].OldPriceCents)

		none, err := f.repo.ListPriceChanges(ctx, exp.ID, model.ReasonRevert)
		require.NoError(t, err)
		assert.Empty(t, none)

		ghost := model.PriceChange{ShopID: f.shop.ID, VariantID: uuid.NewString(), NewPriceCents: 1, Reason: model.ReasonManual}
		assert.ErrorIs(t, f.repo.ApplyPriceChange(ctx, &ghost), ErrNotFound)
	})

	t.Run("BaselineFirstCaptureWins", func(t *testing.T) {
		f := newFixture(t, newRepo())
		exp := f.experiment(t, model.StatusRunning)
		v := model.Variant{ShopID: f.shop.ID, PlatformVariantID: "gid-1", PriceCents: 2499}
		require.NoError(t, f.repo.UpsertVariant(ctx, &v))

		require.NoError(t, f.repo.SaveBaselinePrice(ctx, model.BaselinePrice{ExperimentID: exp.ID, VariantID: v.ID, PriceCents: 2499}))
		require.NoError(t, f.repo.SaveBaselinePrice(ctx, model.BaselinePrice{ExperimentID: exp.ID, VariantID: v.ID, PriceCents: 2495}))

		baselines, err := f.repo.ListBaselinePrices(ctx, exp.ID)
		require.NoError(t, err)
		require.Len(t, baselines, 1)
		assert.Equal(t, int64(2499), baselines[0].PriceCents)
	})
}

func containsExperiment(list []model.Experiment, id string) bool {
	for _, e := range list {
		if e.ID == id {
			return true
		}
	}
	return false
}
