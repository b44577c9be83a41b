package switchback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pennyperfect/internal/database"
	"pennyperfect/internal/decision"
	"pennyperfect/internal/model"
)

func TestEngine_CreateExperiment(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		h := newHarness(t, defaultConfig())
		assert.Equal(t, model.StatusRunning, h.exp.Status)
		assert.Equal(t, int64(DefaultMinSessions), h.exp.MinSessions)
		assert.Equal(t, DefaultMinCycles, h.exp.MinCycles)
		assert.Equal(t, h.shop.ID, h.exp.ShopID)
		assert.Equal(t, t0, h.exp.StartedAt)
		assert.Empty(t, h.periods(t), "first period opens on the next tick")
	})

	t.Run("second live experiment on a band is rejected", func(t *testing.T) {
		h := newHarness(t, defaultConfig())
		_, err := h.engine.CreateExperiment(h.ctx, NewExperiment{BandID: h.band.ID, CadenceHours: 12})
		assert.ErrorIs(t, err, ErrBandBusy)

		_, err = h.engine.Pause(h.ctx, h.exp.ID)
		require.NoError(t, err)
		_, err = h.engine.CreateExperiment(h.ctx, NewExperiment{BandID: h.band.ID, CadenceHours: 12})
		assert.ErrorIs(t, err, ErrBandBusy, "paused experiments still own the band")
	})

	t.Run("band of another shop", func(t *testing.T) {
		h := newHarness(t, defaultConfig())
		_, err := h.engine.CreateExperiment(h.ctx, NewExperiment{ShopID: "other", BandID: h.band.ID, CadenceHours: 12})
		assert.ErrorIs(t, err, database.ErrNotFound)
	})

	t.Run("inactive band", func(t *testing.T) {
		h := newHarness(t, defaultConfig())
		band := model.PriceBand{ShopID: h.shop.ID, Name: "Mugs", MinCents: 500, MaxCents: 900, AllowedEndings: []int{99}}
		require.NoError(t, h.engine.CreateBand(h.ctx, &band))
		_, err := h.engine.CreateExperiment(h.ctx, NewExperiment{BandID: band.ID, CadenceHours: 12})
		assert.ErrorIs(t, err, model.ErrInvalid)
	})

	t.Run("invalid cadence", func(t *testing.T) {
		h := newHarness(t, defaultConfig())
		band := model.PriceBand{ShopID: h.shop.ID, Name: "Hats", MinCents: 500, MaxCents: 900, AllowedEndings: []int{99}, Active: true}
		require.NoError(t, h.engine.CreateBand(h.ctx, &band))
		_, err := h.engine.CreateExperiment(h.ctx, NewExperiment{BandID: band.ID, CadenceHours: 0})
		assert.ErrorIs(t, err, model.ErrInvalid)
	})
}

func TestEngine_Bands(t *testing.T) {
	h := newHarness(t, defaultConfig())

	bad := model.PriceBand{ShopID: h.shop.ID, Name: "Broken", MinCents: 900, MaxCents: 500, AllowedEndings: []int{99}}
	assert.ErrorIs(t, h.engine.CreateBand(h.ctx, &bad), model.ErrInvalid)

	assert.ErrorIs(t, h.engine.DeleteBand(h.ctx, h.band.ID), ErrBandBusy)

	_, err := h.engine.Revert(h.ctx, h.exp.ID)
	require.NoError(t, err)
	require.NoError(t, h.engine.DeleteBand(h.ctx, h.band.ID))

	_, err = h.repo.GetBand(h.ctx, h.band.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestEngine_PauseResume(t *testing.T) {
	t.Run("paused time counts toward cadence", func(t *testing.T) {
		h := newHarness(t, defaultConfig())
		h.platform.On("UpdateVariantPrice", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		_, err := h.engine.Tick(h.ctx, t0)
		require.NoError(t, err)

		h.clock = t0.Add(2 * time.Hour)
		res, err := h.engine.Pause(h.ctx, h.exp.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPaused, res.Experiment.Status)
		require.NotNil(t, res.Experiment.PausedAt)

		h.clock = t0.Add(10 * time.Hour)
		res, err = h.engine.Resume(h.ctx, h.exp.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRunning, res.Experiment.Status)
		assert.Nil(t, res.Experiment.PausedAt)

		periods := h.periods(t)
		require.Len(t, periods, 1)
		assert.Equal(t, t0, periods[0].StartedAt)
	})

	t.Run("paused time excluded shifts the open period", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.CountPausedTime = false
		h := newHarness(t, cfg)
		h.platform.On("UpdateVariantPrice", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		_, err := h.engine.Tick(h.ctx, t0)
		require.NoError(t, err)

		h.clock = t0.Add(2 * time.Hour)
		_, err = h.engine.Pause(h.ctx, h.exp.ID)
		require.NoError(t, err)
		h.clock = t0.Add(10 * time.Hour)
		_, err = h.engine.Resume(h.ctx, h.exp.ID)
		require.NoError(t, err)

		periods := h.periods(t)
		require.Len(t, periods, 1)
		assert.Equal(t, t0.Add(8*time.Hour), periods[0].StartedAt)

		res, err := h.engine.Tick(h.ctx, t0.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, res.PeriodsClosed, "cadence measured without the pause")
	})

	t.Run("invalid transitions", func(t *testing.T) {
		h := newHarness(t, defaultConfig())

		_, err := h.engine.Resume(h.ctx, h.exp.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = h.engine.Pause(h.ctx, h.exp.ID)
		require.NoError(t, err)
		_, err = h.engine.Pause(h.ctx, h.exp.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		_, err = h.engine.Promote(h.ctx, h.exp.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		_, err = h.engine.Revert(h.ctx, h.exp.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = h.engine.Resume(h.ctx, h.exp.ID)
		require.NoError(t, err)
		_, err = h.engine.Revert(h.ctx, h.exp.ID)
		require.NoError(t, err)

		for _, cmd := range []func() error{
			func() error { _, err := h.engine.Pause(h.ctx, h.exp.ID); return err },
			func() error { _, err := h.engine.Resume(h.ctx, h.exp.ID); return err },
			func() error { _, err := h.engine.Promote(h.ctx, h.exp.ID); return err },
			func() error { _, err := h.engine.Revert(h.ctx, h.exp.ID); return err },
		} {
			assert.ErrorIs(t, cmd(), ErrInvalidTransition)
		}
	})

	t.Run("unknown experiment", func(t *testing.T) {
		h := newHarness(t, defaultConfig())
		_, err := h.engine.Pause(h.ctx, "missing")
		assert.ErrorIs(t, err, database.ErrNotFound)
	})
}

func TestEngine_Promote(t *testing.T) {
	t.Run("no period data", func(t *testing.T) {
		h := newHarness(t, defaultConfig())
		_, err := h.engine.Promote(h.ctx, h.exp.ID)
		assert.ErrorIs(t, err, ErrNoData)
		assert.Equal(t, model.StatusRunning, h.experiment(t).Status)
	})

	t.Run("promotes the best ending without gates", func(t *testing.T) {
		h := newHarness(t, defaultConfig())
		h.platform.On("UpdateVariantPrice", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		h.seedClosed(t, 0, 99, 100, 5, 10000)
		open := model.ExperimentPeriod{ExperimentID: h.exp.ID, Ending: 90, StartedAt: t0.Add(24 * time.Hour),
			Sessions: 100, Orders: 6, RevenueCents: 15000}
		require.NoError(t, h.repo.OpenPeriod(h.ctx, &open))

		h.clock = t0.Add(30 * time.Hour)
		res, err := h.engine.Promote(h.ctx, h.exp.ID)
		require.NoError(t, err)
		require.NotNil(t, res.Ending)
		assert.Equal(t, 90, *res.Ending)
		assert.Equal(t, model.StatusPromoted, res.Experiment.Status)
		assert.Equal(t, 2, res.Reprice.Changed)

		assert.Equal(t, int64(2490), h.price(t, "var-a"))
		assert.Equal(t, int64(3090), h.price(t, "var-b"))

		for _, p := range h.periods(t) {
			assert.False(t, p.Open(), "concluding closes the open period")
		}
	})
}

func TestEngine_Revert(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.platform.On("UpdateVariantPrice", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	_, err := h.engine.Tick(h.ctx, t0)
	require.NoError(t, err)
	_, err = h.engine.Tick(h.ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2495), h.price(t, "var-a"))
	require.Equal(t, int64(3095), h.price(t, "var-b"))

	res, err := h.engine.Revert(h.ctx, h.exp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReverted, res.Experiment.Status)
	assert.Equal(t, 2, res.Reprice.Changed)
	assert.Equal(t, int64(2499), h.price(t, "var-a"))
	assert.Equal(t, int64(3000), h.price(t, "var-b"))
}

func TestEngine_Describe(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.seedClosed(t, 0, 99, 100, 5, 10000)
	h.seedClosed(t, 1, 95, 100, 6, 12000)

	d, err := h.engine.Describe(h.ctx, h.exp.ID)
	require.NoError(t, err)
	assert.Equal(t, h.exp.ID, d.Experiment.ID)
	assert.Equal(t, h.band.ID, d.Band.ID)
	assert.Len(t, d.Periods, 2)
	assert.Len(t, d.Endings, 2)
	require.NotNil(t, d.Preview)
	assert.Equal(t, decision.OutcomeNone, d.Preview.Outcome, "two periods are below the default gate")

	_, err = h.engine.Describe(h.ctx, "missing")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestEngine_Events(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.platform.On("UpdateVariantPrice", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	n, err := h.engine.RecordSession(h.ctx, h.shop.Domain)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no open period yet")

	_, err = h.engine.Tick(h.ctx, t0)
	require.NoError(t, err)

	n, err = h.engine.RecordSession(h.ctx, h.shop.Domain)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = h.engine.RecordSession(h.ctx, h.shop.Domain)
	require.NoError(t, err)
	_, err = h.engine.RecordOrder(h.ctx, h.shop.Domain, 2495)
	require.NoError(t, err)

	_, err = h.engine.Pause(h.ctx, h.exp.ID)
	require.NoError(t, err)
	n, err = h.engine.RecordSession(h.ctx, h.shop.Domain)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "paused experiments keep counting")

	periods := h.periods(t)
	require.Len(t, periods, 1)
	assert.Equal(t, int64(3), periods[0].Sessions)
	assert.Equal(t, int64(1), periods[0].Orders)
	assert.Equal(t, int64(2495), periods[0].RevenueCents)

	_, err = h.engine.RecordOrder(h.ctx, h.shop.Domain, -1)
	assert.ErrorIs(t, err, model.ErrInvalid)
	_, err = h.engine.RecordSession(h.ctx, "unknown.myshopify.com")
	assert.ErrorIs(t, err, database.ErrNotFound)
	_, err = h.engine.HandleEvent(h.ctx, model.StoreEvent{Type: "refund", ShopDomain: h.shop.Domain})
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestEngine_ConsumeEvents(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.platform.On("UpdateVariantPrice", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	_, err := h.engine.Tick(h.ctx, t0)
	require.NoError(t, err)

	ch := make(chan model.StoreEvent, 3)
	ch <- model.StoreEvent{Type: model.EventSessionStart, ShopDomain: h.shop.Domain}
	ch <- model.StoreEvent{Type: model.EventSessionStart, ShopDomain: "unknown.myshopify.com"}
	ch <- model.StoreEvent{Type: model.EventOrderPaid, ShopDomain: h.shop.Domain, RevenueCents: 1000}
	close(ch)

	h.engine.ConsumeEvents(h.ctx, ch)

	periods := h.periods(t)
	require.Len(t, periods, 1)
	assert.Equal(t, int64(1), periods[0].Sessions)
	assert.Equal(t, int64(1000), periods[0].RevenueCents)
}

func TestEngine_SetVariantPrice(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.platform.On("UpdateVariantPrice", mock.Anything, mock.Anything, variantMatcher("var-a"), int64(2250)).Return(nil)

	changed, err := h.engine.SetVariantPrice(h.ctx, "var-a", 2250)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(2250), h.price(t, "var-a"))

	changed, err = h.engine.SetVariantPrice(h.ctx, "var-a", 2250)
	require.NoError(t, err)
	assert.False(t, changed)
	h.platform.AssertNumberOfCalls(t, "UpdateVariantPrice", 1)

	_, err = h.engine.SetVariantPrice(h.ctx, "var-a", -5)
	assert.ErrorIs(t, err, model.ErrInvalid)
	_, err = h.engine.SetVariantPrice(h.ctx, "missing", 100)
	assert.ErrorIs(t, err, database.ErrNotFound)
}
