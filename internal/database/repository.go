package database

import (
	"context"
	"errors"
	"time"

	"pennyperfect/internal/model"
)

// Storage errors shared by every Repository implementation.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write loses a uniqueness or version check,
	// e.g. a second open period or a stale experiment version.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput is returned when a record is missing required fields.
	ErrInvalidInput = errors.New("invalid input")
)

// Repository defines the standard interface for database operations.
type Repository interface {
	Migrate(ctx context.Context) error

	CreateShop(ctx context.Context, shop *model.Shop) error
	GetShop(ctx context.Context, id string) (model.Shop, error)
	GetShopByDomain(ctx context.Context, domain string) (model.Shop, error)

	CreateBand(ctx context.Context, band *model.PriceBand) error
	GetBand(ctx context.Context, id string) (model.PriceBand, error)
	ListBands(ctx context.Context, shopID string) ([]model.PriceBand, error)
	UpdateBand(ctx context.Context, band *model.PriceBand) error
	// DeleteBand returns ErrConflict while the band has a running or paused experiment.
	DeleteBand(ctx context.Context, id string) error

	// CreateExperiment returns ErrConflict if the band already has a running or paused experiment.
	CreateExperiment(ctx context.Context, exp *model.Experiment) error
	GetExperiment(ctx context.Context, id string) (model.Experiment, error)
	ListExperiments(ctx context.Context, shopID string) ([]model.Experiment, error)
	ListExperimentsByStatus(ctx context.Context, statuses ...model.Status) ([]model.Experiment, error)
	// UpdateExperiment writes status, ended_at and paused_at if exp.Version
	// matches the stored version, then bumps exp.Version. Returns ErrConflict otherwise.
	UpdateExperiment(ctx context.Context, exp *model.Experiment) error

	// ListPeriods returns all periods of an experiment ordered by started_at ASC.
	ListPeriods(ctx context.Context, experimentID string) ([]model.ExperimentPeriod, error)
	// OpenPeriod inserts a period. Returns ErrConflict if one is already open.
	OpenPeriod(ctx context.Context, p *model.ExperimentPeriod) error
	// ClosePeriod sets ended_at on an open period. Returns ErrConflict if it is already closed.
	ClosePeriod(ctx context.Context, periodID string, endedAt time.Time) error
	// MovePeriodStart shifts the start of an open period.
	MovePeriodStart(ctx context.Context, periodID string, startedAt time.Time) error
	// IncrementCounters atomically adds to the open period of every running or
	// paused experiment of the shop and returns how many periods were touched.
	IncrementCounters(ctx context.Context, shopID string, sessions, orders, revenueCents int64) (int, error)

	UpsertVariant(ctx context.Context, v *model.Variant) error
	GetVariant(ctx context.Context, id string) (model.Variant, error)
	// ListVariantsInRange returns the shop's variants priced within [minCents, maxCents].
	ListVariantsInRange(ctx context.Context, shopID string, minCents, maxCents int64) ([]model.Variant, error)

	// ApplyPriceChange stores the audit record and the new variant price in one
	// transaction. OldPriceCents is overwritten with the price read under the
	// row lock, so the record always reflects the actual prior price.
	ApplyPriceChange(ctx context.Context, change *model.PriceChange) error
	// ListPriceChanges returns an experiment's changes with the given reason in chronological order.
	ListPriceChanges(ctx context.Context, experimentID string, reason model.Reason) ([]model.PriceChange, error)

	// SaveBaselinePrice records a pre-experiment price. The first capture per
	// (experiment, variant) wins; later calls are no-ops.
	SaveBaselinePrice(ctx context.Context, b model.BaselinePrice) error
	ListBaselinePrices(ctx context.Context, experimentID string) ([]model.BaselinePrice, error)
}
