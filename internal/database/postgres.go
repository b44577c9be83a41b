package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pennyperfect/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505"
	pgErrCheckViolation  = "23514"
	pgErrForeignKey      = "23503"
)

// PostgresRepository implements Repository on a pgx connection pool.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository wraps an existing pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded SQL files in lexical order. Every file is idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := r.Pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

// isInvalidRow reports check and foreign key violations.
func isInvalidRow(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrCheckViolation || pgErr.Code == pgErrForeignKey
	}
	return false
}

func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// mapError translates driver errors into the package sentinels.
func mapError(op string, err error) error {
	switch {
	case isNotFoundError(err):
		return ErrNotFound
	case isDuplicateKeyError(err):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	case isInvalidRow(err):
		return fmt.Errorf("%s: %w", op, ErrInvalidInput)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// --- shops ---

func (r *PostgresRepository) CreateShop(ctx context.Context, shop *model.Shop) error {
	if shop.Domain == "" {
		return fmt.Errorf("create shop: %w", ErrInvalidInput)
	}
	shop.ID = newID(shop.ID)
	err := r.Pool.QueryRow(ctx,
		`INSERT INTO shops (id, domain, access_token) VALUES ($1, $2, $3) RETURNING created_at`,
		shop.ID, shop.Domain, shop.AccessToken,
	).Scan(&shop.CreatedAt)
	if err != nil {
		return mapError("create shop", err)
	}
	return nil
}

const shopColumns = `id, domain, access_token, created_at`

func scanShop(row pgx.Row) (model.Shop, error) {
	var s model.Shop
	err := row.Scan(&s.ID, &s.Domain, &s.AccessToken, &s.CreatedAt)
	return s, err
}

func (r *PostgresRepository) GetShop(ctx context.Context, id string) (model.Shop, error) {
	s, err := scanShop(r.Pool.QueryRow(ctx, `SELECT `+shopColumns+` FROM shops WHERE id = $1`, id))
	if err != nil {
		return model.Shop{}, mapError("get shop", err)
	}
	return s, nil
}

func (r *PostgresRepository) GetShopByDomain(ctx context.Context, domain string) (model.Shop, error) {
	s, err := scanShop(r.Pool.QueryRow(ctx, `SELECT `+shopColumns+` FROM shops WHERE domain = $1`, domain))
	if err != nil {
		return model.Shop{}, mapError("get shop by domain", err)
	}
	return s, nil
}

// --- price bands ---

const bandColumns = `id, shop_id, name, min_cents, max_cents, allowed_endings, floor_cents,
	exclude_collections, exclude_skus, active, created_at, updated_at`

func scanBand(row pgx.Row) (model.PriceBand, error) {
	var b model.PriceBand
	err := row.Scan(
		&b.ID, &b.ShopID, &b.Name, &b.MinCents, &b.MaxCents, &b.AllowedEndings, &b.FloorCents,
		&b.ExcludeCollections, &b.ExcludeSkus, &b.Active, &b.CreatedAt, &b.UpdatedAt,
	)
	return b, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (r *PostgresRepository) CreateBand(ctx context.Context, band *model.PriceBand) error {
	band.ID = newID(band.ID)
	err := r.Pool.QueryRow(ctx, `
		INSERT INTO price_bands (id, shop_id, name, min_cents, max_cents, allowed_endings, floor_cents,
			exclude_collections, exclude_skus, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		band.ID, band.ShopID, band.Name, band.MinCents, band.MaxCents, band.AllowedEndings, band.FloorCents,
		nonNil(band.ExcludeCollections), nonNil(band.ExcludeSkus), band.Active,
	).Scan(&band.CreatedAt, &band.UpdatedAt)
	if err != nil {
		return mapError("create band", err)
	}
	return nil
}

func (r *PostgresRepository) GetBand(ctx context.Context, id string) (model.PriceBand, error) {
	b, err := scanBand(r.Pool.QueryRow(ctx, `SELECT `+bandColumns+` FROM price_bands WHERE id = $1`, id))
	if err != nil {
		return model.PriceBand{}, mapError("get band", err)
	}
	return b, nil
}

func (r *PostgresRepository) ListBands(ctx context.Context, shopID string) ([]model.PriceBand, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+bandColumns+` FROM price_bands WHERE shop_id = $1 ORDER BY created_at ASC, id ASC`, shopID)
	if err != nil {
		return nil, fmt.Errorf("list bands: %w", err)
	}
	defer rows.Close()

	var out []model.PriceBand
	for rows.Next() {
		b, err := scanBand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan band: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpdateBand(ctx context.Context, band *model.PriceBand) error {
	err := r.Pool.QueryRow(ctx, `
		UPDATE price_bands
		SET name = $2, min_cents = $3, max_cents = $4, allowed_endings = $5, floor_cents = $6,
			exclude_collections = $7, exclude_skus = $8, active = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		band.ID, band.Name, band.MinCents, band.MaxCents, band.AllowedEndings, band.FloorCents,
		nonNil(band.ExcludeCollections), nonNil(band.ExcludeSkus), band.Active,
	).Scan(&band.UpdatedAt)
	if err != nil {
		return mapError("update band", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteBand(ctx context.Context, id string) error {
	var live bool
	err := r.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM experiments WHERE band_id = $1 AND status IN ('running', 'paused'))`, id,
	).Scan(&live)
	if err != nil {
		return fmt.Errorf("delete band: %w", err)
	}
	if live {
		return fmt.Errorf("delete band %s: %w", id, ErrConflict)
	}

	tag, err := r.Pool.Exec(ctx, `DELETE FROM price_bands WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete band: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- experiments ---

const experimentColumns = `id, shop_id, band_id, cadence_hours, revert_threshold_rpv, min_sessions,
	min_cycles, status, started_at, ended_at, paused_at, version`

func scanExperiment(row pgx.Row) (model.Experiment, error) {
	var e model.Experiment
	var status string
	err := row.Scan(
		&e.ID, &e.ShopID, &e.BandID, &e.CadenceHours, &e.RevertThresholdRPV, &e.MinSessions,
		&e.MinCycles, &status, &e.StartedAt, &e.EndedAt, &e.PausedAt, &e.Version,
	)
	e.Status = model.Status(status)
	return e, err
}

func collectExperiments(rows pgx.Rows) ([]model.Experiment, error) {
	defer rows.Close()
	var out []model.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateExperiment(ctx context.Context, exp *model.Experiment) error {
	exp.ID = newID(exp.ID)
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO experiments (id, shop_id, band_id, cadence_hours, revert_threshold_rpv, min_sessions,
			min_cycles, status, started_at, ended_at, paused_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		exp.ID, exp.ShopID, exp.BandID, exp.CadenceHours, exp.RevertThresholdRPV, exp.MinSessions,
		exp.MinCycles, string(exp.Status), exp.StartedAt, exp.EndedAt, exp.PausedAt, exp.Version,
	)
	if err != nil {
		return mapError("create experiment", err)
	}
	return nil
}

func (r *PostgresRepository) GetExperiment(ctx context.Context, id string) (model.Experiment, error) {
	e, err := scanExperiment(r.Pool.QueryRow(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id))
	if err != nil {
		return model.Experiment{}, mapError("get experiment", err)
	}
	return e, nil
}

func (r *PostgresRepository) ListExperiments(ctx context.Context, shopID string) ([]model.Experiment, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE shop_id = $1 ORDER BY started_at DESC, id ASC`, shopID)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	return collectExperiments(rows)
}

func (r *PostgresRepository) ListExperimentsByStatus(ctx context.Context, statuses ...model.Status) ([]model.Experiment, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE status = ANY($1) ORDER BY started_at ASC, id ASC`, names)
	if err != nil {
		return nil, fmt.Errorf("list experiments by status: %w", err)
	}
	return collectExperiments(rows)
}

func (r *PostgresRepository) UpdateExperiment(ctx context.Context, exp *model.Experiment) error {
	tag, err := r.Pool.Exec(ctx, `
		UPDATE experiments
		SET status = $3, ended_at = $4, paused_at = $5, version = version + 1
		WHERE id = $1 AND version = $2`,
		exp.ID, exp.Version, string(exp.Status), exp.EndedAt, exp.PausedAt,
	)
	if err != nil {
		return mapError("update experiment", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetExperiment(ctx, exp.ID); err != nil {
			return err
		}
		return fmt.Errorf("update experiment %s at version %d: %w", exp.ID, exp.Version, ErrConflict)
	}
	exp.Version++
	return nil
}

// --- periods ---

const periodColumns = `id, experiment_id, ending, started_at, ended_at, sessions, orders, revenue_cents`

func (r *PostgresRepository) ListPeriods(ctx context.Context, experimentID string) ([]model.ExperimentPeriod, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+periodColumns+` FROM experiment_periods WHERE experiment_id = $1 ORDER BY started_at ASC, id ASC`,
		experimentID)
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	defer rows.Close()

	var out []model.ExperimentPeriod
	for rows.Next() {
		var p model.ExperimentPeriod
		if err := rows.Scan(&p.ID, &p.ExperimentID, &p.Ending, &p.StartedAt, &p.EndedAt,
			&p.Sessions, &p.Orders, &p.RevenueCents); err != nil {
			return nil, fmt.Errorf("scan period: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) OpenPeriod(ctx context.Context, p *model.ExperimentPeriod) error {
	p.ID = newID(p.ID)
	p.EndedAt = nil
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO experiment_periods (id, experiment_id, ending, started_at, sessions, orders, revenue_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.ExperimentID, p.Ending, p.StartedAt, p.Sessions, p.Orders, p.RevenueCents,
	)
	if err != nil {
		return mapError("open period", err)
	}
	return nil
}

func (r *PostgresRepository) ClosePeriod(ctx context.Context, periodID string, endedAt time.Time) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE experiment_periods SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`, periodID, endedAt)
	if err != nil {
		return fmt.Errorf("close period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.periodMiss(ctx, periodID)
	}
	return nil
}

func (r *PostgresRepository) MovePeriodStart(ctx context.Context, periodID string, startedAt time.Time) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE experiment_periods SET started_at = $2 WHERE id = $1 AND ended_at IS NULL`, periodID, startedAt)
	if err != nil {
		return fmt.Errorf("move period start: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.periodMiss(ctx, periodID)
	}
	return nil
}

// periodMiss tells a missing period from a closed one.
func (r *PostgresRepository) periodMiss(ctx context.Context, periodID string) error {
	var exists bool
	if err := r.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM experiment_periods WHERE id = $1)`, periodID).Scan(&exists); err != nil {
		return fmt.Errorf("lookup period: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("period %s already closed: %w", periodID, ErrConflict)
}

func (r *PostgresRepository) IncrementCounters(ctx context.Context, shopID string, sessions, orders, revenueCents int64) (int, error) {
	tag, err := r.Pool.Exec(ctx, `
		UPDATE experiment_periods p
		SET sessions = p.sessions + $2, orders = p.orders + $3, revenue_cents = p.revenue_cents + $4
		FROM experiments e
		WHERE p.experiment_id = e.id
			AND e.shop_id = $1
			AND e.status IN ('running', 'paused')
			AND p.ended_at IS NULL`,
		shopID, sessions, orders, revenueCents,
	)
	if err != nil {
		return 0, fmt.Errorf("increment counters: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- variants ---

const variantColumns = `id, shop_id, product_id, platform_variant_id, sku, collections, price_cents, updated_at`

func scanVariant(row pgx.Row) (model.Variant, error) {
	var v model.Variant
	err := row.Scan(&v.ID, &v.ShopID, &v.ProductID, &v.PlatformVariantID, &v.SKU, &v.Collections,
		&v.PriceCents, &v.UpdatedAt)
	return v, err
}

func (r *PostgresRepository) UpsertVariant(ctx context.Context, v *model.Variant) error {
	v.ID = newID(v.ID)
	err := r.Pool.QueryRow(ctx, `
		INSERT INTO variants (id, shop_id, product_id, platform_variant_id, sku, collections, price_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET product_id = EXCLUDED.product_id, platform_variant_id = EXCLUDED.platform_variant_id,
			sku = EXCLUDED.sku, collections = EXCLUDED.collections,
			price_cents = EXCLUDED.price_cents, updated_at = NOW()
		RETURNING updated_at`,
		v.ID, v.ShopID, v.ProductID, v.PlatformVariantID, v.SKU, nonNil(v.Collections), v.PriceCents,
	).Scan(&v.UpdatedAt)
	if err != nil {
		return mapError("upsert variant", err)
	}
	return nil
}

func (r *PostgresRepository) GetVariant(ctx context.Context, id string) (model.Variant, error) {
	v, err := scanVariant(r.Pool.QueryRow(ctx, `SELECT `+variantColumns+` FROM variants WHERE id = $1`, id))
	if err != nil {
		return model.Variant{}, mapError("get variant", err)
	}
	return v, nil
}

func (r *PostgresRepository) ListVariantsInRange(ctx context.Context, shopID string, minCents, maxCents int64) ([]model.Variant, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT `+variantColumns+` FROM variants
		WHERE shop_id = $1 AND price_cents BETWEEN $2 AND $3
		ORDER BY id ASC`,
		shopID, minCents, maxCents)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	var out []model.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- price changes ---

func (r *PostgresRepository) ApplyPriceChange(ctx context.Context, change *model.PriceChange) (err error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin price change: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var current int64
	if err = tx.QueryRow(ctx,
		`SELECT price_cents FROM variants WHERE id = $1 FOR UPDATE`, change.VariantID).Scan(&current); err != nil {
		return mapError("lock variant", err)
	}

	change.ID = newID(change.ID)
	change.OldPriceCents = current
	if err = tx.QueryRow(ctx, `
		INSERT INTO price_changes (id, shop_id, variant_id, experiment_id, old_price_cents, new_price_cents, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		change.ID, change.ShopID, change.VariantID, change.ExperimentID,
		change.OldPriceCents, change.NewPriceCents, string(change.Reason),
	).Scan(&change.CreatedAt); err != nil {
		return mapError("insert price change", err)
	}

	if _, err = tx.Exec(ctx,
		`UPDATE variants SET price_cents = $2, updated_at = NOW() WHERE id = $1`,
		change.VariantID, change.NewPriceCents); err != nil {
		return fmt.Errorf("update variant price: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit price change: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListPriceChanges(ctx context.Context, experimentID string, reason model.Reason) ([]model.PriceChange, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT id, shop_id, variant_id, experiment_id, old_price_cents, new_price_cents, reason, created_at
		FROM price_changes
		WHERE experiment_id = $1 AND reason = $2
		ORDER BY seq ASC`,
		experimentID, string(reason))
	if err != nil {
		return nil, fmt.Errorf("list price changes: %w", err)
	}
	defer rows.Close()

	var out []model.PriceChange
	for rows.Next() {
		var c model.PriceChange
		var reasonStr string
		if err := rows.Scan(&c.ID, &c.ShopID, &c.VariantID, &c.ExperimentID,
			&c.OldPriceCents, &c.NewPriceCents, &reasonStr, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan price change: %w", err)
		}
		c.Reason = model.Reason(reasonStr)
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- baseline prices ---

func (r *PostgresRepository) SaveBaselinePrice(ctx context.Context, b model.BaselinePrice) error {
	if b.CapturedAt.IsZero() {
		b.CapturedAt = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO baseline_prices (experiment_id, variant_id, price_cents, captured_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (experiment_id, variant_id) DO NOTHING`,
		b.ExperimentID, b.VariantID, b.PriceCents, b.CapturedAt,
	)
	if err != nil {
		return mapError("save baseline price", err)
	}
	return nil
}

func (r *PostgresRepository) ListBaselinePrices(ctx context.Context, experimentID string) ([]model.BaselinePrice, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT experiment_id, variant_id, price_cents, captured_at
		FROM baseline_prices WHERE experiment_id = $1 ORDER BY variant_id ASC`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list baseline prices: %w", err)
	}
	defer rows.Close()

	var out []model.BaselinePrice
	for rows.Next() {
		var b model.BaselinePrice
		if err := rows.Scan(&b.ExperimentID, &b.VariantID, &b.PriceCents, &b.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan baseline price: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
