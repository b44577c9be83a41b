package model

import "time"

// Shop is a storefront installed on the commerce platform.
type Shop struct {
	ID          string    `db:"id" json:"id"`
	Domain      string    `db:"domain" json:"domain"`
	AccessToken string    `db:"access_token" json:"-"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// PriceBand is a named price range whose variants rotate through AllowedEndings.
type PriceBand struct {
	ID                 string    `db:"id" json:"id"`
	ShopID             string    `db:"shop_id" json:"shopId" validate:"required"`
	Name               string    `db:"name" json:"name" validate:"required"`
	MinCents           int64     `db:"min_cents" json:"minCents" validate:"gte=0"`
	MaxCents           int64     `db:"max_cents" json:"maxCents" validate:"gtefield=MinCents"`
	AllowedEndings     []int     `db:"allowed_endings" json:"allowedEndings" validate:"min=1,unique,dive,gte=0,lte=99"`
	FloorCents         *int64    `db:"floor_cents" json:"floorCents,omitempty" validate:"omitempty,gte=0"`
	ExcludeCollections []string  `db:"exclude_collections" json:"excludeCollections"`
	ExcludeSkus        []string  `db:"exclude_skus" json:"excludeSkus"`
	Active             bool      `db:"active" json:"active"`
	CreatedAt          time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time `db:"updated_at" json:"updatedAt"`
}

// Experiment is one switchback test bound to a single PriceBand.
type Experiment struct {
	ID                 string     `db:"id" json:"id"`
	ShopID             string     `db:"shop_id" json:"shopId" validate:"required"`
	BandID             string     `db:"band_id" json:"bandId" validate:"required"`
	CadenceHours       int        `db:"cadence_hours" json:"cadenceHours" validate:"gt=0"`
	RevertThresholdRPV float64    `db:"revert_threshold_rpv" json:"revertThresholdRpv" validate:"gte=0"`
	MinSessions        int64      `db:"min_sessions" json:"minSessions" validate:"gte=0"`
	MinCycles          int        `db:"min_cycles" json:"minCycles" validate:"gte=1"`
	Status             Status     `db:"status" json:"status" validate:"oneof=running paused promoted reverted"`
	StartedAt          time.Time  `db:"started_at" json:"startedAt"`
	EndedAt            *time.Time `db:"ended_at" json:"endedAt,omitempty"`
	PausedAt           *time.Time `db:"paused_at" json:"pausedAt,omitempty"`
	Version            int64      `db:"version" json:"version"`
}

// Cadence returns the period length as a duration.
func (e Experiment) Cadence() time.Duration {
	return time.Duration(e.CadenceHours) * time.Hour
}

// ExperimentPeriod is one rotation window of an experiment.
// EndedAt is nil while the period is open.
type ExperimentPeriod struct {
	ID           string     `db:"id" json:"id"`
	ExperimentID string     `db:"experiment_id" json:"experimentId"`
	Ending       int        `db:"ending" json:"ending"`
	StartedAt    time.Time  `db:"started_at" json:"startedAt"`
	EndedAt      *time.Time `db:"ended_at" json:"endedAt,omitempty"`
	Sessions     int64      `db:"sessions" json:"sessions"`
	Orders       int64      `db:"orders" json:"orders"`
	RevenueCents int64      `db:"revenue_cents" json:"revenueCents"`
}

// Open reports whether the period is still accumulating counters.
func (p ExperimentPeriod) Open() bool {
	return p.EndedAt == nil
}

// Variant is a sellable product variant mirrored from the commerce platform.
type Variant struct {
	ID                string    `db:"id" json:"id"`
	ShopID            string    `db:"shop_id" json:"shopId"`
	ProductID         string    `db:"product_id" json:"productId"`
	PlatformVariantID string    `db:"platform_variant_id" json:"platformVariantId"`
	SKU               string    `db:"sku" json:"sku"`
	Collections       []string  `db:"collections" json:"collections"`
	PriceCents        int64     `db:"price_cents" json:"priceCents"`
	UpdatedAt         time.Time `db:"updated_at" json:"updatedAt"`
}

// Reason says why a PriceChange was issued.
type Reason string

const (
	ReasonSwitchback Reason = "switchback"
	ReasonPromote    Reason = "promote"
	ReasonRevert     Reason = "revert"
	ReasonManual     Reason = "manual"
)

// PriceChange is an immutable audit record of one variant price mutation.
type PriceChange struct {
	ID            string    `db:"id" json:"id"`
	ShopID        string    `db:"shop_id" json:"shopId"`
	VariantID     string    `db:"variant_id" json:"variantId"`
	ExperimentID  *string   `db:"experiment_id" json:"experimentId,omitempty"`
	OldPriceCents int64     `db:"old_price_cents" json:"oldPriceCents"`
	NewPriceCents int64     `db:"new_price_cents" json:"newPriceCents"`
	Reason        Reason    `db:"reason" json:"reason"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// BaselinePrice is the price a variant had before an experiment first touched it.
type BaselinePrice struct {
	ExperimentID string    `db:"experiment_id" json:"experimentId"`
	VariantID    string    `db:"variant_id" json:"variantId"`
	PriceCents   int64     `db:"price_cents" json:"priceCents"`
	CapturedAt   time.Time `db:"captured_at" json:"capturedAt"`
}

// EventType identifies a storefront event that feeds period counters.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventOrderPaid    EventType = "order_paid"
)

// StoreEvent is a shop-scoped storefront event.
type StoreEvent struct {
	Type         EventType
	ShopDomain   string
	RevenueCents int64
	OccurredAt   time.Time
}
