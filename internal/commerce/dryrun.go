package commerce

import (
	"context"
	"log/slog"

	"pennyperfect/internal/model"
	"pennyperfect/internal/pricing"
)

// DryRunClient accepts every price update without calling out. Used for local
// runs and shops that are not wired to a live platform yet.
type DryRunClient struct {
	logger *slog.Logger
}

// NewDryRunClient creates a new DryRunClient.
func NewDryRunClient(logger *slog.Logger) *DryRunClient {
	return &DryRunClient{logger: logger}
}

func (d *DryRunClient) Name() string {
	return "dryrun"
}

func (d *DryRunClient) UpdateVariantPrice(ctx context.Context, shop model.Shop, v model.Variant, newCents int64) error {
	d.logger.Info("DryRunClient: price update",
		"shop", shop.Domain,
		"variantID", v.PlatformVariantID,
		"from", pricing.FormatPrice(v.PriceCents),
		"to", pricing.FormatPrice(newCents),
	)
	return nil
}
