package commerce

import (
	"context"
	"errors"

	"pennyperfect/internal/model"
)

// ErrRejected is returned when the platform answers a price update with a non-2xx status.
var ErrRejected = errors.New("platform rejected request")

// PlatformClient defines the outbound calls the engine makes to the commerce platform.
type PlatformClient interface {
	Name() string
	// UpdateVariantPrice sets the live price of v to newCents on the shop's storefront.
	UpdateVariantPrice(ctx context.Context, shop model.Shop, v model.Variant, newCents int64) error
}
