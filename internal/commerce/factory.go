package commerce

import (
	"fmt"
	"log/slog"

	"pennyperfect/internal/config"
)

// NewClient creates a new platform client based on the configured platform name.
func NewClient(logger *slog.Logger, cfg config.CommerceConfig) (PlatformClient, error) {
	switch cfg.Platform {
	case "shopify":
		return NewShopifyClient(logger, cfg), nil
	case "", "dryrun":
		return NewDryRunClient(logger), nil
	default:
		return nil, fmt.Errorf("unknown commerce platform: %s", cfg.Platform)
	}
}
