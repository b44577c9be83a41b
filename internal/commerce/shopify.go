package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"pennyperfect/internal/config"
	"pennyperfect/internal/model"
	"pennyperfect/internal/pricing"
)

// ShopifyClient implements PlatformClient against the Shopify Admin REST API.
type ShopifyClient struct {
	logger     *slog.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
	apiVersion string
	// baseURL overrides https://{shop domain}; used by tests.
	baseURL string
}

// NewShopifyClient creates a new ShopifyClient.
func NewShopifyClient(logger *slog.Logger, cfg config.CommerceConfig) *ShopifyClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ShopifyClient{
		logger:     logger,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		apiVersion: cfg.APIVersion,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}
}

func (s *ShopifyClient) Name() string {
	return "shopify"
}

type variantUpdate struct {
	Variant struct {
		ID    string `json:"id"`
		Price string `json:"price"`
	} `json:"variant"`
}

// UpdateVariantPrice issues PUT /admin/api/{version}/variants/{id}.json.
func (s *ShopifyClient) UpdateVariantPrice(ctx context.Context, shop model.Shop, v model.Variant, newCents int64) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	id := variantNumericID(v.PlatformVariantID)
	var body variantUpdate
	body.Variant.ID = id
	body.Variant.Price = pricing.Amount(newCents)

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode variant update: %w", err)
	}

	url := fmt.Sprintf("%s/admin/api/%s/variants/%s.json", s.shopURL(shop), s.apiVersion, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Shopify-Access-Token", shop.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("update variant %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("update variant %s: %w: %s %s", id, ErrRejected, resp.Status, strings.TrimSpace(string(msg)))
	}

	s.logger.Debug("ShopifyClient: variant price updated", "shop", shop.Domain, "variantID", id, "price", body.Variant.Price)
	return nil
}

func (s *ShopifyClient) shopURL(shop model.Shop) string {
	if s.baseURL != "" {
		return s.baseURL
	}
	return "https://" + shop.Domain
}

// variantNumericID strips the GraphQL global ID prefix if present.
func variantNumericID(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}
