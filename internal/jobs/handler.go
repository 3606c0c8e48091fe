package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-blinds/internal/catalog"
)

// Warmer reloads a product's pricing data into the cache.
type Warmer interface {
	Warm(ctx context.Context, productID string) error
}

// WarmHandler processes TypeCatalogWarm tasks.
type WarmHandler struct {
	Catalog  Warmer
	Products []string
	Logger   zerolog.Logger
}

// ProcessTask warms the product named in the payload, or every configured
// product. Unknown products are not retried; any other failure is, so a
// pricing API outage does not leave the cache cold.
func (h *WarmHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p warmPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode warm payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	targets := h.Products
	if p.ProductID != "" {
		targets = []string{p.ProductID}
	}

	var errs []error
	warmed := 0
	for _, id := range targets {
		err := h.Catalog.Warm(ctx, id)
		switch {
		case err == nil:
			warmed++
		case errors.Is(err, catalog.ErrProductNotFound):
			h.Logger.Warn().Str("product_id", id).Msg("warm_unknown_product")
		default:
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	h.Logger.Info().Int("warmed", warmed).Int("failed", len(errs)).Msg("pricing_cache_warm")
	return errors.Join(errs...)
}
