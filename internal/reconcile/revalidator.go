package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-blinds/internal/cart"
	"github.com/noah-isme/backend-blinds/internal/catalog"
	"github.com/noah-isme/backend-blinds/internal/obs"
	"github.com/noah-isme/backend-blinds/internal/pricing"
	"github.com/noah-isme/backend-blinds/internal/queue"
	"github.com/noah-isme/backend-blinds/internal/upstream"
)

// CartPricer completes and reprices cart lines; *cart.Service satisfies it.
type CartPricer interface {
	CompleteLine(ctx context.Context, cartID, lineID string) (cart.LineItem, error)
	ApplyVerifiedPrice(ctx context.Context, cartID, lineID string, calculated pricing.Money) (cart.LineItem, bool, error)
}

// Revalidator processes price-revalidate tasks.
type Revalidator struct {
	Validator cart.Validator
	Carts     CartPricer
	Store     Store
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (v *Revalidator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Handle re-submits the line's stored configuration, completing it first when
// it was added without product data. An outage returns the error so the queue
// retries with backoff; a rejection, an unknown product or a line that no
// longer exists resolves the ledger entry without changing the cart.
func (v *Revalidator) Handle(ctx context.Context, task queue.Task) error {
	var p RevalidatePayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		v.Logger.Error().Err(err).Str("key", task.IdempotencyKey).Msg("price_revalidate_bad_payload")
		return nil
	}
	log := v.Logger.With().Str("cart_id", p.CartID).Str("line_id", p.LineID).Int("attempt", task.Attempt).Logger()

	if _, err := catalog.ParseSelection(p.Customizations); err != nil {
		log.Error().Err(err).Msg("price_revalidate_bad_payload")
		return nil
	}
	stored, err := v.Carts.CompleteLine(ctx, p.CartID, p.LineID)
	switch {
	case errors.Is(err, cart.ErrNotFound):
		log.Info().Msg("price_revalidate_line_gone")
		v.resolve(ctx, log, p.LineID)
		return nil
	case errors.Is(err, catalog.ErrProductNotFound), errors.Is(err, catalog.ErrInvalidInput):
		log.Warn().Err(err).Msg("price_revalidate_rejected")
		v.resolve(ctx, log, p.LineID)
		return nil
	case err != nil:
		return err
	}

	resp, err := v.Validator.ValidatePrice(ctx, upstream.ValidationRequest{
		ProductID:      stored.ProductID,
		WidthInches:    stored.WidthInches,
		HeightInches:   stored.HeightInches,
		Customizations: stored.Selection,
	})
	if err != nil {
		if errors.Is(err, upstream.ErrUnavailable) || ctx.Err() != nil {
			return err
		}
		log.Warn().Err(err).Msg("price_revalidate_rejected")
		v.resolve(ctx, log, p.LineID)
		return nil
	}

	line, changed, err := v.Carts.ApplyVerifiedPrice(ctx, p.CartID, p.LineID, resp.CalculatedPrice)
	if err != nil {
		if errors.Is(err, cart.ErrNotFound) {
			log.Info().Msg("price_revalidate_line_gone")
			v.resolve(ctx, log, p.LineID)
			return nil
		}
		return err
	}
	v.resolve(ctx, log, p.LineID)

	calculated := resp.CalculatedPrice
	diff := calculated - p.ClientPrice
	if _, err := v.Store.Insert(ctx, Event{
		Kind:            KindRevalidated,
		CartID:          p.CartID,
		LineID:          p.LineID,
		ProductID:       p.ProductID,
		WidthInches:     p.WidthInches,
		HeightInches:    p.HeightInches,
		Customizations:  p.Customizations,
		ClientPrice:     p.ClientPrice,
		CalculatedPrice: &calculated,
		Difference:      &diff,
		CreatedAt:       v.now(),
	}); err != nil {
		log.Error().Err(err).Msg("price_reconciliation_record_failed")
	}
	obs.PriceReconciliationTotal.WithLabelValues(string(KindRevalidated)).Inc()
	log.Info().
		Int64("client_price", p.ClientPrice).
		Int64("calculated_price", line.UnitPrice).
		Bool("changed", changed).
		Msg("price_reconciliation")
	return nil
}

func (v *Revalidator) resolve(ctx context.Context, log zerolog.Logger, lineID string) {
	if _, err := v.Store.Resolve(ctx, lineID, v.now()); err != nil {
		log.Error().Err(err).Msg("price_reconciliation_resolve_failed")
	}
}
