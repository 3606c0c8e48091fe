package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-blinds/internal/cart"
	"github.com/noah-isme/backend-blinds/internal/obs"
	"github.com/noah-isme/backend-blinds/internal/pricing"
	"github.com/noah-isme/backend-blinds/internal/upstream"
)

// ErrEmptyCart is returned when checking out a cart without lines.
var ErrEmptyCart = errors.New("checkout: cart is empty")

// Carts is the slice of the cart service checkout needs.
type Carts interface {
	Get(ctx context.Context, cartID string) (cart.Cart, error)
	CompleteLine(ctx context.Context, cartID, lineID string) (cart.LineItem, error)
	ApplyVerifiedPrice(ctx context.Context, cartID, lineID string, calculated pricing.Money) (cart.LineItem, bool, error)
}

// Platform creates the commerce platform checkout.
type Platform interface {
	CreateCheckout(ctx context.Context, lines []upstream.HandoffLine) (string, error)
}

// Output is the handoff result.
type Output struct {
	RedirectURL string                 `json:"redirectUrl"`
	Lines       []upstream.HandoffLine `json:"lines"`
	Total       pricing.Money          `json:"total"`
	Corrected   int                    `json:"corrected"`
}

// Service hands a cart over to the commerce platform.
type Service struct {
	Carts     Carts
	Validator cart.Validator
	Platform  Platform
	// Revalidate re-checks every line with the validator before handoff.
	Revalidate bool
	Logger     zerolog.Logger
}

// Start prices every line and creates the platform checkout. With
// revalidation on, a mismatch is corrected in the cart and in the handoff,
// and an unreachable validator blocks lines that were never verified.
func (s *Service) Start(ctx context.Context, cartID string) (Output, error) {
	if s.Carts == nil || s.Platform == nil {
		return Output{}, errors.New("checkout service not configured")
	}
	c, err := s.Carts.Get(ctx, cartID)
	if err != nil {
		return Output{}, err
	}
	if len(c.Items) == 0 {
		return Output{}, ErrEmptyCart
	}

	out := Output{Lines: make([]upstream.HandoffLine, 0, len(c.Items))}
	for _, it := range c.Items {
		if it.Handle == "" {
			if it, err = s.complete(ctx, cartID, it.ID); err != nil {
				return Output{}, err
			}
		}
		price := it.UnitPrice
		if s.Revalidate && s.Validator != nil {
			verified, corrected, err := s.verify(ctx, cartID, it)
			if err != nil {
				return Output{}, err
			}
			price = verified
			if corrected {
				out.Corrected++
			}
		} else if !it.Verified {
			s.Logger.Warn().Str("cart_id", cartID).Str("line_id", it.ID).Msg("checkout_unverified_line")
		}
		out.Lines = append(out.Lines, upstream.HandoffLine{
			Handle:         it.Handle,
			WidthInches:    it.WidthInches,
			HeightInches:   it.HeightInches,
			Quantity:       it.Quantity,
			SubmittedPrice: price,
			Configuration:  it.Selection.Wire(),
		})
		out.Total += price * pricing.Money(it.Quantity)
	}

	url, err := s.Platform.CreateCheckout(ctx, out.Lines)
	if err != nil {
		return Output{}, fmt.Errorf("create checkout: %w", err)
	}
	out.RedirectURL = url
	s.Logger.Info().
		Str("cart_id", cartID).
		Int("lines", len(out.Lines)).
		Int64("total", out.Total).
		Int("corrected", out.Corrected).
		Msg("checkout_handoff")
	return out, nil
}

// complete loads the product details of a line added while they were
// unreachable. The handoff cannot be built without them.
func (s *Service) complete(ctx context.Context, cartID, lineID string) (cart.LineItem, error) {
	it, err := s.Carts.CompleteLine(ctx, cartID, lineID)
	if err == nil {
		return it, nil
	}
	if errors.Is(err, upstream.ErrUnavailable) {
		obs.PriceValidationTotal.WithLabelValues("checkout_blocked").Inc()
		return cart.LineItem{}, fmt.Errorf("line %s: %w: %w", lineID, cart.ErrPricingUnavailable, err)
	}
	return cart.LineItem{}, fmt.Errorf("line %s: %w", lineID, err)
}

func (s *Service) verify(ctx context.Context, cartID string, it cart.LineItem) (pricing.Money, bool, error) {
	resp, err := s.Validator.ValidatePrice(ctx, upstream.ValidationRequest{
		ProductID:      it.ProductID,
		WidthInches:    it.WidthInches,
		HeightInches:   it.HeightInches,
		Customizations: it.Selection,
	})
	if err != nil {
		if errors.Is(err, upstream.ErrUnavailable) {
			if it.Verified {
				obs.PriceValidationTotal.WithLabelValues("checkout_stored").Inc()
				return it.UnitPrice, false, nil
			}
			obs.PriceValidationTotal.WithLabelValues("checkout_blocked").Inc()
			return 0, false, fmt.Errorf("line %s: %w: %w", it.ID, cart.ErrPricingUnavailable, err)
		}
		return 0, false, fmt.Errorf("line %s: %w", it.ID, err)
	}

	line, changed, err := s.Carts.ApplyVerifiedPrice(ctx, cartID, it.ID, resp.CalculatedPrice)
	if err != nil {
		return 0, false, err
	}
	if changed {
		s.Logger.Info().
			Str("cart_id", cartID).
			Str("line_id", it.ID).
			Int64("stored_price", it.UnitPrice).
			Int64("calculated_price", resp.CalculatedPrice).
			Msg("price_reconciliation")
		obs.PriceValidationTotal.WithLabelValues("checkout_corrected").Inc()
	}
	return line.UnitPrice, changed, nil
}
