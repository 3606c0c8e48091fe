package catalog

import (
	"errors"
	"fmt"

	"github.com/noah-isme/backend-blinds/internal/obs"
	"github.com/noah-isme/backend-blinds/internal/pricing"
	"github.com/noah-isme/backend-blinds/internal/upstream"
)

// QuoteInput is a configuration as the customer entered it.
type QuoteInput struct {
	Width          pricing.Dimension `json:"width"`
	Height         pricing.Dimension `json:"height"`
	Customizations pricing.Selection `json:"customizations"`
}

// Quote is a calculated price plus the fallback "from" price shown while the
// configuration is incomplete.
type Quote struct {
	pricing.Result
	ProductID string        `json:"productId"`
	FromPrice pricing.Money `json:"fromPrice"`
	Degraded  bool          `json:"degraded"`
}

// QuoteFor prices in against bundle. Incomplete input or a missing matrix
// yields an unset quote; a size over the largest band yields ErrOutOfRange.
func QuoteFor(bundle Bundle, in QuoteInput) (Quote, error) {
	q := Quote{
		ProductID: bundle.Product.ID,
		FromPrice: bundle.MinimumPrice(),
		Degraded:  bundle.Degraded,
	}
	for _, d := range []pricing.Dimension{in.Width, in.Height} {
		if err := d.Validate(); err != nil {
			return Quote{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}
	if err := in.Customizations.Validate(bundle.Product.Features); err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	width, height := pricing.Normalize(in.Width), pricing.Normalize(in.Height)
	if err := bundle.Product.CheckSize(width, height); err != nil {
		if errors.Is(err, pricing.ErrOutOfRange) {
			obs.PriceQuoteTotal.WithLabelValues("out_of_range").Inc()
		}
		return Quote{}, err
	}

	res, err := pricing.CalculateCanonical(pricing.Canonical{
		WidthInches:  width,
		HeightInches: height,
		Matrix:       bundle.Matrix,
		Selection:    in.Customizations,
		Features:     bundle.Product.Features,
		PriceList:    bundle.PriceList,
	})
	if err != nil {
		if errors.Is(err, pricing.ErrOutOfRange) {
			obs.PriceQuoteTotal.WithLabelValues("out_of_range").Inc()
		}
		return Quote{}, err
	}
	q.Result = res
	obs.PriceQuoteTotal.WithLabelValues(string(res.Status)).Inc()
	return q, nil
}

// IsSizeError reports whether err is a product size limit violation.
func IsSizeError(err error) bool {
	return errors.Is(err, pricing.ErrOutOfRange) || errors.Is(err, upstream.ErrBelowMinimum)
}
