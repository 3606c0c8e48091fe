package catalog

import (
	"fmt"

	"github.com/noah-isme/backend-blinds/internal/pricing"
)

// DimensionRequest is a measurement on the wire.
type DimensionRequest struct {
	Whole    int          `json:"whole" validate:"gte=0,lte=10000"`
	Fraction string       `json:"fraction" validate:"max=8"`
	Unit     pricing.Unit `json:"unit"`
}

// Dimension converts the request value.
func (d DimensionRequest) Dimension() pricing.Dimension {
	return pricing.Dimension{Whole: d.Whole, Fraction: d.Fraction, Unit: d.Unit}
}

// QuoteRequest is the body of the quote endpoints.
type QuoteRequest struct {
	Width          DimensionRequest  `json:"width"`
	Height         DimensionRequest  `json:"height"`
	Customizations map[string]string `json:"customizations" validate:"omitempty,max=32,dive,keys,required,max=64,endkeys,max=64"`
}

// Input resolves category names. Unknown categories are invalid input.
func (q QuoteRequest) Input() (QuoteInput, error) {
	sel, err := ParseSelection(q.Customizations)
	if err != nil {
		return QuoteInput{}, err
	}
	return QuoteInput{Width: q.Width.Dimension(), Height: q.Height.Dimension(), Customizations: sel}, nil
}

// ParseSelection turns wire category names into a Selection.
func ParseSelection(raw map[string]string) (pricing.Selection, error) {
	sel := make(pricing.Selection, len(raw))
	for name, id := range raw {
		c, err := pricing.ParseCategory(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		if id != "" {
			sel[c] = id
		}
	}
	return sel, nil
}
