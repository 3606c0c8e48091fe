package upstream

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-blinds/internal/pricing"
)

var (
	// ErrUnavailable covers transport failures, 5xx responses and an open
	// circuit. Callers may fail open on it.
	ErrUnavailable = errors.New("upstream: pricing service unavailable")
	// ErrNotFound is a 404 from the pricing service.
	ErrNotFound = errors.New("upstream: not found")
	// ErrRejected is any other 4xx; the request itself is wrong.
	ErrRejected = errors.New("upstream: request rejected")
	// ErrBelowMinimum is returned by CheckSize for sizes under the product
	// minimum.
	ErrBelowMinimum = errors.New("upstream: size below product minimum")
)

// Product is the catalogue record for a made-to-measure product. Zero
// min/max bounds mean unbounded.
type Product struct {
	ID        string             `json:"id"`
	Handle    string             `json:"handle"`
	Title     string             `json:"title"`
	FromPrice pricing.Money      `json:"fromPrice"`
	MinWidth  decimal.Decimal    `json:"minWidth"`
	MaxWidth  decimal.Decimal    `json:"maxWidth"`
	MinHeight decimal.Decimal    `json:"minHeight"`
	MaxHeight decimal.Decimal    `json:"maxHeight"`
	Features  pricing.FeatureSet `json:"features"`
}

// CheckSize validates canonical inches against the product limits. Unset
// values pass; the calculator reports them as unset.
func (p Product) CheckSize(width, height decimal.Decimal) error {
	if err := checkAxis("width", width, p.MinWidth, p.MaxWidth); err != nil {
		return err
	}
	return checkAxis("height", height, p.MinHeight, p.MaxHeight)
}

func checkAxis(axis string, v, min, max decimal.Decimal) error {
	if pricing.IsUnset(v) {
		return nil
	}
	if max.Sign() > 0 && v.GreaterThan(max) {
		return &pricing.RangeError{Axis: axis, Requested: v, Largest: max}
	}
	if min.Sign() > 0 && v.LessThan(min) {
		return fmt.Errorf("%s %s in under %s in: %w", axis, v.StringFixed(2), min.StringFixed(2), ErrBelowMinimum)
	}
	return nil
}

// ValidationRequest carries the raw configuration to the authoritative
// calculator. It never includes the client's price.
type ValidationRequest struct {
	ProductID      string
	WidthInches    decimal.Decimal
	HeightInches   decimal.Decimal
	Customizations pricing.Selection
}

// ValidationResponse is the authoritative price. Valid and Difference are
// only set when the service compared against a price of its own.
type ValidationResponse struct {
	CalculatedPrice pricing.Money
	Valid           *bool
	Difference      *pricing.Money
}

// HandoffLine is one configured line sent to the commerce platform.
type HandoffLine struct {
	Handle         string            `json:"handle"`
	WidthInches    decimal.Decimal   `json:"widthInches"`
	HeightInches   decimal.Decimal   `json:"heightInches"`
	Quantity       int               `json:"quantity"`
	SubmittedPrice pricing.Money     `json:"submittedPrice"`
	Configuration  map[string]string `json:"configuration"`
}
