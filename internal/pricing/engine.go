package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value stored in minor units.
type Money = int64

// Item describes a cart line used for the cart summary.
type Item struct {
	Qty       int
	UnitPrice Money
}

// Summary aggregates computed cart totals.
type Summary struct {
	Subtotal Money
	Tax      Money
	Total    Money
	Items    int
}

// Compute calculates cart totals for the provided lines.
func Compute(items []Item, taxBps int) Summary {
	var (
		subtotal Money
		count    int
	)
	for _, it := range items {
		if it.Qty <= 0 {
			continue
		}
		subtotal += Money(it.Qty) * it.UnitPrice
		count += it.Qty
	}
	if subtotal < 0 {
		subtotal = 0
	}
	var tax Money
	if taxBps > 0 {
		tax = (subtotal * Money(taxBps)) / 10000
	}
	return Summary{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal + tax,
		Items:    count,
	}
}

// MoneyFromDecimal converts a major-unit amount (12.10) into minor units (1210),
// rounding half away from zero.
func MoneyFromDecimal(amount decimal.Decimal) Money {
	return amount.Shift(2).Round(0).IntPart()
}

// MoneyDecimal converts minor units back into a major-unit decimal.
func MoneyDecimal(m Money) decimal.Decimal {
	return decimal.New(m, -2)
}

// Status reports whether a calculation produced a price.
type Status string

const (
	// StatusPriced means both bands resolved and a total is available.
	StatusPriced Status = "priced"
	// StatusUnset means input is incomplete or pricing data is not loaded;
	// callers show the "from" price instead of a total.
	StatusUnset Status = "unset"
)

// Input groups everything Calculate needs. It is a plain value so a quote can
// be recomputed on every change without shared state.
type Input struct {
	Width     Dimension
	Height    Dimension
	Matrix    *Matrix
	Selection Selection
	Features  FeatureSet
	PriceList *PriceList
}

// Result is the outcome of a price calculation.
type Result struct {
	Status            Status          `json:"status"`
	WidthInches       decimal.Decimal `json:"widthInches"`
	HeightInches      decimal.Decimal `json:"heightInches"`
	WidthBand         *Band           `json:"widthBand,omitempty"`
	HeightBand        *Band           `json:"heightBand,omitempty"`
	BasePrice         Money           `json:"basePrice"`
	CustomizationCost Money           `json:"customizationCost"`
	Total             Money           `json:"total"`
	Surcharges        []Surcharge     `json:"surcharges,omitempty"`
}

// Priced reports whether the result carries a total.
func (r Result) Priced() bool {
	return r.Status == StatusPriced
}

// Calculate prices a configured product. It returns an unset result when the
// matrix is not loaded or either dimension is unset, and ErrOutOfRange when a
// dimension exceeds every band.
func Calculate(in Input) (Result, error) {
	return CalculateCanonical(Canonical{
		WidthInches:  Normalize(in.Width),
		HeightInches: Normalize(in.Height),
		Matrix:       in.Matrix,
		Selection:    in.Selection,
		Features:     in.Features,
		PriceList:    in.PriceList,
	})
}

// Canonical is an Input whose dimensions are already in inches. Validators
// receive sizes in this form.
type Canonical struct {
	WidthInches  decimal.Decimal
	HeightInches decimal.Decimal
	Matrix       *Matrix
	Selection    Selection
	Features     FeatureSet
	PriceList    *PriceList
}

// CalculateCanonical is Calculate for sizes already normalised to inches.
func CalculateCanonical(in Canonical) (Result, error) {
	res := Result{
		Status:       StatusUnset,
		WidthInches:  in.WidthInches,
		HeightInches: in.HeightInches,
	}
	if in.Matrix == nil || IsUnset(res.WidthInches) || IsUnset(res.HeightInches) {
		return res, nil
	}

	widthBand, _, err := SelectBand(res.WidthInches, in.Matrix.WidthBands)
	if err != nil {
		return Result{}, withAxis(err, "width")
	}
	heightBand, _, err := SelectBand(res.HeightInches, in.Matrix.HeightBands)
	if err != nil {
		return Result{}, withAxis(err, "height")
	}
	base, err := in.Matrix.BasePrice(widthBand, heightBand)
	if err != nil {
		return Result{}, err
	}

	surcharges := Itemize(in.Selection, in.Features, in.PriceList)
	var cost Money
	for _, s := range surcharges {
		cost += s.Price
	}

	res.Status = StatusPriced
	res.WidthBand = &widthBand
	res.HeightBand = &heightBand
	res.BasePrice = base
	res.CustomizationCost = cost
	res.Total = base + cost
	res.Surcharges = surcharges
	return res, nil
}

func withAxis(err error, axis string) error {
	var rangeErr *RangeError
	if errors.As(err, &rangeErr) {
		copied := *rangeErr
		copied.Axis = axis
		return &copied
	}
	return err
}
