package pricing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidDimension is returned by Dimension.Validate for malformed input.
var ErrInvalidDimension = errors.New("pricing: invalid dimension")

// Unit is the measurement system a dimension was entered in.
type Unit string

const (
	UnitInches      Unit = "inches"
	UnitCentimeters Unit = "centimeters"
)

var cmPerInch = decimal.RequireFromString("2.54")

// UnmarshalText accepts the canonical names plus the short forms "in" and "cm".
func (u *Unit) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "in", "inch", "inches":
		*u = UnitInches
	case "cm", "centimeter", "centimeters", "centimetre", "centimetres":
		*u = UnitCentimeters
	default:
		return fmt.Errorf("unit %q: %w", string(text), ErrInvalidDimension)
	}
	return nil
}

// FractionSpec generates the fractional parts a unit accepts: Count steps of
// 1/Denominator of a whole unit.
type FractionSpec struct {
	Denominator int
	Count       int
}

var fractionSpecs = map[Unit]FractionSpec{
	UnitInches:      {Denominator: 16, Count: 16},
	UnitCentimeters: {Denominator: 10, Count: 10},
}

// Label renders step n in the form the storefront shows it.
func (f FractionSpec) Label(unit Unit, n int) string {
	if n == 0 {
		return "0"
	}
	if unit == UnitCentimeters {
		return strconv.Itoa(n)
	}
	return fmt.Sprintf("%d/%d", n, f.Denominator)
}

// AllowedFractions lists the fractional parts valid for unit.
func AllowedFractions(unit Unit) []string {
	spec, ok := fractionSpecs[unit]
	if !ok {
		return nil
	}
	out := make([]string, 0, spec.Count)
	for i := 0; i < spec.Count; i++ {
		out = append(out, spec.Label(unit, i))
	}
	return out
}

// ParseFraction converts a fractional part into a number of steps for unit.
// Inches accept n/16 and reduced forms such as 1/4; centimeters accept whole
// millimetres 0-9. An empty string is zero.
func ParseFraction(unit Unit, raw string) (int, bool) {
	spec, ok := fractionSpecs[unit]
	if !ok {
		return 0, false
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, true
	}
	var steps int
	if num, den, found := strings.Cut(s, "/"); found {
		n, err := strconv.Atoi(strings.TrimSpace(num))
		if err != nil || n < 0 {
			return 0, false
		}
		d, err := strconv.Atoi(strings.TrimSpace(den))
		if err != nil || d <= 0 {
			return 0, false
		}
		if (n*spec.Denominator)%d != 0 {
			return 0, false
		}
		steps = n * spec.Denominator / d
	} else {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return 0, false
		}
		if unit == UnitInches && n != 0 {
			return 0, false
		}
		steps = n
	}
	if steps >= spec.Count {
		return 0, false
	}
	return steps, true
}

// Dimension is a measurement as the customer entered it.
type Dimension struct {
	Whole    int    `json:"whole" yaml:"whole"`
	Fraction string `json:"fraction,omitempty" yaml:"fraction"`
	Unit     Unit   `json:"unit,omitempty" yaml:"unit"`
}

func (d Dimension) unit() Unit {
	if d.Unit == "" {
		return UnitInches
	}
	return d.Unit
}

// Validate checks the dimension at the request boundary. The calculation
// functions never call it.
func (d Dimension) Validate() error {
	unit := d.unit()
	if _, ok := fractionSpecs[unit]; !ok {
		return fmt.Errorf("unit %q: %w", d.Unit, ErrInvalidDimension)
	}
	if d.Whole < 0 {
		return fmt.Errorf("whole units must not be negative: %w", ErrInvalidDimension)
	}
	if _, ok := ParseFraction(unit, d.Fraction); !ok {
		return fmt.Errorf("fraction %q not allowed for %s: %w", d.Fraction, unit, ErrInvalidDimension)
	}
	return nil
}

// Normalize converts d into canonical inches. It performs no clamping and
// never fails: an unknown unit or fraction contributes zero, and an empty
// measurement yields zero, the unset sentinel.
func Normalize(d Dimension) decimal.Decimal {
	unit := d.unit()
	spec, ok := fractionSpecs[unit]
	if !ok {
		return decimal.Zero
	}
	steps, ok := ParseFraction(unit, d.Fraction)
	if !ok {
		steps = 0
	}
	value := decimal.NewFromInt(int64(d.Whole)).
		Add(decimal.NewFromInt(int64(steps)).Div(decimal.NewFromInt(int64(spec.Denominator))))
	if unit == UnitCentimeters {
		value = value.Div(cmPerInch)
	}
	return value
}

// IsUnset reports whether a canonical value is the unset sentinel.
func IsUnset(inches decimal.Decimal) bool {
	return inches.Sign() <= 0
}

// FromInches expresses canonical inches in unit, rounded to the nearest
// allowed fraction.
func FromInches(inches decimal.Decimal, unit Unit) Dimension {
	if unit == "" {
		unit = UnitInches
	}
	spec, ok := fractionSpecs[unit]
	if !ok || IsUnset(inches) {
		return Dimension{Unit: unit, Fraction: "0"}
	}
	value := inches
	if unit == UnitCentimeters {
		value = value.Mul(cmPerInch)
	}
	total := value.Mul(decimal.NewFromInt(int64(spec.Denominator))).Round(0).IntPart()
	den := int64(spec.Denominator)
	return Dimension{
		Whole:    int(total / den),
		Fraction: spec.Label(unit, int(total%den)),
		Unit:     unit,
	}
}

// InchesToCentimeters converts without quantising.
func InchesToCentimeters(inches decimal.Decimal) decimal.Decimal {
	return inches.Mul(cmPerInch)
}

// CentimetersToInches converts without quantising.
func CentimetersToInches(cm decimal.Decimal) decimal.Decimal {
	return cm.Div(cmPerInch)
}
