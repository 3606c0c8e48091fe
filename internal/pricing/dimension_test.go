package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestAllowedFractions(t *testing.T) {
	inches := AllowedFractions(UnitInches)
	require.Len(t, inches, 16)
	require.Equal(t, "0", inches[0])
	require.Equal(t, "1/16", inches[1])
	require.Equal(t, "15/16", inches[15])

	cm := AllowedFractions(UnitCentimeters)
	require.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, cm)

	require.Nil(t, AllowedFractions(Unit("furlongs")))
}

func TestParseFraction(t *testing.T) {
	cases := []struct {
		unit  Unit
		in    string
		steps int
		ok    bool
	}{
		{UnitInches, "", 0, true},
		{UnitInches, "0", 0, true},
		{UnitInches, "4/16", 4, true},
		{UnitInches, "1/4", 4, true},
		{UnitInches, "3/8", 6, true},
		{UnitInches, "15/16", 15, true},
		{UnitInches, "16/16", 0, false},
		{UnitInches, "1/3", 0, false},
		{UnitInches, "5", 0, false},
		{UnitInches, "a/b", 0, false},
		{UnitCentimeters, "7", 7, true},
		{UnitCentimeters, "10", 0, false},
		{UnitCentimeters, "-1", 0, false},
	}
	for _, tc := range cases {
		steps, ok := ParseFraction(tc.unit, tc.in)
		require.Equalf(t, tc.ok, ok, "%s %q", tc.unit, tc.in)
		require.Equalf(t, tc.steps, steps, "%s %q", tc.unit, tc.in)
	}
}

func TestNormalize(t *testing.T) {
	require.True(t, Normalize(Dimension{Whole: 36, Fraction: "4/16"}).Equal(dec("36.25")))
	require.True(t, Normalize(Dimension{Whole: 254, Unit: UnitCentimeters}).Equal(dec("100")))
	require.True(t, Normalize(Dimension{Whole: 2, Fraction: "5", Unit: UnitCentimeters}).
		Sub(dec("0.984251968503937")).Abs().LessThan(dec("0.000001")))

	// Malformed fractions contribute nothing instead of failing.
	require.True(t, Normalize(Dimension{Whole: 10, Fraction: "7/3"}).Equal(dec("10")))
	require.True(t, IsUnset(Normalize(Dimension{})))
	require.True(t, IsUnset(Normalize(Dimension{Whole: 12, Unit: Unit("yards")})))
}

func TestDimensionValidate(t *testing.T) {
	require.NoError(t, Dimension{Whole: 36, Fraction: "1/2"}.Validate())
	require.NoError(t, Dimension{Whole: 91, Fraction: "4", Unit: UnitCentimeters}.Validate())
	require.ErrorIs(t, Dimension{Whole: -1}.Validate(), ErrInvalidDimension)
	require.ErrorIs(t, Dimension{Whole: 10, Fraction: "17/16"}.Validate(), ErrInvalidDimension)
	require.ErrorIs(t, Dimension{Whole: 10, Unit: Unit("ft")}.Validate(), ErrInvalidDimension)
}

func TestUnitUnmarshalText(t *testing.T) {
	var u Unit
	require.NoError(t, u.UnmarshalText([]byte("cm")))
	require.Equal(t, UnitCentimeters, u)
	require.NoError(t, u.UnmarshalText([]byte("IN")))
	require.Equal(t, UnitInches, u)
	require.ErrorIs(t, u.UnmarshalText([]byte("mm")), ErrInvalidDimension)
}

func TestRoundTripInchesCentimeters(t *testing.T) {
	tolerance := dec("0.0001")
	halfMM := dec("0.05").Div(cmPerInch)
	for whole := 1; whole <= 120; whole += 7 {
		for steps := 0; steps < 16; steps += 3 {
			d := Dimension{Whole: whole, Fraction: fractionSpecs[UnitInches].Label(UnitInches, steps)}
			inches := Normalize(d)

			exact := CentimetersToInches(InchesToCentimeters(inches))
			require.True(t, exact.Sub(inches).Abs().LessThan(tolerance), "exact %s", inches)

			quantised := Normalize(FromInches(inches, UnitCentimeters))
			require.True(t, quantised.Sub(inches).Abs().LessThanOrEqual(halfMM), "quantised %s vs %s", quantised, inches)
		}
	}
}

func TestFromInches(t *testing.T) {
	d := FromInches(dec("36.25"), UnitInches)
	require.Equal(t, Dimension{Whole: 36, Fraction: "4/16", Unit: UnitInches}, d)

	d = FromInches(dec("39.37"), UnitCentimeters)
	require.Equal(t, 100, d.Whole)
	require.Equal(t, "0", d.Fraction)

	d = FromInches(decimal.Zero, UnitInches)
	require.Zero(t, d.Whole)
}
