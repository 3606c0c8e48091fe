package upstream

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-blinds/internal/pricing"
)

func loadTestFixture(t *testing.T) *Fixture {
	t.Helper()
	f, err := LoadFixture("testdata/pricing.yaml", zerolog.Nop())
	require.NoError(t, err)
	return f
}

func TestFixtureProducts(t *testing.T) {
	f := loadTestFixture(t)
	ctx := context.Background()

	p, err := f.FetchProduct(ctx, "roller-1")
	require.NoError(t, err)
	require.Equal(t, "classic-roller-blind", p.Handle)
	require.Equal(t, pricing.Money(8000), p.FromPrice)
	require.True(t, p.Features.Has(pricing.HeadrailColour))
	require.False(t, p.Features.Has(pricing.Stacking))

	vertical, err := f.FetchProduct(ctx, "vertical-1")
	require.NoError(t, err)
	require.True(t, vertical.Features.Has(pricing.HeadrailColour), "alias resolves")
	require.Len(t, vertical.Features.Categories(), 5, "unknown feature skipped")

	_, err = f.FetchProduct(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.FetchMatrix(ctx, "sample-swatch")
	require.ErrorIs(t, err, ErrNotFound)

	list, err := f.FetchPriceList(ctx)
	require.NoError(t, err)
	price, ok := list.Price(pricing.HeadrailColour, "ice-white")
	require.True(t, ok)
	require.Equal(t, pricing.Money(1210), price)
	require.Equal(t, 11, list.Len(), "unknown category dropped")
}

func TestFixtureValidatePriceExampleScenario(t *testing.T) {
	f := loadTestFixture(t)
	resp, err := f.ValidatePrice(context.Background(), ValidationRequest{
		ProductID:      "roller-1",
		WidthInches:    decimal.RequireFromString("36.25"),
		HeightInches:   decimal.NewFromInt(48),
		Customizations: pricing.Selection{pricing.Headrail: "platinum", pricing.HeadrailColour: "ice-white"},
	})
	require.NoError(t, err)
	require.Equal(t, pricing.Money(13210), resp.CalculatedPrice)
	require.Nil(t, resp.Valid)
}

func TestFixtureValidatePriceAdditive(t *testing.T) {
	f := loadTestFixture(t)
	resp, err := f.ValidatePrice(context.Background(), ValidationRequest{
		ProductID:      "vertical-1",
		WidthInches:    decimal.NewFromInt(70),
		HeightInches:   decimal.NewFromInt(50),
		Customizations: pricing.Selection{pricing.BottomChain: "chrome", pricing.ChainColor: "brass"},
	})
	require.NoError(t, err)
	// 55.00 + 25.00 + bottom chain 3.00; chain colour is not a vertical feature
	require.Equal(t, pricing.Money(8300), resp.CalculatedPrice)
}

func TestFixtureValidatePriceOutOfRange(t *testing.T) {
	f := loadTestFixture(t)
	_, err := f.ValidatePrice(context.Background(), ValidationRequest{
		ProductID:    "roller-1",
		WidthInches:  decimal.NewFromInt(51),
		HeightInches: decimal.NewFromInt(48),
	})
	require.ErrorIs(t, err, pricing.ErrOutOfRange)
}

func TestFixtureCreateCheckout(t *testing.T) {
	f := loadTestFixture(t)
	url, err := f.CreateCheckout(context.Background(), []HandoffLine{{Handle: "classic-roller-blind", Quantity: 1, SubmittedPrice: 13210}})
	require.NoError(t, err)
	require.Contains(t, url, "https://shop.example.test/checkout/")
	require.Len(t, f.Handoffs(), 1)
}

func TestProductCheckSize(t *testing.T) {
	p := Product{
		MinWidth: decimal.NewFromInt(12), MaxWidth: decimal.NewFromInt(50),
		MaxHeight: decimal.NewFromInt(50),
	}
	require.NoError(t, p.CheckSize(decimal.NewFromInt(50), decimal.NewFromInt(1)))
	require.NoError(t, p.CheckSize(decimal.Zero, decimal.Zero))

	err := p.CheckSize(decimal.RequireFromString("50.0625"), decimal.NewFromInt(20))
	require.ErrorIs(t, err, pricing.ErrOutOfRange)
	var rangeErr *pricing.RangeError
	require.ErrorAs(t, err, &rangeErr)
	require.Equal(t, "width", rangeErr.Axis)

	require.ErrorIs(t, p.CheckSize(decimal.NewFromInt(11), decimal.NewFromInt(20)), ErrBelowMinimum)
}
