package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-blinds/internal/pricing"
	"github.com/noah-isme/backend-blinds/internal/resilience"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &Client{
		BaseURL: srv.URL + "/api",
		Token:   "secret",
		HTTP: resilience.HTTPClient{
			Client:      srv.Client(),
			Breaker:     resilience.NewBreaker(20, 0.5, time.Second),
			MaxAttempts: 2,
			BaseBackoff: time.Millisecond,
			Timeout:     time.Second,
			Target:      "pricing-api",
		},
		Logger: zerolog.Nop(),
	}
}

func TestClientFetchProductAndMatrix(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/products/roller-1":
			_, _ = w.Write([]byte(`{"id":"roller-1","handle":"classic-roller-blind","title":"Classic","fromPrice":80,
				"minWidth":12,"maxWidth":"50","features":["headrail","headrailColour","pelmet"]}`))
		case "/api/products/roller-1/price-bands":
			_, _ = w.Write([]byte(`{"version":"v7","mode":"grid",
				"widthBands":[{"bandId":"w2","inches":40},{"bandId":"w1","inches":30}],
				"heightBands":[{"bandId":"h1","inches":50}],
				"prices":[{"widthBandId":"w1","heightBandId":"h1","price":80},{"widthBandId":"w2","heightBandId":"h1","price":120.5}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	p, err := client.FetchProduct(ctx, "roller-1")
	require.NoError(t, err)
	require.Equal(t, pricing.Money(8000), p.FromPrice)
	require.True(t, p.MaxWidth.Equal(decimal.NewFromInt(50)))
	require.Equal(t, pricing.NewFeatureSet(pricing.Headrail, pricing.HeadrailColour), p.Features)

	m, err := client.FetchMatrix(ctx, "roller-1")
	require.NoError(t, err)
	require.Equal(t, "roller-1", m.ProductID)
	require.Equal(t, "w1", m.WidthBands[0].ID)
	base, err := m.BasePrice(m.WidthBands[1], m.HeightBands[0])
	require.NoError(t, err)
	require.Equal(t, pricing.Money(12050), base)

	_, err = client.FetchProduct(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClientValidatePriceSendsCanonicalInches(t *testing.T) {
	var (
		got  map[string]any
		path string
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"calculatedPrice":132.10,"valid":true}`))
	})
	resp, err := client.ValidatePrice(context.Background(), ValidationRequest{
		ProductID:      "roller-1",
		WidthInches:    decimal.RequireFromString("36.25"),
		HeightInches:   decimal.NewFromInt(48),
		Customizations: pricing.Selection{pricing.HeadrailColour: "ice-white"},
	})
	require.NoError(t, err)
	require.Equal(t, pricing.Money(13210), resp.CalculatedPrice)
	require.NotNil(t, resp.Valid)
	require.True(t, *resp.Valid)

	require.Equal(t, "/api/cart/validate-price", path)
	require.Equal(t, "roller-1", got["productId"])
	require.Equal(t, 36.25, got["widthInches"])
	require.Equal(t, float64(48), got["heightInches"])
	require.Equal(t, map[string]any{"headrailColour": "ice-white"}, got["customizations"])
	require.NotContains(t, got, "price")
}

func TestClientErrorMapping(t *testing.T) {
	var mu sync.Mutex
	status, body := http.StatusOK, ""
	set := func(s int, b string) {
		mu.Lock()
		defer mu.Unlock()
		status, body = s, b
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	req := ValidationRequest{ProductID: "roller-1", WidthInches: decimal.NewFromInt(60), HeightInches: decimal.NewFromInt(40)}
	ctx := context.Background()

	set(http.StatusUnprocessableEntity, `{"error":{"code":"SIZE_OUT_OF_RANGE","message":"width too large"}}`)
	_, err := client.ValidatePrice(ctx, req)
	require.ErrorIs(t, err, pricing.ErrOutOfRange)

	set(http.StatusBadRequest, `{"code":"BAD_CUSTOMIZATION"}`)
	_, err = client.ValidatePrice(ctx, req)
	require.ErrorIs(t, err, ErrRejected)

	set(http.StatusBadGateway, ``)
	_, err = client.ValidatePrice(ctx, req)
	require.ErrorIs(t, err, ErrUnavailable)

	set(http.StatusOK, `not json`)
	_, err = client.ValidatePrice(ctx, req)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestClientUnavailableWhenServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	client := &Client{
		BaseURL: base,
		HTTP:    resilience.HTTPClient{Client: http.DefaultClient, MaxAttempts: 1},
		Logger:  zerolog.Nop(),
	}
	_, err := client.FetchPriceList(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestClientCreateCheckout(t *testing.T) {
	var (
		got  map[string]any
		path string
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"redirectUrl":"https://shop.example.test/c/abc"}`))
	})
	url, err := client.CreateCheckout(context.Background(), []HandoffLine{{
		Handle:         "classic-roller-blind",
		WidthInches:    decimal.RequireFromString("36.25"),
		HeightInches:   decimal.NewFromInt(48),
		Quantity:       2,
		SubmittedPrice: 13210,
		Configuration:  map[string]string{"headrailColour": "ice-white"},
	}})
	require.NoError(t, err)
	require.Equal(t, "https://shop.example.test/c/abc", url)
	require.Equal(t, "/api/checkout", path)

	lines := got["lines"].([]any)
	require.Len(t, lines, 1)
	line := lines[0].(map[string]any)
	require.Equal(t, 132.1, line["submittedPrice"])
	require.Equal(t, float64(2), line["quantity"])
}
