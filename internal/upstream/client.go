package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-blinds/internal/obs"
	"github.com/noah-isme/backend-blinds/internal/pricing"
	"github.com/noah-isme/backend-blinds/internal/resilience"
)

// Client talks to the external product/pricing API and the commerce
// platform's checkout endpoint. Every call goes through HTTP, which retries
// and trips the breaker.
type Client struct {
	BaseURL     string
	Token       string
	CheckoutURL string
	HTTP        resilience.HTTPClient
	Logger      zerolog.Logger
}

// FetchProduct loads the product record.
func (c *Client) FetchProduct(ctx context.Context, productID string) (Product, error) {
	var wire productWire
	if err := c.do(ctx, "product", http.MethodGet, c.url("products", productID), nil, &wire); err != nil {
		return Product{}, err
	}
	return wire.product(c.Logger), nil
}

// FetchMatrix loads the price band matrix of a product.
func (c *Client) FetchMatrix(ctx context.Context, productID string) (*pricing.Matrix, error) {
	var wire matrixWire
	if err := c.do(ctx, "matrix", http.MethodGet, c.url("products", productID, "price-bands"), nil, &wire); err != nil {
		return nil, err
	}
	if wire.ProductID == "" {
		wire.ProductID = productID
	}
	m, err := wire.matrix()
	if err != nil {
		return nil, fmt.Errorf("matrix %s: %w", productID, err)
	}
	return m, nil
}

// FetchPriceList loads customization surcharges. Entries for categories this
// service does not know are skipped.
func (c *Client) FetchPriceList(ctx context.Context) (*pricing.PriceList, error) {
	var wire []priceEntryWire
	if err := c.do(ctx, "price_list", http.MethodGet, c.url("customizations", "prices"), nil, &wire); err != nil {
		return nil, err
	}
	return priceList(wire, c.Logger), nil
}

// ValidatePrice asks the pricing service for the authoritative price of a
// configuration.
func (c *Client) ValidatePrice(ctx context.Context, req ValidationRequest) (ValidationResponse, error) {
	body := validateRequestWire{
		ProductID:      req.ProductID,
		WidthInches:    json.Number(req.WidthInches.String()),
		HeightInches:   json.Number(req.HeightInches.String()),
		Customizations: req.Customizations.Wire(),
	}
	var wire validateResponseWire
	if err := c.do(ctx, "validate_price", http.MethodPost, c.url("cart", "validate-price"), body, &wire); err != nil {
		return ValidationResponse{}, err
	}
	resp := ValidationResponse{
		CalculatedPrice: pricing.MoneyFromDecimal(wire.CalculatedPrice),
		Valid:           wire.Valid,
	}
	if wire.Difference != nil {
		diff := pricing.MoneyFromDecimal(*wire.Difference)
		resp.Difference = &diff
	}
	return resp, nil
}

// CreateCheckout hands the configured lines to the commerce platform and
// returns the URL the shopper is redirected to.
func (c *Client) CreateCheckout(ctx context.Context, lines []HandoffLine) (string, error) {
	target := c.CheckoutURL
	if target == "" {
		target = c.url("checkout")
	}
	body := checkoutRequestWire{Lines: make([]checkoutLineWire, 0, len(lines))}
	for _, l := range lines {
		body.Lines = append(body.Lines, checkoutLineWire{
			Handle:         l.Handle,
			WidthInches:    json.Number(l.WidthInches.String()),
			HeightInches:   json.Number(l.HeightInches.String()),
			Quantity:       l.Quantity,
			SubmittedPrice: json.Number(pricing.MoneyDecimal(l.SubmittedPrice).StringFixed(2)),
			Configuration:  l.Configuration,
		})
	}
	var wire checkoutResponseWire
	if err := c.do(ctx, "checkout", http.MethodPost, target, body, &wire); err != nil {
		return "", err
	}
	if wire.RedirectURL == "" {
		return "", fmt.Errorf("checkout: empty redirect url: %w", ErrUnavailable)
	}
	return wire.RedirectURL, nil
}

func (c *Client) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Join(escaped, "/")
}

// do performs one call and maps failures onto the package errors.
func (c *Client) do(ctx context.Context, op, method, target string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		obs.PricingUpstreamLatency.WithLabelValues(op, resultLabel(err)).Observe(float64(time.Since(start).Milliseconds()))
	}()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.statusError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w: %w", op, ErrUnavailable, err)
	}
	return nil
}

func (c *Client) statusError(op string, resp *http.Response) error {
	var body errorWire
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	code := body.code()
	c.Logger.Debug().Str("operation", op).Int("status", resp.StatusCode).Str("code", code).Msg("pricing_api_error")

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode == http.StatusUnprocessableEntity && code == "SIZE_OUT_OF_RANGE":
		return fmt.Errorf("%s: %s: %w", op, body.message(), pricing.ErrOutOfRange)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s: %s: %w", op, resp.Status, ErrUnavailable)
	default:
		return fmt.Errorf("%s: %s %s: %w", op, resp.Status, code, ErrRejected)
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "rejected"
	}
}

type errorWire struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e errorWire) code() string {
	if e.Code == "" && e.Error != nil {
		return e.Error.Code
	}
	return e.Code
}

func (e errorWire) message() string {
	if e.Message == "" && e.Error != nil {
		return e.Error.Message
	}
	return e.Message
}

type productWire struct {
	ID        string          `json:"id"`
	Handle    string          `json:"handle"`
	Title     string          `json:"title"`
	FromPrice decimal.Decimal `json:"fromPrice"`
	MinWidth  decimal.Decimal `json:"minWidth"`
	MaxWidth  decimal.Decimal `json:"maxWidth"`
	MinHeight decimal.Decimal `json:"minHeight"`
	MaxHeight decimal.Decimal `json:"maxHeight"`
	Features  []string        `json:"features"`
}

func (w productWire) product(log zerolog.Logger) Product {
	return Product{
		ID:        w.ID,
		Handle:    w.Handle,
		Title:     w.Title,
		FromPrice: pricing.MoneyFromDecimal(w.FromPrice),
		MinWidth:  w.MinWidth,
		MaxWidth:  w.MaxWidth,
		MinHeight: w.MinHeight,
		MaxHeight: w.MaxHeight,
		Features:  featureSet(w.Features, log),
	}
}

func featureSet(names []string, log zerolog.Logger) pricing.FeatureSet {
	var fs pricing.FeatureSet
	for _, name := range names {
		c, err := pricing.ParseCategory(name)
		if err != nil {
			log.Debug().Str("category", name).Msg("pricing_unknown_feature_skipped")
			continue
		}
		fs = fs.With(c)
	}
	return fs
}

type bandWire struct {
	ID     string           `json:"bandId"`
	Inches decimal.Decimal  `json:"inches"`
	Price  *decimal.Decimal `json:"price,omitempty"`
}

type cellWire struct {
	WidthBandID  string          `json:"widthBandId"`
	HeightBandID string          `json:"heightBandId"`
	Price        decimal.Decimal `json:"price"`
}

type matrixWire struct {
	ProductID   string     `json:"productId"`
	Version     string     `json:"version"`
	Mode        string     `json:"mode"`
	WidthBands  []bandWire `json:"widthBands"`
	HeightBands []bandWire `json:"heightBands"`
	Prices      []cellWire `json:"prices"`
}

func (w matrixWire) matrix() (*pricing.Matrix, error) {
	cells := make([]pricing.Cell, 0, len(w.Prices))
	for _, p := range w.Prices {
		cells = append(cells, pricing.Cell{
			WidthBandID:  p.WidthBandID,
			HeightBandID: p.HeightBandID,
			Price:        pricing.MoneyFromDecimal(p.Price),
		})
	}
	return pricing.NewMatrix(w.ProductID, w.Version, pricing.MatrixMode(w.Mode), bands(w.WidthBands), bands(w.HeightBands), cells)
}

func bands(in []bandWire) []pricing.Band {
	out := make([]pricing.Band, 0, len(in))
	for _, b := range in {
		band := pricing.Band{ID: b.ID, Inches: b.Inches}
		if b.Price != nil {
			band.Price = pricing.MoneyFromDecimal(*b.Price)
		}
		out = append(out, band)
	}
	return out
}

type priceEntryWire struct {
	Category string          `json:"category"`
	OptionID string          `json:"optionId"`
	Price    decimal.Decimal `json:"price"`
}

func priceList(in []priceEntryWire, log zerolog.Logger) *pricing.PriceList {
	entries := make([]pricing.PricingEntry, 0, len(in))
	for _, e := range in {
		c, err := pricing.ParseCategory(e.Category)
		if err != nil {
			log.Debug().Str("category", e.Category).Str("option", e.OptionID).Msg("pricing_unknown_category_skipped")
			continue
		}
		entries = append(entries, pricing.PricingEntry{Category: c, OptionID: e.OptionID, Price: pricing.MoneyFromDecimal(e.Price)})
	}
	return pricing.NewPriceList(entries)
}

type validateRequestWire struct {
	ProductID      string            `json:"productId"`
	WidthInches    json.Number       `json:"widthInches"`
	HeightInches   json.Number       `json:"heightInches"`
	Customizations map[string]string `json:"customizations"`
}

type validateResponseWire struct {
	CalculatedPrice decimal.Decimal  `json:"calculatedPrice"`
	Valid           *bool            `json:"valid,omitempty"`
	Difference      *decimal.Decimal `json:"difference,omitempty"`
}

type checkoutLineWire struct {
	Handle         string            `json:"handle"`
	WidthInches    json.Number       `json:"widthInches"`
	HeightInches   json.Number       `json:"heightInches"`
	Quantity       int               `json:"quantity"`
	SubmittedPrice json.Number       `json:"submittedPrice"`
	Configuration  map[string]string `json:"configuration"`
}

type checkoutRequestWire struct {
	Lines []checkoutLineWire `json:"lines"`
}

type checkoutResponseWire struct {
	RedirectURL string `json:"redirectUrl"`
}
