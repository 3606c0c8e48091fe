package upstream

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/backend-blinds/internal/pricing"
)

// Fixture serves products, matrices and surcharges from a YAML file and acts
// as the authoritative validator by running the local calculator. It stands in
// for the pricing service in development.
type Fixture struct {
	mu          sync.Mutex
	products    map[string]Product
	matrices    map[string]*pricing.Matrix
	prices      *pricing.PriceList
	checkoutURL string
	handoffs    [][]HandoffLine
}

type fixtureFile struct {
	CheckoutURL    string              `yaml:"checkoutUrl"`
	Products       []fixtureProduct    `yaml:"products"`
	Customizations []fixturePriceEntry `yaml:"customizations"`
}

type fixtureProduct struct {
	ID        string         `yaml:"id"`
	Handle    string         `yaml:"handle"`
	Title     string         `yaml:"title"`
	FromPrice string         `yaml:"fromPrice"`
	MinWidth  string         `yaml:"minWidth"`
	MaxWidth  string         `yaml:"maxWidth"`
	MinHeight string         `yaml:"minHeight"`
	MaxHeight string         `yaml:"maxHeight"`
	Features  []string       `yaml:"features"`
	Matrix    *fixtureMatrix `yaml:"matrix"`
}

type fixtureBand struct {
	ID     string `yaml:"bandId"`
	Inches string `yaml:"inches"`
	Price  string `yaml:"price"`
}

type fixtureMatrix struct {
	Version     string        `yaml:"version"`
	Mode        string        `yaml:"mode"`
	WidthBands  []fixtureBand `yaml:"widthBands"`
	HeightBands []fixtureBand `yaml:"heightBands"`
	Prices      []struct {
		Width  string `yaml:"width"`
		Height string `yaml:"height"`
		Price  string `yaml:"price"`
	} `yaml:"prices"`
}

type fixturePriceEntry struct {
	Category string `yaml:"category"`
	OptionID string `yaml:"optionId"`
	Price    string `yaml:"price"`
}

// LoadFixture reads a fixture file.
func LoadFixture(path string, log zerolog.Logger) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(raw, log)
}

// ParseFixture builds a Fixture from YAML. Amounts and sizes are decimal
// strings in major units and inches.
func ParseFixture(raw []byte, log zerolog.Logger) (*Fixture, error) {
	var file fixtureFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	f := &Fixture{
		products:    make(map[string]Product, len(file.Products)),
		matrices:    make(map[string]*pricing.Matrix, len(file.Products)),
		checkoutURL: file.CheckoutURL,
	}
	if f.checkoutURL == "" {
		f.checkoutURL = "http://localhost:8080/fixture-checkout"
	}
	for _, p := range file.Products {
		product, err := p.product(log)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", p.ID, err)
		}
		f.products[p.ID] = product
		if p.Matrix == nil {
			continue
		}
		m, err := p.Matrix.matrix(p.ID)
		if err != nil {
			return nil, fmt.Errorf("product %s matrix: %w", p.ID, err)
		}
		f.matrices[p.ID] = m
	}
	entries := make([]priceEntryWire, 0, len(file.Customizations))
	for _, e := range file.Customizations {
		price, err := parseDecimal(e.Price)
		if err != nil {
			return nil, fmt.Errorf("customization %s/%s: %w", e.Category, e.OptionID, err)
		}
		entries = append(entries, priceEntryWire{Category: e.Category, OptionID: e.OptionID, Price: price})
	}
	f.prices = priceList(entries, log)
	return f, nil
}

func (p fixtureProduct) product(log zerolog.Logger) (Product, error) {
	values := make([]decimal.Decimal, 5)
	for i, s := range []string{p.FromPrice, p.MinWidth, p.MaxWidth, p.MinHeight, p.MaxHeight} {
		d, err := parseDecimal(s)
		if err != nil {
			return Product{}, err
		}
		values[i] = d
	}
	return productWire{
		ID:        p.ID,
		Handle:    p.Handle,
		Title:     p.Title,
		FromPrice: values[0],
		MinWidth:  values[1],
		MaxWidth:  values[2],
		MinHeight: values[3],
		MaxHeight: values[4],
		Features:  p.Features,
	}.product(log), nil
}

func (m fixtureMatrix) matrix(productID string) (*pricing.Matrix, error) {
	wire := matrixWire{ProductID: productID, Version: m.Version, Mode: m.Mode}
	var err error
	if wire.WidthBands, err = fixtureBands(m.WidthBands); err != nil {
		return nil, err
	}
	if wire.HeightBands, err = fixtureBands(m.HeightBands); err != nil {
		return nil, err
	}
	for _, p := range m.Prices {
		price, err := parseDecimal(p.Price)
		if err != nil {
			return nil, err
		}
		wire.Prices = append(wire.Prices, cellWire{WidthBandID: p.Width, HeightBandID: p.Height, Price: price})
	}
	return wire.matrix()
}

func fixtureBands(in []fixtureBand) ([]bandWire, error) {
	out := make([]bandWire, 0, len(in))
	for _, b := range in {
		inches, err := parseDecimal(b.Inches)
		if err != nil {
			return nil, err
		}
		band := bandWire{ID: b.ID, Inches: inches}
		if b.Price != "" {
			price, err := parseDecimal(b.Price)
			if err != nil {
				return nil, err
			}
			band.Price = &price
		}
		out = append(out, band)
	}
	return out, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decimal %q: %w", s, err)
	}
	return d, nil
}

func (f *Fixture) FetchProduct(_ context.Context, productID string) (Product, error) {
	p, ok := f.products[productID]
	if !ok {
		return Product{}, fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	return p, nil
}

func (f *Fixture) FetchMatrix(_ context.Context, productID string) (*pricing.Matrix, error) {
	m, ok := f.matrices[productID]
	if !ok {
		return nil, fmt.Errorf("matrix %s: %w", productID, ErrNotFound)
	}
	return m, nil
}

func (f *Fixture) FetchPriceList(context.Context) (*pricing.PriceList, error) {
	return f.prices, nil
}

// ValidatePrice recomputes the price from the fixture data. Sizes outside the
// product limits are reported the way the pricing service reports them.
func (f *Fixture) ValidatePrice(ctx context.Context, req ValidationRequest) (ValidationResponse, error) {
	product, err := f.FetchProduct(ctx, req.ProductID)
	if err != nil {
		return ValidationResponse{}, err
	}
	if err := product.CheckSize(req.WidthInches, req.HeightInches); err != nil {
		return ValidationResponse{}, fmt.Errorf("validate_price: %w: %w", ErrRejected, err)
	}
	m, err := f.FetchMatrix(ctx, req.ProductID)
	if err != nil {
		return ValidationResponse{}, err
	}
	res, err := pricing.CalculateCanonical(pricing.Canonical{
		WidthInches:  req.WidthInches,
		HeightInches: req.HeightInches,
		Matrix:       m,
		Selection:    req.Customizations,
		Features:     product.Features,
		PriceList:    f.prices,
	})
	if err != nil {
		return ValidationResponse{}, err
	}
	if !res.Priced() {
		return ValidationResponse{}, fmt.Errorf("validate_price: incomplete size: %w", ErrRejected)
	}
	return ValidationResponse{CalculatedPrice: res.Total}, nil
}

// CreateCheckout records the handoff and returns a fake redirect.
func (f *Fixture) CreateCheckout(_ context.Context, lines []HandoffLine) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handoffs = append(f.handoffs, append([]HandoffLine(nil), lines...))
	return f.checkoutURL + "/" + uuid.NewString(), nil
}

// Handoffs returns the checkouts created so far.
func (f *Fixture) Handoffs() [][]HandoffLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]HandoffLine(nil), f.handoffs...)
}

// ProductIDs lists the fixture products.
func (f *Fixture) ProductIDs() []string {
	ids := make([]string, 0, len(f.products))
	for id := range f.products {
		ids = append(ids, id)
	}
	return ids
}
