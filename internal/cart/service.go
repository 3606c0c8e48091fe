package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-blinds/internal/catalog"
	"github.com/noah-isme/backend-blinds/internal/obs"
	"github.com/noah-isme/backend-blinds/internal/pricing"
	"github.com/noah-isme/backend-blinds/internal/upstream"
)

var (
	// ErrNotFound indicates the requested cart or line could not be located.
	ErrNotFound = errors.New("cart: not found")
	// ErrInvalidInput is returned when the provided payload is invalid.
	ErrInvalidInput = errors.New("cart: invalid input")
	// ErrPricingUnavailable means no price could be established: the validator
	// is unreachable and there is neither a client price nor local data.
	ErrPricingUnavailable = errors.New("cart: pricing unavailable")
)

// Validator is the authoritative price calculator.
type Validator interface {
	ValidatePrice(ctx context.Context, req upstream.ValidationRequest) (upstream.ValidationResponse, error)
}

// Products loads the pricing bundle of a product.
type Products interface {
	Load(ctx context.Context, productID string) (catalog.Bundle, error)
}

// PriceEvent describes a price disagreement or an unverified line.
type PriceEvent struct {
	CartID          string
	LineID          string
	ProductID       string
	WidthInches     decimal.Decimal
	HeightInches    decimal.Decimal
	Customizations  pricing.Selection
	ClientPrice     pricing.Money
	CalculatedPrice pricing.Money
	Difference      pricing.Money
}

// Reconciler records price mismatches and lines added without validation.
type Reconciler interface {
	RecordMismatch(ctx context.Context, ev PriceEvent) error
	FlagUnverified(ctx context.Context, ev PriceEvent) error
}

// Locker serialises mutations per cart; lock.Locker satisfies it.
type Locker interface {
	Key(kind, id string) string
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Service encapsulates cart domain operations.
type Service struct {
	Store      Store
	Products   Products
	Validator  Validator
	Reconciler Reconciler
	Locker     Locker
	LockTTL    time.Duration
	// Epsilon is the tolerated client/server difference in minor units.
	Epsilon pricing.Money
	TaxBps  int
	TTL     time.Duration
	Now     func() time.Time
	Logger  zerolog.Logger

	local sync.Mutex
}

func (s *Service) ttl() time.Duration {
	if s.TTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return s.TTL
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// mutate runs a read-modify-write of one cart under its lock.
func (s *Service) mutate(ctx context.Context, cartID string, fn func(*Cart) error) (Cart, error) {
	if s.Store == nil {
		return Cart{}, errors.New("cart service not configured")
	}
	var out Cart
	apply := func(ctx context.Context) error {
		c, err := s.Store.Get(ctx, cartID)
		if err != nil {
			return err
		}
		if err := fn(&c); err != nil {
			return err
		}
		c.UpdatedAt = s.now()
		if err := s.Store.Put(ctx, c, s.ttl()); err != nil {
			return err
		}
		out = c
		return nil
	}
	if s.Locker == nil {
		s.local.Lock()
		defer s.local.Unlock()
		err := apply(ctx)
		return out, err
	}
	err := s.Locker.WithLock(ctx, s.Locker.Key("cart", cartID), s.LockTTL, apply)
	return out, err
}

// Create starts an empty cart.
func (s *Service) Create(ctx context.Context) (Cart, error) {
	if s.Store == nil {
		return Cart{}, errors.New("cart service not configured")
	}
	now := s.now()
	c := Cart{ID: uuid.NewString(), Items: []LineItem{}, CreatedAt: now, UpdatedAt: now}
	if err := s.Store.Put(ctx, c, s.ttl()); err != nil {
		return Cart{}, err
	}
	return c, nil
}

// Get loads a cart.
func (s *Service) Get(ctx context.Context, cartID string) (Cart, error) {
	if s.Store == nil {
		return Cart{}, errors.New("cart service not configured")
	}
	return s.Store.Get(ctx, cartID)
}

// AddItemInput is a configured product as submitted by the storefront.
type AddItemInput struct {
	ProductID      string
	Width          pricing.Dimension
	Height         pricing.Dimension
	Customizations pricing.Selection
	Quantity       int
	// ClientPrice is the unit price the storefront displayed; nil when not sent.
	ClientPrice *pricing.Money
}

func (in AddItemInput) clientPrice() pricing.Money {
	if in.ClientPrice == nil {
		return 0
	}
	return *in.ClientPrice
}

// AddItem validates the configuration with the pricing service and appends a
// line priced at the calculated amount. When the validator is unreachable the
// line is added unverified at the client price, or at the locally calculated
// price when the client sent none. Without product data the client price is
// the only option.
func (s *Service) AddItem(ctx context.Context, cartID string, in AddItemInput) (Cart, LineItem, error) {
	if in.Quantity <= 0 {
		return Cart{}, LineItem{}, fmt.Errorf("quantity must be positive: %w", ErrInvalidInput)
	}
	if in.clientPrice() < 0 {
		return Cart{}, LineItem{}, fmt.Errorf("client price must not be negative: %w", ErrInvalidInput)
	}
	for _, d := range []pricing.Dimension{in.Width, in.Height} {
		if err := d.Validate(); err != nil {
			return Cart{}, LineItem{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}
	width, height := pricing.Normalize(in.Width), pricing.Normalize(in.Height)
	if pricing.IsUnset(width) || pricing.IsUnset(height) {
		return Cart{}, LineItem{}, fmt.Errorf("width and height are required: %w", ErrInvalidInput)
	}
	if _, err := s.Get(ctx, cartID); err != nil {
		return Cart{}, LineItem{}, err
	}
	if s.Products == nil || s.Validator == nil {
		return Cart{}, LineItem{}, errors.New("cart pricing dependencies not configured")
	}

	client := in.clientPrice()
	bundle, err := s.Products.Load(ctx, in.ProductID)
	if err != nil {
		if errors.Is(err, upstream.ErrUnavailable) && client > 0 {
			return s.addWithoutProduct(ctx, cartID, in, width, height, err)
		}
		if errors.Is(err, upstream.ErrUnavailable) {
			obs.PriceValidationTotal.WithLabelValues("unavailable").Inc()
			return Cart{}, LineItem{}, fmt.Errorf("%w: %w", ErrPricingUnavailable, err)
		}
		return Cart{}, LineItem{}, err
	}
	product := bundle.Product
	if err := in.Customizations.Validate(product.Features); err != nil {
		return Cart{}, LineItem{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := product.CheckSize(width, height); err != nil {
		obs.PriceValidationTotal.WithLabelValues("rejected").Inc()
		return Cart{}, LineItem{}, err
	}
	sel := in.Customizations.Restrict(product.Features)

	line := LineItem{
		ID:           uuid.NewString(),
		ProductID:    product.ID,
		Handle:       product.Handle,
		Title:        product.Title,
		Width:        in.Width,
		Height:       in.Height,
		WidthInches:  width,
		HeightInches: height,
		Selection:    sel,
		Quantity:     in.Quantity,
		ClientPrice:  client,
		AddedAt:      s.now(),
	}
	ev := PriceEvent{
		CartID:         cartID,
		LineID:         line.ID,
		ProductID:      product.ID,
		WidthInches:    width,
		HeightInches:   height,
		Customizations: sel,
		ClientPrice:    client,
	}

	resp, err := s.Validator.ValidatePrice(ctx, upstream.ValidationRequest{
		ProductID:      product.ID,
		WidthInches:    width,
		HeightInches:   height,
		Customizations: sel,
	})
	var mismatch, unverified bool
	switch {
	case err == nil:
		line.UnitPrice = resp.CalculatedPrice
		line.Verified = true
		line.PriceSource = PriceSourceServer
		if in.ClientPrice != nil {
			verdict := pricing.Reconcile(client, resp.CalculatedPrice, s.Epsilon)
			line.UnitPrice = verdict.Price()
			if !verdict.Valid {
				mismatch = true
				line.PriceSource = PriceSourceServerCorrected
				ev.CalculatedPrice, ev.Difference = verdict.CalculatedPrice, verdict.Difference
			}
		}
		if mismatch {
			obs.PriceValidationTotal.WithLabelValues("corrected").Inc()
		} else {
			obs.PriceValidationTotal.WithLabelValues("valid").Inc()
		}
	case errors.Is(err, upstream.ErrUnavailable):
		price, ok := s.failOpenPrice(bundle, client, width, height, sel)
		if !ok {
			obs.PriceValidationTotal.WithLabelValues("unavailable").Inc()
			return Cart{}, LineItem{}, fmt.Errorf("%w: %w", ErrPricingUnavailable, err)
		}
		unverified = true
		line.UnitPrice = price
		line.PriceSource = PriceSourceClientUnverified
		obs.PriceValidationTotal.WithLabelValues("fail_open").Inc()
		s.Logger.Warn().Err(err).
			Str("cart_id", cartID).
			Str("line_id", line.ID).
			Str("product_id", product.ID).
			Int64("unit_price", price).
			Msg("price_validation_fail_open")
	default:
		obs.PriceValidationTotal.WithLabelValues("rejected").Inc()
		return Cart{}, LineItem{}, err
	}

	c, err := s.appendLine(ctx, cartID, line)
	if err != nil {
		return Cart{}, LineItem{}, err
	}

	if mismatch {
		s.Logger.Info().
			Str("cart_id", cartID).
			Str("line_id", line.ID).
			Str("product_id", product.ID).
			Int64("client_price", client).
			Int64("calculated_price", ev.CalculatedPrice).
			Int64("difference", ev.Difference).
			Msg("price_reconciliation")
		if s.Reconciler != nil {
			if err := s.Reconciler.RecordMismatch(ctx, ev); err != nil {
				s.Logger.Error().Err(err).Str("line_id", line.ID).Msg("price_reconciliation_record_failed")
			}
		}
	}
	if unverified {
		ev.ClientPrice = line.UnitPrice
		s.flagUnverified(ctx, ev)
	}
	return c, line, nil
}

// addWithoutProduct appends a line at the client price while neither the
// product nor the validator can be reached. Size and option checks wait for
// CompleteLine and revalidation.
func (s *Service) addWithoutProduct(ctx context.Context, cartID string, in AddItemInput, width, height decimal.Decimal, cause error) (Cart, LineItem, error) {
	client := in.clientPrice()
	sel := in.Customizations.Clone()
	line := LineItem{
		ID:           uuid.NewString(),
		ProductID:    in.ProductID,
		Width:        in.Width,
		Height:       in.Height,
		WidthInches:  width,
		HeightInches: height,
		Selection:    sel,
		Quantity:     in.Quantity,
		UnitPrice:    client,
		ClientPrice:  client,
		PriceSource:  PriceSourceClientUnverified,
		AddedAt:      s.now(),
	}
	c, err := s.appendLine(ctx, cartID, line)
	if err != nil {
		return Cart{}, LineItem{}, err
	}
	obs.PriceValidationTotal.WithLabelValues("fail_open").Inc()
	s.Logger.Warn().Err(cause).
		Str("cart_id", cartID).
		Str("line_id", line.ID).
		Str("product_id", in.ProductID).
		Int64("unit_price", client).
		Msg("price_validation_fail_open_without_product")
	s.flagUnverified(ctx, PriceEvent{
		CartID:         cartID,
		LineID:         line.ID,
		ProductID:      in.ProductID,
		WidthInches:    width,
		HeightInches:   height,
		Customizations: sel,
		ClientPrice:    client,
	})
	return c, line, nil
}

func (s *Service) appendLine(ctx context.Context, cartID string, line LineItem) (Cart, error) {
	return s.mutate(ctx, cartID, func(c *Cart) error {
		c.Items = append(c.Items, line)
		return nil
	})
}

func (s *Service) flagUnverified(ctx context.Context, ev PriceEvent) {
	if s.Reconciler == nil {
		return
	}
	if err := s.Reconciler.FlagUnverified(ctx, ev); err != nil {
		s.Logger.Error().Err(err).Str("line_id", ev.LineID).Msg("price_reconciliation_flag_failed")
	}
}

// CompleteLine fills in the product details of a line added without product
// data and drops selections for categories the product does not enable. A
// line that already has them is returned as stored.
func (s *Service) CompleteLine(ctx context.Context, cartID, lineID string) (LineItem, error) {
	c, err := s.Get(ctx, cartID)
	if err != nil {
		return LineItem{}, err
	}
	i := c.indexOf(lineID)
	if i < 0 {
		return LineItem{}, fmt.Errorf("line %s: %w", lineID, ErrNotFound)
	}
	if c.Items[i].Handle != "" {
		return c.Items[i], nil
	}
	if s.Products == nil {
		return LineItem{}, errors.New("cart pricing dependencies not configured")
	}
	bundle, err := s.Products.Load(ctx, c.Items[i].ProductID)
	if err != nil {
		return LineItem{}, err
	}
	product := bundle.Product

	var line LineItem
	_, err = s.mutate(ctx, cartID, func(c *Cart) error {
		i := c.indexOf(lineID)
		if i < 0 {
			return fmt.Errorf("line %s: %w", lineID, ErrNotFound)
		}
		it := &c.Items[i]
		it.Handle, it.Title = product.Handle, product.Title
		it.Selection = it.Selection.Restrict(product.Features)
		line = *it
		return nil
	})
	if err != nil {
		return LineItem{}, err
	}
	return line, nil
}

// failOpenPrice picks the price for a line added without the validator.
func (s *Service) failOpenPrice(bundle catalog.Bundle, client pricing.Money, w, h decimal.Decimal, sel pricing.Selection) (pricing.Money, bool) {
	if client > 0 {
		return client, true
	}
	res, err := pricing.CalculateCanonical(pricing.Canonical{
		WidthInches:  w,
		HeightInches: h,
		Matrix:       bundle.Matrix,
		Selection:    sel,
		Features:     bundle.Product.Features,
		PriceList:    bundle.PriceList,
	})
	if err != nil || !res.Priced() {
		return 0, false
	}
	return res.Total, true
}

// UpdateQty sets the quantity of a line.
func (s *Service) UpdateQty(ctx context.Context, cartID, lineID string, qty int) (Cart, error) {
	if qty <= 0 {
		return Cart{}, fmt.Errorf("quantity must be positive: %w", ErrInvalidInput)
	}
	return s.mutate(ctx, cartID, func(c *Cart) error {
		i := c.indexOf(lineID)
		if i < 0 {
			return fmt.Errorf("line %s: %w", lineID, ErrNotFound)
		}
		c.Items[i].Quantity = qty
		return nil
	})
}

// RemoveItem deletes a line.
func (s *Service) RemoveItem(ctx context.Context, cartID, lineID string) (Cart, error) {
	return s.mutate(ctx, cartID, func(c *Cart) error {
		i := c.indexOf(lineID)
		if i < 0 {
			return fmt.Errorf("line %s: %w", lineID, ErrNotFound)
		}
		c.Items = append(c.Items[:i], c.Items[i+1:]...)
		return nil
	})
}

// Clear removes every line but keeps the cart.
func (s *Service) Clear(ctx context.Context, cartID string) (Cart, error) {
	return s.mutate(ctx, cartID, func(c *Cart) error {
		c.Items = []LineItem{}
		return nil
	})
}

// ApplyVerifiedPrice stores an authoritative price on a line and marks it
// verified. It reports whether the stored price changed.
func (s *Service) ApplyVerifiedPrice(ctx context.Context, cartID, lineID string, calculated pricing.Money) (LineItem, bool, error) {
	var (
		line    LineItem
		changed bool
	)
	_, err := s.mutate(ctx, cartID, func(c *Cart) error {
		i := c.indexOf(lineID)
		if i < 0 {
			return fmt.Errorf("line %s: %w", lineID, ErrNotFound)
		}
		it := &c.Items[i]
		verdict := pricing.Reconcile(it.UnitPrice, calculated, s.Epsilon)
		changed = !verdict.Valid
		it.UnitPrice = verdict.Price()
		it.Verified = true
		if changed {
			it.PriceSource = PriceSourceServerCorrected
		} else if it.PriceSource == PriceSourceClientUnverified {
			it.PriceSource = PriceSourceServer
		}
		line = *it
		return nil
	})
	if err != nil {
		return LineItem{}, false, err
	}
	return line, changed, nil
}

// Summary totals the cart.
func (s *Service) Summary(c Cart) pricing.Summary {
	items := make([]pricing.Item, 0, len(c.Items))
	for _, it := range c.Items {
		items = append(items, pricing.Item{Qty: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return pricing.Compute(items, s.TaxBps)
}
