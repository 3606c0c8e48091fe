package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-blinds/internal/obs"
	"github.com/noah-isme/backend-blinds/internal/pricing"
	"github.com/noah-isme/backend-blinds/internal/upstream"
)

var (
	// ErrProductNotFound is returned when the pricing service has no such product.
	ErrProductNotFound = errors.New("catalog: product not found")
	// ErrInvalidInput covers malformed quote input.
	ErrInvalidInput = errors.New("catalog: invalid input")
	// ErrDegraded reports that the matrix or price list could not be loaded.
	ErrDegraded = errors.New("catalog: pricing data degraded")
)

// Source provides the pricing data for a product. Both upstream.Client and
// upstream.Fixture satisfy it.
type Source interface {
	FetchProduct(ctx context.Context, productID string) (upstream.Product, error)
	FetchMatrix(ctx context.Context, productID string) (*pricing.Matrix, error)
	FetchPriceList(ctx context.Context) (*pricing.PriceList, error)
}

// Bundle is everything needed to price one product.
type Bundle struct {
	Product   upstream.Product   `json:"product"`
	Matrix    *pricing.Matrix    `json:"matrix,omitempty"`
	PriceList *pricing.PriceList `json:"-"`
	Degraded  bool               `json:"degraded"`
	FetchedAt time.Time          `json:"fetchedAt"`
}

// MinimumPrice is the "from" price: the cheapest matrix cell when the matrix
// is loaded, otherwise the product's flat from price.
func (b Bundle) MinimumPrice() pricing.Money {
	if b.Matrix != nil {
		if min, ok := b.Matrix.MinimumPrice(); ok {
			return min
		}
	}
	return b.Product.FromPrice
}

// Service loads pricing bundles through the Redis cache.
type Service struct {
	source Source
	cache  *Cache
	logger zerolog.Logger
	now    func() time.Time
}

// ServiceConfig wires the Service dependencies.
type ServiceConfig struct {
	Source Source
	Cache  *Cache
	Logger *zerolog.Logger
	Now    func() time.Time
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Source == nil {
		return nil, errors.New("catalog: source is required")
	}
	svc := &Service{source: cfg.Source, cache: cfg.Cache, logger: zerolog.Nop(), now: time.Now}
	if cfg.Logger != nil {
		svc.logger = *cfg.Logger
	}
	if cfg.Now != nil {
		svc.now = cfg.Now
	}
	return svc, nil
}

// Load fetches the product, its price band matrix and the shared surcharge
// list. The product is required. The matrix and price list load in parallel
// and a failure of either marks the bundle degraded instead of failing it.
func (s *Service) Load(ctx context.Context, productID string) (Bundle, error) {
	if productID == "" {
		return Bundle{}, fmt.Errorf("product id required: %w", ErrInvalidInput)
	}
	var product upstream.Product
	err := s.cached(ctx, "product", s.cache.key("product", productID), &product, func(ctx context.Context) (any, error) {
		return s.source.FetchProduct(ctx, productID)
	})
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return Bundle{}, fmt.Errorf("%s: %w", productID, ErrProductNotFound)
		}
		return Bundle{}, err
	}

	bundle := Bundle{Product: product, FetchedAt: s.now()}
	var (
		wg        sync.WaitGroup
		matrix    *pricing.Matrix
		list      *pricing.PriceList
		matrixErr error
		listErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		matrixErr = s.cached(ctx, "matrix", s.cache.key("matrix", productID), &matrix, func(ctx context.Context) (any, error) {
			return s.source.FetchMatrix(ctx, productID)
		})
	}()
	go func() {
		defer wg.Done()
		listErr = s.cached(ctx, "price_list", s.cache.key("price-list"), &list, func(ctx context.Context) (any, error) {
			return s.source.FetchPriceList(ctx)
		})
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Bundle{}, err
	}
	if matrixErr != nil {
		bundle.Degraded = true
		s.logger.Warn().Err(matrixErr).Str("product_id", productID).Msg("price_matrix_unavailable")
	} else {
		bundle.Matrix = matrix
	}
	if listErr != nil {
		bundle.Degraded = true
		s.logger.Warn().Err(listErr).Msg("price_list_unavailable")
	} else {
		bundle.PriceList = list
	}
	return bundle, nil
}

// Invalidate drops cached data for a product.
func (s *Service) Invalidate(ctx context.Context, productID string) error {
	return s.cache.Invalidate(ctx, productID)
}

// Warm drops the cached data for a product and loads it again from the
// source. A degraded reload is an error so the caller can retry.
func (s *Service) Warm(ctx context.Context, productID string) error {
	if err := s.Invalidate(ctx, productID); err != nil {
		return err
	}
	b, err := s.Load(ctx, productID)
	if err != nil {
		return err
	}
	if b.Degraded {
		return fmt.Errorf("warm %s: %w", productID, ErrDegraded)
	}
	return nil
}

// PriceList returns the shared surcharge list, or an empty list when it
// cannot be loaded.
func (s *Service) PriceList(ctx context.Context) *pricing.PriceList {
	var list *pricing.PriceList
	err := s.cached(ctx, "price_list", s.cache.key("price-list"), &list, func(ctx context.Context) (any, error) {
		return s.source.FetchPriceList(ctx)
	})
	if err != nil || list == nil {
		return pricing.NewPriceList(nil)
	}
	return list
}

// cached reads dst from the cache or calls fetch and stores the result. dst
// must be a pointer to the type fetch returns.
func (s *Service) cached(ctx context.Context, kind, key string, dst any, fetch func(context.Context) (any, error)) error {
	if ok, err := s.cache.GetJSON(ctx, key, dst); err == nil && ok {
		obs.PricingFetchTotal.WithLabelValues(kind, "hit").Inc()
		return nil
	} else if err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("pricing_cache_read_failed")
	}

	v, err := fetch(ctx)
	if err != nil {
		obs.PricingFetchTotal.WithLabelValues(kind, "error").Inc()
		return err
	}
	obs.PricingFetchTotal.WithLabelValues(kind, "fetched").Inc()
	if err := assign(dst, v); err != nil {
		return err
	}
	if err := s.cache.SetJSON(ctx, key, v); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("pricing_cache_write_failed")
	}
	return nil
}

func assign(dst, v any) error {
	switch d := dst.(type) {
	case *upstream.Product:
		p, ok := v.(upstream.Product)
		if !ok {
			return fmt.Errorf("catalog: unexpected %T for product", v)
		}
		*d = p
	case **pricing.Matrix:
		m, ok := v.(*pricing.Matrix)
		if !ok {
			return fmt.Errorf("catalog: unexpected %T for matrix", v)
		}
		*d = m
	case **pricing.PriceList:
		pl, ok := v.(*pricing.PriceList)
		if !ok {
			return fmt.Errorf("catalog: unexpected %T for price list", v)
		}
		*d = pl
	default:
		return fmt.Errorf("catalog: unsupported destination %T", dst)
	}
	return nil
}
