package catalog

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-blinds/internal/common"
	"github.com/noah-isme/backend-blinds/internal/pricing"
	"github.com/noah-isme/backend-blinds/internal/upstream"
)

// Handler exposes the public pricing endpoints.
type Handler struct {
	service     *Service
	logger      zerolog.Logger
	invalidated func(context.Context, string) error
}

// HandlerConfig configures the Handler dependencies.
type HandlerConfig struct {
	Service *Service
	Logger  *zerolog.Logger
	// Invalidated runs after an admin cache invalidation, e.g. to schedule a
	// refill. Errors are logged only.
	Invalidated func(ctx context.Context, productID string) error
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{service: cfg.Service, logger: zerolog.Nop(), invalidated: cfg.Invalidated}
	if cfg.Logger != nil {
		h.logger = *cfg.Logger
	}
	return h
}

type optionView struct {
	ID    string        `json:"id"`
	Label string        `json:"label"`
	Price pricing.Money `json:"price"`
	// Priced is false when the price list has no entry; the option is free.
	Priced bool `json:"priced"`
}

type categoryView struct {
	Category pricing.Category `json:"category"`
	Label    string           `json:"label"`
	Options  []optionView     `json:"options"`
}

// Customizations handles GET /api/v1/customizations.
func (h *Handler) Customizations(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	list := h.service.PriceList(r.Context())
	cats := pricing.Categories()
	out := make([]categoryView, 0, len(cats))
	for _, c := range cats {
		view := categoryView{Category: c, Label: c.Label()}
		for _, o := range pricing.Options(c) {
			price, ok := list.Price(c, o.ID)
			view.Options = append(view.Options, optionView{ID: o.ID, Label: o.Label, Price: price, Priced: ok})
		}
		out = append(out, view)
	}
	common.Data(w, http.StatusOK, out)
}

type pricingView struct {
	Product   upstream.Product   `json:"product"`
	FromPrice pricing.Money      `json:"fromPrice"`
	Mode      pricing.MatrixMode `json:"mode,omitempty"`
	Version   string             `json:"version,omitempty"`
	Width     []pricing.Band     `json:"widthBands"`
	Height    []pricing.Band     `json:"heightBands"`
	Degraded  bool               `json:"degraded"`
}

// Pricing handles GET /api/v1/products/{productId}/pricing.
func (h *Handler) Pricing(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	bundle, err := h.service.Load(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	view := pricingView{
		Product:   bundle.Product,
		FromPrice: bundle.MinimumPrice(),
		Width:     []pricing.Band{},
		Height:    []pricing.Band{},
		Degraded:  bundle.Degraded,
	}
	if m := bundle.Matrix; m != nil {
		view.Mode, view.Version = m.Mode, m.Version
		view.Width, view.Height = m.WidthBands, m.HeightBands
	}
	common.Data(w, http.StatusOK, view)
}

// Quote handles POST /api/v1/products/{productId}/quote.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	var req QuoteRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	in, err := req.Input()
	if err != nil {
		h.writeError(w, err)
		return
	}
	bundle, err := h.service.Load(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	quote, err := QuoteFor(bundle, in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, quote)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	WriteError(w, h.logger, err)
}

// WriteError maps pricing and catalog errors onto HTTP responses. Other
// packages reuse it for quote-shaped endpoints.
func WriteError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	if common.WriteAppError(w, err) {
		return
	}
	var rangeErr *pricing.RangeError
	switch {
	case errors.As(err, &rangeErr):
		common.JSONError(w, http.StatusUnprocessableEntity, "SIZE_NOT_AVAILABLE", "size not available", map[string]any{
			"axis":      rangeErr.Axis,
			"requested": rangeErr.Requested,
			"largest":   rangeErr.Largest,
		})
	case errors.Is(err, pricing.ErrOutOfRange):
		common.JSONError(w, http.StatusUnprocessableEntity, "SIZE_NOT_AVAILABLE", "size not available", nil)
	case errors.Is(err, upstream.ErrBelowMinimum):
		common.JSONError(w, http.StatusUnprocessableEntity, "SIZE_BELOW_MINIMUM", err.Error(), nil)
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, pricing.ErrInvalidDimension),
		errors.Is(err, pricing.ErrUnknownCategory),
		errors.Is(err, pricing.ErrUnknownOption):
		common.JSONError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
	case errors.Is(err, ErrProductNotFound), errors.Is(err, upstream.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "product not found", nil)
	case errors.Is(err, upstream.ErrUnavailable):
		common.JSONError(w, http.StatusServiceUnavailable, "PRICING_UNAVAILABLE", "pricing service unavailable", nil)
	default:
		logger.Error().Err(err).Msg("request_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unexpected error", nil)
	}
}

// Invalidate handles DELETE /admin/pricing/cache?productId=. Without a
// product id only the shared price list is dropped.
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("productId")
	if err := h.service.Invalidate(r.Context(), productID); err != nil {
		h.logger.Error().Err(err).Str("product_id", productID).Msg("pricing_cache_invalidate")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to invalidate cache", nil)
		return
	}
	if h.invalidated != nil && productID != "" {
		if err := h.invalidated(r.Context(), productID); err != nil {
			h.logger.Warn().Err(err).Str("product_id", productID).Msg("pricing_cache_refill_not_scheduled")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
