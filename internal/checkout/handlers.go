package checkout

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-blinds/internal/cart"
	"github.com/noah-isme/backend-blinds/internal/common"
	"github.com/noah-isme/backend-blinds/internal/upstream"
)

// Handler exposes the checkout handoff.
type Handler struct {
	Svc    *Service
	Logger zerolog.Logger
}

// Checkout handles POST /api/v1/carts/{id}/checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	out, err := h.Svc.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, out)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEmptyCart):
		common.JSONError(w, http.StatusUnprocessableEntity, "EMPTY_CART", "cart is empty", nil)
	case errors.Is(err, cart.ErrPricingUnavailable), errors.Is(err, upstream.ErrUnavailable):
		common.JSONError(w, http.StatusServiceUnavailable, "PRICING_UNAVAILABLE", "checkout is temporarily unavailable, try again shortly", nil)
	default:
		cart.WriteError(w, h.Logger, err)
	}
}
