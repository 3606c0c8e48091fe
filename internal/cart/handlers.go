package cart

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-blinds/internal/catalog"
	"github.com/noah-isme/backend-blinds/internal/common"
	"github.com/noah-isme/backend-blinds/internal/pricing"
	"github.com/noah-isme/backend-blinds/internal/upstream"
)

// Handler wires cart services to HTTP.
type Handler struct {
	Svc      *Service
	Currency string
	Logger   zerolog.Logger
}

type itemView struct {
	LineItem
	Subtotal pricing.Money `json:"subtotal"`
}

type summaryView struct {
	Subtotal   pricing.Money `json:"subtotal"`
	Tax        pricing.Money `json:"tax"`
	Total      pricing.Money `json:"total"`
	Items      int           `json:"items"`
	Unverified int           `json:"unverified"`
	Currency   string        `json:"currency,omitempty"`
}

type cartView struct {
	ID        string      `json:"id"`
	Items     []itemView  `json:"items"`
	Summary   summaryView `json:"summary"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

func (h *Handler) view(c Cart) cartView {
	items := make([]itemView, 0, len(c.Items))
	for _, it := range c.Items {
		items = append(items, itemView{LineItem: it, Subtotal: it.Subtotal()})
	}
	sum := h.Svc.Summary(c)
	return cartView{
		ID:    c.ID,
		Items: items,
		Summary: summaryView{
			Subtotal:   sum.Subtotal,
			Tax:        sum.Tax,
			Total:      sum.Total,
			Items:      sum.Items,
			Unverified: c.Unverified(),
			Currency:   h.Currency,
		},
		UpdatedAt: c.UpdatedAt,
	}
}

// Create handles POST /api/v1/carts.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	c, err := h.Svc.Create(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, h.view(c))
}

// Get handles GET /api/v1/carts/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	c, err := h.Svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, h.view(c))
}

type addItemRequest struct {
	ProductID string `json:"productId" validate:"required,max=128"`
	catalog.QuoteRequest
	Quantity int `json:"quantity" validate:"gte=1,lte=100"`
	// ClientPrice is the displayed unit price in minor units.
	ClientPrice *pricing.Money `json:"clientPrice" validate:"omitempty,gte=0"`
}

// AddItem handles POST /api/v1/carts/{id}/items.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	var req addItemRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	in, err := req.Input()
	if err != nil {
		h.writeError(w, err)
		return
	}
	add := AddItemInput{
		ProductID:      req.ProductID,
		Width:          in.Width,
		Height:         in.Height,
		Customizations: in.Customizations,
		Quantity:       req.Quantity,
		ClientPrice:    req.ClientPrice,
	}
	c, line, err := h.Svc.AddItem(r.Context(), chi.URLParam(r, "id"), add)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{
		"data": h.view(c),
		"item": itemView{LineItem: line, Subtotal: line.Subtotal()},
	})
}

type updateQtyRequest struct {
	Quantity int `json:"quantity" validate:"gte=1,lte=100"`
}

// UpdateItem handles PATCH /api/v1/carts/{id}/items/{itemId}.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	var req updateQtyRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	c, err := h.Svc.UpdateQty(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "itemId"), req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, h.view(c))
}

// RemoveItem handles DELETE /api/v1/carts/{id}/items/{itemId}.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	c, err := h.Svc.RemoveItem(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "itemId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, h.view(c))
}

// Clear handles DELETE /api/v1/carts/{id}/items.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	c, err := h.Svc.Clear(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, h.view(c))
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	WriteError(w, h.Logger, err)
}

// WriteError maps cart errors onto HTTP responses.
func WriteError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, ErrInvalidInput):
		common.JSONError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
	case errors.Is(err, ErrPricingUnavailable):
		common.JSONError(w, http.StatusServiceUnavailable, "PRICING_UNAVAILABLE", "price could not be verified, try again shortly", nil)
	case errors.Is(err, upstream.ErrRejected) && !catalog.IsSizeError(err):
		common.JSONError(w, http.StatusUnprocessableEntity, "PRICE_REJECTED", "configuration rejected by the pricing service", nil)
	default:
		catalog.WriteError(w, logger, err)
	}
}
