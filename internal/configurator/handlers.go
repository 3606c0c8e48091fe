package configurator

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-blinds/internal/catalog"
	"github.com/noah-isme/backend-blinds/internal/common"
	"github.com/noah-isme/backend-blinds/internal/pricing"
)

// Handler serves the configurator session endpoints.
type Handler struct {
	Manager *Manager
	Logger  zerolog.Logger
}

type sessionView struct {
	ID        string        `json:"id"`
	ProductID string        `json:"productId,omitempty"`
	FromPrice pricing.Money `json:"fromPrice"`
	Degraded  bool          `json:"degraded"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func viewOf(s Session) sessionView {
	v := sessionView{ID: s.ID, ProductID: s.ProductID, FromPrice: s.FromPrice(), UpdatedAt: s.UpdatedAt}
	if s.Bundle != nil {
		v.Degraded = s.Bundle.Degraded
	}
	return v
}

// Open handles POST /api/v1/configurator/sessions.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	s, err := h.Manager.Open(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, viewOf(s))
}

type selectProductRequest struct {
	ProductID string `json:"productId" validate:"required,max=128"`
}

// SelectProduct handles PUT /api/v1/configurator/sessions/{sid}/product.
func (h *Handler) SelectProduct(w http.ResponseWriter, r *http.Request) {
	var req selectProductRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	s, err := h.Manager.SelectProduct(r.Context(), chi.URLParam(r, "sid"), req.ProductID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, viewOf(s))
}

// Quote handles POST /api/v1/configurator/sessions/{sid}/quote.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req catalog.QuoteRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	in, err := req.Input()
	if err != nil {
		h.writeError(w, err)
		return
	}
	q, err := h.Manager.Quote(chi.URLParam(r, "sid"), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, q)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "session not found", nil)
	case errors.Is(err, ErrSuperseded):
		common.JSONError(w, http.StatusConflict, "SUPERSEDED", "a newer product selection replaced this one", nil)
	case errors.Is(err, ErrNoProduct):
		common.JSONError(w, http.StatusConflict, "NO_PRODUCT", "select a product first", nil)
	default:
		catalog.WriteError(w, h.Logger, err)
	}
}
