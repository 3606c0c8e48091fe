package reconcile

import (
	"net/http"
	"strconv"

	"github.com/noah-isme/backend-blinds/internal/common"
)

// AdminHandler lists ledger events for operators.
type AdminHandler struct {
	Store Store
}

// List handles GET /admin/reconciliations?kind=&unresolved=&limit=.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "reconciliation store unavailable", nil)
		return
	}
	q := r.URL.Query()
	f := Filter{Kind: Kind(q.Get("kind")), Limit: 100}
	switch f.Kind {
	case "", KindMismatch, KindFailOpen, KindRevalidated:
	default:
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown kind", nil)
		return
	}
	if v, err := strconv.ParseBool(q.Get("unresolved")); err == nil {
		f.Unresolved = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 && v <= 500 {
		f.Limit = v
	}
	events, err := h.Store.List(r.Context(), f)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list reconciliations", nil)
		return
	}
	common.Data(w, http.StatusOK, events)
}
