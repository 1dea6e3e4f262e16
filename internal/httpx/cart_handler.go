package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-stock-reservations/internal/cart"
	"github.com/ariefcatur/go-stock-reservations/internal/orders"
)

type CartHandler struct {
	Cart *cart.Service
	Log  *zap.Logger
}

type addToCartReq struct {
	ProductID string         `json:"product_id"`
	Quantity  int            `json:"quantity"`
	Variant   orders.Variant `json:"variant"`
}

type modifyQuantityReq struct {
	Quantity int `json:"quantity"`
}

func (h *CartHandler) Register(r chi.Router) {
	r.Route("/users/{userID}/cart", func(r chi.Router) {
		r.Post("/", h.add)
		r.Get("/", h.list)
		r.Get("/count", h.count)
		r.Get("/{reservationID}", h.get)
		r.Patch("/{reservationID}", h.modify)
		r.Delete("/{reservationID}", h.remove)
	})
}

func (h *CartHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *CartHandler) add(w http.ResponseWriter, r *http.Request) {
	var req addToCartReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	if req.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "missing product_id", Code: "bad_request"})
		return
	}
	res, err := h.Cart.AddToCart(r.Context(), chi.URLParam(r, "userID"), req.ProductID, req.Quantity, req.Variant)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationResp(res))
}

func (h *CartHandler) list(w http.ResponseWriter, r *http.Request) {
	lines, err := h.Cart.ListCart(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	out := make([]CartLineResp, 0, len(lines))
	for _, l := range lines {
		out = append(out, toCartLineResp(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *CartHandler) count(w http.ResponseWriter, r *http.Request) {
	n, err := h.Cart.CartCount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *CartHandler) get(w http.ResponseWriter, r *http.Request) {
	l, err := h.Cart.GetCartLine(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "reservationID"))
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, toCartLineResp(l))
}

func (h *CartHandler) modify(w http.ResponseWriter, r *http.Request) {
	var req modifyQuantityReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	res, err := h.Cart.ModifyQuantity(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "reservationID"), req.Quantity)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResp(res))
}

func (h *CartHandler) remove(w http.ResponseWriter, r *http.Request) {
	res, err := h.Cart.RemoveFromCart(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "reservationID"))
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResp(res))
}
