package httpx

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-stock-reservations/internal/checkout"
	"github.com/ariefcatur/go-stock-reservations/internal/orders"
)

const HeaderIdempotencyKey = "Idempotency-Key"

// Idempotency is satisfied by redisx.Idempotency.
type Idempotency interface {
	Claim(ctx context.Context, userID, key string) (orderID string, claimed bool, err error)
	Complete(ctx context.Context, userID, key, orderID string) error
	Abort(ctx context.Context, userID, key string) error
}

// OrderCache is satisfied by redisx.OrderCache.
type OrderCache interface {
	Get(ctx context.Context, orderID string) (orders.Order, bool, error)
	Generation(ctx context.Context, orderID string) (int64, error)
	Fill(ctx context.Context, o orders.Order, gen int64) (bool, error)
}

type OrdersHandler struct {
	Saga   *checkout.Saga
	Orders *orders.Service
	Idem   Idempotency // optional
	Cache  OrderCache  // optional
	Log    *zap.Logger
}

type lineItemReq struct {
	ProductID         string         `json:"product_id"`
	Quantity          int            `json:"quantity"`
	Variant           orders.Variant `json:"variant"`
	PriceCents        *int64         `json:"price_cents,omitempty"` // rejected when nonzero
	CartReservationID string         `json:"cart_reservation_id,omitempty"`
}

type placeOrderReq struct {
	UserID       string          `json:"user_id"`
	Items        []lineItemReq   `json:"items"`
	Shipping     orders.Shipping `json:"shipping"`
	DeferPayment bool            `json:"defer_payment"`
}

type changeStatusReq struct {
	Status orders.Status `json:"status"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.placeOrder)
	r.Get("/orders/{id}", h.getOrder)

	r.Route("/admin/orders", func(r chi.Router) {
		r.Get("/", h.listOrders)
		r.Get("/count", h.countOrders)
		r.Put("/{id}/status", h.changeStatus)
		r.Delete("/{id}", h.purgeOrder)
	})
}

func (h *OrdersHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	if req.UserID == "" || len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "missing fields", Code: "bad_request"})
		return
	}
	items := make([]orders.LineItem, 0, len(req.Items))
	for _, li := range req.Items {
		if li.PriceCents != nil && *li.PriceCents != 0 {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: "price_cents is set by the catalog", Code: "bad_request"})
			return
		}
		items = append(items, orders.LineItem{
			ProductID:         li.ProductID,
			Quantity:          li.Quantity,
			Variant:           li.Variant,
			CartReservationID: li.CartReservationID,
		})
	}
	ctx := r.Context()

	key := r.Header.Get(HeaderIdempotencyKey)
	if key != "" && h.Idem != nil {
		existing, claimed, err := h.Idem.Claim(ctx, req.UserID, key)
		if err != nil {
			writeError(w, r, h.log(), err)
			return
		}
		if !claimed {
			o, err := h.Orders.Get(ctx, existing)
			if err != nil {
				writeError(w, r, h.log(), err)
				return
			}
			resp := toOrderResp(o)
			resp.Idempotent = true
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	o, err := h.Saga.PlaceOrder(ctx, checkout.PlaceOrderInput{
		UserID:       req.UserID,
		Items:        items,
		Shipping:     req.Shipping,
		DeferPayment: req.DeferPayment,
	})
	if key != "" && h.Idem != nil {
		if err != nil {
			if aerr := h.Idem.Abort(context.WithoutCancel(ctx), req.UserID, key); aerr != nil {
				h.log().Warn("idempotency abort failed", zap.Error(aerr))
			}
		} else if cerr := h.Idem.Complete(context.WithoutCancel(ctx), req.UserID, key, o.ID); cerr != nil {
			h.log().Warn("idempotency complete failed", zap.String("order_id", o.ID), zap.Error(cerr))
		}
	}
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResp(o))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	var (
		gen      int64
		fillable bool
	)
	if h.Cache != nil {
		if o, ok, err := h.Cache.Get(ctx, id); err == nil && ok {
			writeJSON(w, http.StatusOK, toOrderResp(o))
			return
		} else if err != nil {
			h.log().Warn("order cache read failed", zap.String("order_id", id), zap.Error(err))
		}
		// Taken before the store read so a concurrent invalidation wins.
		var err error
		if gen, err = h.Cache.Generation(ctx, id); err == nil {
			fillable = true
		} else {
			h.log().Warn("order cache generation failed", zap.String("order_id", id), zap.Error(err))
		}
	}

	o, err := h.Orders.Get(ctx, id)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	if fillable {
		if _, err := h.Cache.Fill(ctx, o, gen); err != nil {
			h.log().Warn("order cache write failed", zap.String("order_id", id), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	f := orders.OrderFilter{Status: orders.Status(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid limit", Code: "bad_request"})
			return
		}
		f.Limit = n
	}
	list, err := h.Orders.List(r.Context(), f)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	out := make([]OrderResp, 0, len(list))
	for _, o := range list {
		out = append(out, toOrderResp(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (h *OrdersHandler) countOrders(w http.ResponseWriter, r *http.Request) {
	n, err := h.Orders.Count(r.Context())
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *OrdersHandler) changeStatus(w http.ResponseWriter, r *http.Request) {
	var req changeStatusReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	o, err := h.Orders.ChangeStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) purgeOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.Orders.Purge(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
