package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-stock-reservations/internal/orders"
	"github.com/ariefcatur/go-stock-reservations/internal/redisx"
)

type errorResp struct {
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Allowed []orders.Status `json:"allowed,omitempty"`
}

var errInvalidJSON = errors.New("invalid json")

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errInvalidJSON
	}
	return nil
}

// writeError maps domain error classes onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	var it *orders.IllegalTransitionError
	switch {
	case errors.As(err, &it):
		allowed := it.Allowed
		if allowed == nil {
			allowed = []orders.Status{}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(struct {
			Error   string          `json:"error"`
			Code    string          `json:"code"`
			Allowed []orders.Status `json:"allowed"`
		}{err.Error(), "illegal_transition", allowed})
	case errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, orders.ErrOutOfStock):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error(), Code: "out_of_stock"})
	case errors.Is(err, orders.ErrOrderConflict):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error(), Code: "order_conflict"})
	case errors.Is(err, orders.ErrTxConflict):
		writeJSON(w, http.StatusConflict, errorResp{Error: "concurrent update, retry the request", Code: "conflict"})
	case errors.Is(err, redisx.ErrInFlight):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error(), Code: "in_flight"})
	case errors.Is(err, orders.ErrInvalidCartReference):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error(), Code: "invalid_cart_reference"})
	case errors.Is(err, orders.ErrInvalidQuantity):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error(), Code: "invalid_quantity"})
	case errors.Is(err, errInvalidJSON):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error(), Code: "bad_request"})
	default:
		log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error", Code: "internal"})
	}
}
