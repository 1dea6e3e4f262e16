package httpx

import (
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/orders"
)

type ReservationResp struct {
	ID           string         `json:"id"`
	ProductID    string         `json:"product_id"`
	Quantity     int            `json:"quantity"`
	Variant      orders.Variant `json:"variant"`
	ProductName  string         `json:"product_name"`
	ProductPrice int64          `json:"product_price_cents"`
	ProductImage string         `json:"product_image,omitempty"`
	Reserved     bool           `json:"reserved"`
	ExpiresAt    time.Time      `json:"reservation_expiry"`
}

type CartLineResp struct {
	ReservationResp
	ProductExists     bool `json:"product_exists"`
	ProductOutOfStock bool `json:"product_out_of_stock"`
}

type OrderItemResp struct {
	ID                string         `json:"id"`
	ProductID         string         `json:"product_id"`
	Quantity          int            `json:"quantity"`
	PriceCents        int64          `json:"price_cents"`
	ProductName       string         `json:"product_name"`
	ProductImage      string         `json:"product_image,omitempty"`
	Variant           orders.Variant `json:"variant"`
	CartReservationID string         `json:"cart_reservation_id,omitempty"`
}

type OrderResp struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Items         []OrderItemResp `json:"items"`
	Shipping      orders.Shipping `json:"shipping"`
	Status        orders.Status   `json:"status"`
	StatusHistory []orders.Status `json:"status_history"`
	TotalCents    int64           `json:"total_cents"`
	DateOrdered   time.Time       `json:"date_ordered"`
	Idempotent    bool            `json:"idempotent,omitempty"`
}

func toReservationResp(r orders.CartReservation) ReservationResp {
	return ReservationResp{
		ID:           r.ID,
		ProductID:    r.ProductID,
		Quantity:     r.Quantity,
		Variant:      r.Variant,
		ProductName:  r.ProductName,
		ProductPrice: r.ProductPrice,
		ProductImage: r.ProductImage,
		Reserved:     r.Reserved,
		ExpiresAt:    r.ExpiresAt,
	}
}

func toCartLineResp(l orders.CartLine) CartLineResp {
	return CartLineResp{
		ReservationResp:   toReservationResp(l.CartReservation),
		ProductExists:     l.ProductExists,
		ProductOutOfStock: l.ProductOutOfStock,
	}
}

func toOrderResp(o orders.Order) OrderResp {
	items := make([]OrderItemResp, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, OrderItemResp{
			ID:                it.ID,
			ProductID:         it.ProductID,
			Quantity:          it.Quantity,
			PriceCents:        it.PriceCents,
			ProductName:       it.ProductName,
			ProductImage:      it.ProductImage,
			Variant:           it.Variant,
			CartReservationID: it.CartReservationID,
		})
	}
	history := o.StatusHistory
	if history == nil {
		history = []orders.Status{}
	}
	return OrderResp{
		ID:            o.ID,
		UserID:        o.UserID,
		Items:         items,
		Shipping:      o.Shipping,
		Status:        o.Status,
		StatusHistory: history,
		TotalCents:    o.TotalCents,
		DateOrdered:   o.DateOrdered,
	}
}
