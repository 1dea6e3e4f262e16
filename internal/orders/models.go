package orders

import "time"

type User struct {
	ID    string
	Email string
	Name  string
}

// Product is owned by the catalog; the core only reads it and moves
// CountInStock through the stock ledger.
type Product struct {
	ID           string
	Name         string
	Image        string
	PriceCents   int64
	CountInStock int
	Quantity     int // package size, informational
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Variant struct {
	Size  string `json:"size,omitempty"`
	Color string `json:"color,omitempty"`
}

// CartReservation is one line of a user's cart. While Reserved is true its
// Quantity has been removed from the product's stock on its behalf.
type CartReservation struct {
	ID           string
	UserID       string
	ProductID    string
	Quantity     int
	Variant      Variant
	ProductName  string
	ProductPrice int64
	ProductImage string
	Reserved     bool
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// CartLine is a reservation re-resolved against the live catalog.
type CartLine struct {
	CartReservation
	ProductExists     bool
	ProductOutOfStock bool
}

type OrderItem struct {
	ID                string
	OrderID           string
	ProductID         string
	Quantity          int
	PriceCents        int64
	ProductName       string
	ProductImage      string
	Variant           Variant
	CartReservationID string
}

type Shipping struct {
	Address    string `json:"shipping_address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
}

type Order struct {
	ID            string
	UserID        string
	Items         []OrderItem
	Shipping      Shipping
	Status        Status
	StatusHistory []Status
	TotalCents    int64
	DateOrdered   time.Time
	UpdatedAt     time.Time
}

// LineItem is one checkout line as submitted by the caller. Prices come
// from the catalog at placement time.
type LineItem struct {
	ProductID         string
	Quantity          int
	Variant           Variant
	CartReservationID string
}
