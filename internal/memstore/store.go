// Package memstore is an in-memory orders.Store. Transactions are fully
// serialized and work on a private copy that is swapped in on commit, so an
// aborted transaction never leaks a partial write.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/orders"
	"github.com/ariefcatur/go-stock-reservations/internal/stock"
)

// Hook is consulted before every Tx call; a non-nil error is returned from
// the call instead of running it.
type Hook func(op string) error

type Store struct {
	mu    sync.Mutex
	st    *state
	hook  Hook
	txNum int
}

type state struct {
	users        map[string]orders.User
	carts        map[string][]string
	products     map[string]orders.Product
	reservations map[string]orders.CartReservation
	items        map[string]orders.OrderItem
	orders       map[string]orders.Order
}

func New() *Store {
	return &Store{st: &state{
		users:        map[string]orders.User{},
		carts:        map[string][]string{},
		products:     map[string]orders.Product{},
		reservations: map[string]orders.CartReservation{},
		items:        map[string]orders.OrderItem{},
		orders:       map[string]orders.Order{},
	}}
}

// SetHook installs h for subsequent transactions; nil removes it.
func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txNum++
	t := &tx{st: s.st.clone(), hook: s.hook}
	if err := fn(ctx, t); err != nil {
		return err
	}
	s.st = t.st
	return nil
}

// Transactions reports how many transactions were started.
func (s *Store) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txNum
}

// ---- fixtures and inspection, outside any transaction ----

func (s *Store) PutUser(u orders.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.users[u.ID] = u
}

func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

func (s *Store) DeleteProduct(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.st.products, id)
}

// PutReservation stores r and appends it to its user's cart.
func (s *Store) PutReservation(r orders.CartReservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.reservations[r.ID]; !ok {
		s.st.carts[r.UserID] = append(s.st.carts[r.UserID], r.ID)
	}
	s.st.reservations[r.ID] = r
}

// PutOrder stores o and its items as-is.
func (s *Store) PutOrder(o orders.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range o.Items {
		it.OrderID = o.ID
		s.st.items[it.ID] = it
	}
	s.st.orders[o.ID] = o
}

func (s *Store) Stock(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.products[productID].CountInStock
}

func (s *Store) Reservation(id string) (orders.CartReservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.st.reservations[id]
	return r, ok
}

func (s *Store) Reservations() []orders.CartReservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.CartReservation, 0, len(s.st.reservations))
	for _, r := range s.st.reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Cart(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.st.carts[userID]...)
}

func (s *Store) Orders() []orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.Order, 0, len(s.st.orders))
	for _, o := range s.st.orders {
		out = append(out, s.st.assemble(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) OrderItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.items)
}

// ---- transaction ----

type tx struct {
	st   *state
	hook Hook
}

func (t *tx) check(op string) error {
	if t.hook == nil {
		return nil
	}
	return t.hook(op)
}

func (t *tx) AdjustStock(_ context.Context, productID string, delta int, guard stock.Guard) (int, error) {
	if err := t.check("AdjustStock"); err != nil {
		return 0, err
	}
	p, ok := t.st.products[productID]
	if !ok || !guard.Allows(p.CountInStock, delta) {
		return 0, stock.ErrNoMatch
	}
	p.CountInStock += delta
	p.UpdatedAt = time.Now().UTC()
	t.st.products[productID] = p
	return p.CountInStock, nil
}

func (t *tx) GetUser(_ context.Context, id string) (orders.User, error) {
	if err := t.check("GetUser"); err != nil {
		return orders.User{}, err
	}
	u, ok := t.st.users[id]
	if !ok {
		return orders.User{}, orders.ErrUserNotFound
	}
	return u, nil
}

func (t *tx) GetProduct(_ context.Context, id string) (orders.Product, error) {
	if err := t.check("GetProduct"); err != nil {
		return orders.Product{}, err
	}
	p, ok := t.st.products[id]
	if !ok {
		return orders.Product{}, orders.ErrProductNotFound
	}
	return p, nil
}

func (t *tx) CartLines(_ context.Context, userID string) ([]orders.CartReservation, error) {
	if err := t.check("CartLines"); err != nil {
		return nil, err
	}
	ids := t.st.carts[userID]
	out := make([]orders.CartReservation, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.st.reservations[id])
	}
	return out, nil
}

func (t *tx) GetReservation(_ context.Context, id string) (orders.CartReservation, error) {
	if err := t.check("GetReservation"); err != nil {
		return orders.CartReservation{}, err
	}
	r, ok := t.st.reservations[id]
	if !ok {
		return orders.CartReservation{}, orders.ErrReservationNotFound
	}
	return r, nil
}

func (t *tx) InsertReservation(_ context.Context, r orders.CartReservation) error {
	if err := t.check("InsertReservation"); err != nil {
		return err
	}
	if _, ok := t.st.reservations[r.ID]; ok {
		return fmt.Errorf("memstore: reservation %s already exists", r.ID)
	}
	if _, ok := t.st.users[r.UserID]; !ok {
		return orders.ErrUserNotFound
	}
	t.st.reservations[r.ID] = r
	t.st.carts[r.UserID] = append(t.st.carts[r.UserID], r.ID)
	return nil
}

func (t *tx) UpdateReservation(_ context.Context, r orders.CartReservation) error {
	if err := t.check("UpdateReservation"); err != nil {
		return err
	}
	if _, ok := t.st.reservations[r.ID]; !ok {
		return orders.ErrReservationNotFound
	}
	t.st.reservations[r.ID] = r
	return nil
}

func (t *tx) DeleteReservation(_ context.Context, r orders.CartReservation) error {
	if err := t.check("DeleteReservation"); err != nil {
		return err
	}
	if _, ok := t.st.reservations[r.ID]; !ok {
		return orders.ErrReservationNotFound
	}
	delete(t.st.reservations, r.ID)
	cart := t.st.carts[r.UserID]
	kept := make([]string, 0, len(cart))
	for _, id := range cart {
		if id != r.ID {
			kept = append(kept, id)
		}
	}
	t.st.carts[r.UserID] = kept
	return nil
}

func (t *tx) ExpiredReservations(_ context.Context, now time.Time, limit int) ([]orders.CartReservation, error) {
	if err := t.check("ExpiredReservations"); err != nil {
		return nil, err
	}
	var out []orders.CartReservation
	for _, r := range t.st.reservations {
		if r.Reserved && !r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) InsertOrderItem(_ context.Context, it orders.OrderItem) error {
	if err := t.check("InsertOrderItem"); err != nil {
		return err
	}
	if _, ok := t.st.items[it.ID]; ok {
		return fmt.Errorf("memstore: order item %s already exists", it.ID)
	}
	t.st.items[it.ID] = it
	return nil
}

func (t *tx) InsertOrder(_ context.Context, o orders.Order) error {
	if err := t.check("InsertOrder"); err != nil {
		return err
	}
	if _, ok := t.st.orders[o.ID]; ok {
		return fmt.Errorf("memstore: order %s already exists", o.ID)
	}
	for _, it := range o.Items {
		if _, ok := t.st.items[it.ID]; !ok {
			return fmt.Errorf("memstore: order %s references unknown item %s", o.ID, it.ID)
		}
	}
	t.st.orders[o.ID] = cloneOrder(o)
	return nil
}

func (t *tx) GetOrder(_ context.Context, id string) (orders.Order, error) {
	if err := t.check("GetOrder"); err != nil {
		return orders.Order{}, err
	}
	o, ok := t.st.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return t.st.assemble(o), nil
}

func (t *tx) UpdateOrderStatus(_ context.Context, o orders.Order) error {
	if err := t.check("UpdateOrderStatus"); err != nil {
		return err
	}
	cur, ok := t.st.orders[o.ID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	cur.Status = o.Status
	cur.StatusHistory = append([]orders.Status{}, o.StatusHistory...)
	cur.UpdatedAt = time.Now().UTC()
	t.st.orders[o.ID] = cur
	return nil
}

func (t *tx) DeleteOrder(_ context.Context, id string) error {
	if err := t.check("DeleteOrder"); err != nil {
		return err
	}
	o, ok := t.st.orders[id]
	if !ok {
		return orders.ErrOrderNotFound
	}
	for _, it := range o.Items {
		delete(t.st.items, it.ID)
	}
	delete(t.st.orders, id)
	return nil
}

func (t *tx) ListOrders(_ context.Context, f orders.OrderFilter) ([]orders.Order, error) {
	if err := t.check("ListOrders"); err != nil {
		return nil, err
	}
	var out []orders.Order
	for _, o := range t.st.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if !f.OrderedBefore.IsZero() && o.DateOrdered.After(f.OrderedBefore) {
			continue
		}
		out = append(out, t.st.assemble(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DateOrdered.Equal(out[j].DateOrdered) {
			return out[i].ID < out[j].ID
		}
		return out[i].DateOrdered.After(out[j].DateOrdered)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *tx) CountOrders(_ context.Context) (int, error) {
	if err := t.check("CountOrders"); err != nil {
		return 0, err
	}
	return len(t.st.orders), nil
}

// ---- copying ----

// assemble replaces the stored item references with the current item rows.
func (st *state) assemble(o orders.Order) orders.Order {
	o = cloneOrder(o)
	for i, it := range o.Items {
		if cur, ok := st.items[it.ID]; ok {
			o.Items[i] = cur
		}
	}
	return o
}

func cloneOrder(o orders.Order) orders.Order {
	o.Items = append([]orders.OrderItem{}, o.Items...)
	o.StatusHistory = append([]orders.Status{}, o.StatusHistory...)
	return o
}

func (st *state) clone() *state {
	c := &state{
		users:        make(map[string]orders.User, len(st.users)),
		carts:        make(map[string][]string, len(st.carts)),
		products:     make(map[string]orders.Product, len(st.products)),
		reservations: make(map[string]orders.CartReservation, len(st.reservations)),
		items:        make(map[string]orders.OrderItem, len(st.items)),
		orders:       make(map[string]orders.Order, len(st.orders)),
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.carts {
		c.carts[k] = append([]string{}, v...)
	}
	for k, v := range st.products {
		c.products[k] = v
	}
	for k, v := range st.reservations {
		c.reservations[k] = v
	}
	for k, v := range st.items {
		c.items[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = cloneOrder(v)
	}
	return c
}
