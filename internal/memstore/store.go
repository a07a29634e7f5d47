// Package memstore keeps orders in process memory. Used for local runs and tests.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chulah/checkout/internal/order"
)

type Store struct {
	mu         sync.RWMutex
	orders     map[string]*order.Order
	byProvider map[string]string
}

func New() *Store {
	return &Store{
		orders:     make(map[string]*order.Order),
		byProvider: make(map[string]string),
	}
}

func (s *Store) Create(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	s.orders[o.ID] = clone(o)
	if o.ProviderOrderID != "" {
		s.byProvider[o.ProviderOrderID] = o.ID
	}
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return clone(o), nil
}

func (s *Store) FindByProviderOrderID(_ context.Context, providerOrderID string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byProvider[providerOrderID]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return clone(s.orders[id]), nil
}

func (s *Store) AttachProviderOrder(_ context.Context, id, providerOrderID string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	switch o.ProviderOrderID {
	case "":
		o.ProviderOrderID = providerOrderID
		o.UpdatedAt = time.Now().UTC()
		s.byProvider[providerOrderID] = id
	case providerOrderID:
	default:
		return nil, order.ErrProviderOrderConflict
	}
	return clone(o), nil
}

func (s *Store) ApplyPayment(_ context.Context, id string, u order.PaymentUpdate) (*order.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, false, order.ErrOrderNotFound
	}
	if !order.Decide(o, u) {
		return clone(o), false, nil
	}
	hadProvider := o.ProviderOrderID != ""
	order.Apply(o, u, time.Now().UTC())
	if !hadProvider && o.ProviderOrderID != "" {
		s.byProvider[o.ProviderOrderID] = id
	}
	return clone(o), true, nil
}

func clone(o *order.Order) *order.Order {
	c := *o
	if o.Cart != nil {
		c.Cart = append(json.RawMessage(nil), o.Cart...)
	}
	return &c
}
