// Package cms stores orders in the headless CMS through its GraphQL API.
package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chulah/checkout/internal/order"
)

type Config struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

type Client struct {
	cfg   Config
	http  *http.Client
	locks *keyedMutex
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		locks: newKeyedMutex(),
	}
}

const orderFields = `id providerOrderId paymentTransactionId customerName customerEmail customerPhone
	mode address requestedTime cart total currency paymentStatus orderStatus createdAt updatedAt`

type document struct {
	ID                   string    `json:"id,omitempty"`
	ProviderOrderID      string    `json:"providerOrderId,omitempty"`
	PaymentTransactionID string    `json:"paymentTransactionId,omitempty"`
	CustomerName         string    `json:"customerName,omitempty"`
	CustomerEmail        string    `json:"customerEmail,omitempty"`
	CustomerPhone        string    `json:"customerPhone,omitempty"`
	Mode                 string    `json:"mode,omitempty"`
	Address              string    `json:"address,omitempty"`
	RequestedTime        string    `json:"requestedTime,omitempty"`
	Cart                 string    `json:"cart,omitempty"`
	Total                int64     `json:"total,omitempty"`
	Currency             string    `json:"currency,omitempty"`
	PaymentStatus        string    `json:"paymentStatus,omitempty"`
	OrderStatus          string    `json:"orderStatus,omitempty"`
	CreatedAt            time.Time `json:"createdAt,omitzero"`
	UpdatedAt            time.Time `json:"updatedAt,omitzero"`
}

func toDocument(o *order.Order) document {
	return document{
		ProviderOrderID:      o.ProviderOrderID,
		PaymentTransactionID: o.PaymentTransactionID,
		CustomerName:         o.Customer.Name,
		CustomerEmail:        o.Customer.Email,
		CustomerPhone:        o.Customer.Phone,
		Mode:                 string(o.Mode),
		Address:              o.Address,
		RequestedTime:        o.RequestedTime,
		Cart:                 string(o.Cart),
		Total:                o.Total,
		Currency:             o.Currency,
		PaymentStatus:        string(o.PaymentStatus),
		OrderStatus:          string(o.OrderStatus),
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
	}
}

func (d document) toOrder() *order.Order {
	o := &order.Order{
		ID:                   d.ID,
		ProviderOrderID:      d.ProviderOrderID,
		PaymentTransactionID: d.PaymentTransactionID,
		Customer:             order.Customer{Name: d.CustomerName, Email: d.CustomerEmail, Phone: d.CustomerPhone},
		Mode:                 order.Mode(d.Mode),
		Address:              d.Address,
		RequestedTime:        d.RequestedTime,
		Total:                d.Total,
		Currency:             d.Currency,
		PaymentStatus:        order.PaymentStatus(d.PaymentStatus),
		OrderStatus:          order.OrderStatus(d.OrderStatus),
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
	if d.Cart != "" {
		o.Cart = json.RawMessage(d.Cart)
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = order.PaymentPending
	}
	return o
}

// Create stores o; the CMS assigns the document id, which replaces o.ID.
func (c *Client) Create(ctx context.Context, o *order.Order) error {
	var out struct {
		CreateOrder *document `json:"createOrder"`
	}
	err := c.query(ctx, `mutation ($data: OrderInput!) { createOrder(data: $data) { `+orderFields+` } }`,
		map[string]any{"data": toDocument(o)}, &out)
	if err != nil {
		return err
	}
	if out.CreateOrder == nil || out.CreateOrder.ID == "" {
		return errors.New("cms returned no order")
	}
	o.ID = out.CreateOrder.ID
	return nil
}

func (c *Client) Get(ctx context.Context, id string) (*order.Order, error) {
	var out struct {
		Order *document `json:"order"`
	}
	err := c.query(ctx, `query ($id: ID!) { order(id: $id) { `+orderFields+` } }`,
		map[string]any{"id": id}, &out)
	if err != nil {
		return nil, err
	}
	if out.Order == nil {
		return nil, order.ErrOrderNotFound
	}
	return out.Order.toOrder(), nil
}

func (c *Client) FindByProviderOrderID(ctx context.Context, providerOrderID string) (*order.Order, error) {
	var out struct {
		Orders []document `json:"orders"`
	}
	err := c.query(ctx, `query ($pid: String!) { orders(where: { providerOrderId: $pid }, first: 1) { `+orderFields+` } }`,
		map[string]any{"pid": providerOrderID}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Orders) == 0 {
		return nil, order.ErrOrderNotFound
	}
	return out.Orders[0].toOrder(), nil
}

func (c *Client) AttachProviderOrder(ctx context.Context, id, providerOrderID string) (*order.Order, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	o, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch o.ProviderOrderID {
	case providerOrderID:
		return o, nil
	case "":
	default:
		return nil, order.ErrProviderOrderConflict
	}
	return c.update(ctx, id, document{ProviderOrderID: providerOrderID, UpdatedAt: time.Now().UTC()})
}

// ApplyPayment reads the current document and writes only when the lifecycle allows it.
// Writers in this process are serialized per order.
func (c *Client) ApplyPayment(ctx context.Context, id string, u order.PaymentUpdate) (*order.Order, bool, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	o, err := c.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !order.Decide(o, u) {
		return o, false, nil
	}

	order.Apply(o, u, time.Now().UTC())
	updated, err := c.update(ctx, id, document{
		ProviderOrderID:      o.ProviderOrderID,
		PaymentTransactionID: o.PaymentTransactionID,
		PaymentStatus:        string(o.PaymentStatus),
		OrderStatus:          string(o.OrderStatus),
		UpdatedAt:            o.UpdatedAt,
	})
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

func (c *Client) update(ctx context.Context, id string, patch document) (*order.Order, error) {
	var out struct {
		UpdateOrder *document `json:"updateOrder"`
	}
	err := c.query(ctx, `mutation ($id: ID!, $data: OrderPatch!) { updateOrder(id: $id, data: $data) { `+orderFields+` } }`,
		map[string]any{"id": id, "data": patch}, &out)
	if err != nil {
		return nil, err
	}
	if out.UpdateOrder == nil {
		return nil, order.ErrOrderNotFound
	}
	return out.UpdateOrder.toOrder(), nil
}

type gqlError struct {
	Message string `json:"message"`
}

// Error carries GraphQL errors or a non-2xx transport status.
type Error struct {
	StatusCode int
	Messages   []string
}

func (e *Error) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("cms returned %d", e.StatusCode)
	}
	return "cms: " + strings.Join(e.Messages, "; ")
}

func (c *Client) query(ctx context.Context, query string, vars map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cms request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read cms response: %w", err)
	}

	var env struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || len(env.Errors) > 0 {
		cerr := &Error{StatusCode: resp.StatusCode}
		for _, e := range env.Errors {
			cerr.Messages = append(cerr.Messages, e.Message)
		}
		return cerr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode cms response: %w", decodeErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
