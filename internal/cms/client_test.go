package cms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"chulah/checkout/internal/order"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCMS is a tiny GraphQL backend keeping documents in memory.
type fakeCMS struct {
	mu      sync.Mutex
	docs    map[string]map[string]any
	next    int
	updates int
}

func (f *fakeCMS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var data map[string]any
	switch {
	case strings.Contains(req.Query, "createOrder("):
		f.next++
		id := fmt.Sprintf("doc-%d", f.next)
		doc := req.Variables["data"].(map[string]any)
		doc["id"] = id
		f.docs[id] = doc
		data = map[string]any{"createOrder": doc}
	case strings.Contains(req.Query, "updateOrder("):
		f.updates++
		id := req.Variables["id"].(string)
		doc, ok := f.docs[id]
		if !ok {
			data = map[string]any{"updateOrder": nil}
			break
		}
		for k, v := range req.Variables["data"].(map[string]any) {
			doc[k] = v
		}
		data = map[string]any{"updateOrder": doc}
	case strings.Contains(req.Query, "orders("):
		pid := req.Variables["pid"].(string)
		list := []any{}
		for _, doc := range f.docs {
			if doc["providerOrderId"] == pid {
				list = append(list, doc)
			}
		}
		data = map[string]any{"orders": list}
	case strings.Contains(req.Query, "order("):
		doc, ok := f.docs[req.Variables["id"].(string)]
		if !ok {
			data = map[string]any{"order": nil}
			break
		}
		data = map[string]any{"order": doc}
	default:
		_ = json.NewEncoder(w).Encode(map[string]any{"errors": []map[string]string{{"message": "unknown operation"}}})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func newTestClient(t *testing.T) (*Client, *fakeCMS) {
	t.Helper()
	f := &fakeCMS{docs: make(map[string]map[string]any)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New(Config{Endpoint: srv.URL, Token: "cms-token"}), f
}

func TestClient_CreateAssignsID(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	o := &order.Order{
		ID:            "local-id",
		Customer:      order.Customer{Name: "Meera", Email: "m@example.com", Phone: "1"},
		Mode:          order.ModeDelivery,
		Address:       "1 Main St",
		Cart:          json.RawMessage(`[{"item_id":"dosa","quantity":2}]`),
		Total:         2400,
		Currency:      "USD",
		PaymentStatus: order.PaymentPending,
		OrderStatus:   order.StatusPendingConfirmation,
	}
	require.NoError(t, c.Create(ctx, o))
	assert.Equal(t, "doc-1", o.ID)

	got, err := c.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "1 Main St", got.Address)
	assert.Equal(t, int64(2400), got.Total)
	assert.JSONEq(t, string(o.Cart), string(got.Cart))

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestClient_AttachAndFind(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	o := &order.Order{PaymentStatus: order.PaymentPending, OrderStatus: order.StatusPendingConfirmation}
	require.NoError(t, c.Create(ctx, o))

	_, err := c.AttachProviderOrder(ctx, o.ID, "prov-1")
	require.NoError(t, err)
	_, err = c.AttachProviderOrder(ctx, o.ID, "prov-2")
	assert.ErrorIs(t, err, order.ErrProviderOrderConflict)

	found, err := c.FindByProviderOrderID(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, found.ID)

	_, err = c.FindByProviderOrderID(ctx, "prov-x")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestClient_ApplyPaymentSkipsTerminal(t *testing.T) {
	c, f := newTestClient(t)
	ctx := context.Background()

	o := &order.Order{PaymentStatus: order.PaymentPending, OrderStatus: order.StatusPendingConfirmation}
	require.NoError(t, c.Create(ctx, o))

	got, applied, err := c.ApplyPayment(ctx, o.ID, order.PaymentUpdate{PaymentStatus: order.PaymentSuccess, PaymentID: "pay-1"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, order.StatusConfirmed, got.OrderStatus)

	got, applied, err = c.ApplyPayment(ctx, o.ID, order.PaymentUpdate{PaymentStatus: order.PaymentFailed})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, order.PaymentSuccess, got.PaymentStatus)
	assert.Equal(t, 1, f.updates)
}

func TestClient_ConcurrentApplyWritesOnce(t *testing.T) {
	c, f := newTestClient(t)
	ctx := context.Background()

	o := &order.Order{PaymentStatus: order.PaymentPending, OrderStatus: order.StatusPendingConfirmation}
	require.NoError(t, c.Create(ctx, o))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.ApplyPayment(ctx, o.ID, order.PaymentUpdate{PaymentStatus: order.PaymentSuccess})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.updates)
}

func TestClient_GraphQLErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"errors":[{"message":"permission denied"}]}`))
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Token: "tok"})
	_, err := c.Get(context.Background(), "x")
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Error(), "permission denied")
}
