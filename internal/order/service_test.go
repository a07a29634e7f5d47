package order_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"

	"chulah/checkout/internal/memstore"
	"chulah/checkout/internal/menu"
	"chulah/checkout/internal/order"
	"chulah/checkout/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
currency: USD
tax_rate: "0.10"
delivery_fee: "5.00"
items:
  - id: biryani
    name: Chicken Biryani
    price: "15.00"
  - id: lassi
    name: Mango Lassi
    price: "4.00"
`

type MockLinker struct {
	CreateFunc func(ctx context.Context, req provider.CheckoutLinkRequest) (*provider.CheckoutLink, error)
	calls      []provider.CheckoutLinkRequest
}

func (m *MockLinker) CreateCheckoutLink(ctx context.Context, req provider.CheckoutLinkRequest) (*provider.CheckoutLink, error) {
	m.calls = append(m.calls, req)
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, req)
	}
	return &provider.CheckoutLink{ID: "pl-1", URL: "https://pay.example/pl-1", OrderID: "prov-" + req.ReferenceID}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	orders []order.Order
}

func (n *recordingNotifier) OrderStatusChanged(_ context.Context, o *order.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orders = append(n.orders, *o)
}

type failingRepo struct {
	order.Repository
}

func (failingRepo) Create(context.Context, *order.Order) error {
	return errors.New("cms unavailable")
}

func newService(t *testing.T, repo order.Repository, linker order.CheckoutLinker, n order.Notifier) *order.Service {
	t.Helper()
	catalog, err := menu.Parse([]byte(catalogYAML))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return order.NewService(repo, linker, catalog, n, order.Options{
		RedirectURL: "https://shop.example/checkout/confirm",
		StoreName:   "Chulah",
	}, logger)
}

func validIntake() order.IntakeRequest {
	return order.IntakeRequest{
		Customer: order.Customer{Name: "Asha", Email: "asha@example.com", Phone: "555-0100"},
		Mode:     order.ModePickup,
		Items:    []order.CartItem{{ItemID: "biryani", Quantity: 2}, {ItemID: "lassi", Quantity: 1}},
	}
}

func TestIntake_RecomputesTotal(t *testing.T) {
	store := memstore.New()
	linker := &MockLinker{}
	svc := newService(t, store, linker, nil)

	req := validIntake()
	tampered := int64(1)
	req.ClientTotal = &tampered

	res, err := svc.Intake(context.Background(), req)
	require.NoError(t, err)

	// (30 + 4) * 1.10
	assert.Equal(t, int64(3740), res.Total)
	assert.Equal(t, "https://pay.example/pl-1", res.CheckoutURL)
	assert.Equal(t, "prov-"+res.OrderID, res.ProviderOrderID)

	require.Len(t, linker.calls, 1)
	call := linker.calls[0]
	assert.Equal(t, int64(3740), call.Amount)
	assert.Equal(t, res.OrderID, call.IdempotencyKey)
	u, err := url.Parse(call.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, u.Query().Get("id"))

	stored, err := store.Get(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPending, stored.PaymentStatus)
	assert.Equal(t, order.StatusPendingConfirmation, stored.OrderStatus)
	assert.Equal(t, res.ProviderOrderID, stored.ProviderOrderID)

	var lines []order.LineItem
	require.NoError(t, json.Unmarshal(stored.Cart, &lines))
	require.Len(t, lines, 2)
	assert.Equal(t, int64(1500), lines[0].UnitPrice)
}

func TestIntake_IdempotencyKeyForwarded(t *testing.T) {
	linker := &MockLinker{}
	svc := newService(t, memstore.New(), linker, nil)

	req := validIntake()
	req.IdempotencyKey = "key-123"
	_, err := svc.Intake(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "key-123", linker.calls[0].IdempotencyKey)
}

func TestIntake_Validation(t *testing.T) {
	svc := newService(t, memstore.New(), &MockLinker{}, nil)

	tests := []struct {
		name   string
		mutate func(r *order.IntakeRequest)
	}{
		{"empty cart", func(r *order.IntakeRequest) { r.Items = nil }},
		{"missing email", func(r *order.IntakeRequest) { r.Customer.Email = "" }},
		{"delivery without address", func(r *order.IntakeRequest) { r.Mode = order.ModeDelivery }},
		{"unknown mode", func(r *order.IntakeRequest) { r.Mode = "drone" }},
		{"unknown item", func(r *order.IntakeRequest) { r.Items = []order.CartItem{{ItemID: "pizza", Quantity: 1}} }},
		{"zero quantity", func(r *order.IntakeRequest) { r.Items = []order.CartItem{{ItemID: "lassi", Quantity: 0}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validIntake()
			tt.mutate(&req)
			_, err := svc.Intake(context.Background(), req)
			assert.ErrorIs(t, err, order.ErrValidation)
		})
	}
}

func TestIntake_StoreFailure(t *testing.T) {
	svc := newService(t, failingRepo{}, &MockLinker{}, nil)
	_, err := svc.Intake(context.Background(), validIntake())
	assert.ErrorIs(t, err, order.ErrOrderCreation)
}

func TestIntake_PaymentLinkRejected(t *testing.T) {
	linker := &MockLinker{CreateFunc: func(context.Context, provider.CheckoutLinkRequest) (*provider.CheckoutLink, error) {
		return nil, &provider.Error{StatusCode: 400, Code: "INVALID_VALUE"}
	}}
	svc := newService(t, memstore.New(), linker, nil)

	_, err := svc.Intake(context.Background(), validIntake())
	assert.ErrorIs(t, err, order.ErrPaymentLink)
	var pe *provider.Error
	assert.ErrorAs(t, err, &pe)
}

func seedOrder(t *testing.T, store *memstore.Store, status order.PaymentStatus) *order.Order {
	t.Helper()
	o := &order.Order{
		ID:              "ord-1",
		ProviderOrderID: "prov-1",
		PaymentStatus:   status,
		OrderStatus:     order.OrderStatusFor(status),
	}
	require.NoError(t, store.Create(context.Background(), o))
	return o
}

func TestApplyPayment_Idempotent(t *testing.T) {
	store := memstore.New()
	seedOrder(t, store, order.PaymentPending)
	n := &recordingNotifier{}
	svc := newService(t, store, &MockLinker{}, n)

	u := order.PaymentUpdate{PaymentStatus: order.PaymentSuccess, PaymentID: "pay-1"}
	first, err := svc.ApplyPayment(context.Background(), order.Ref{ProviderOrderID: "prov-1"}, u)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := svc.ApplyPayment(context.Background(), order.Ref{ProviderOrderID: "prov-1"}, u)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, first.Order.PaymentStatus, second.Order.PaymentStatus)
	assert.Equal(t, first.Order.PaymentTransactionID, second.Order.PaymentTransactionID)
	assert.Len(t, n.orders, 1)
}

func TestApplyPayment_NeverRegresses(t *testing.T) {
	for _, terminal := range []order.PaymentStatus{order.PaymentSuccess, order.PaymentFailed, order.PaymentCanceled} {
		t.Run(string(terminal), func(t *testing.T) {
			store := memstore.New()
			seedOrder(t, store, terminal)
			svc := newService(t, store, &MockLinker{}, nil)

			for _, next := range []order.PaymentStatus{order.PaymentPending, order.PaymentSuccess, order.PaymentFailed} {
				res, err := svc.ApplyPayment(context.Background(), order.Ref{ID: "ord-1"},
					order.PaymentUpdate{PaymentStatus: next, PaymentID: "late"})
				require.NoError(t, err)
				assert.False(t, res.Applied)
				assert.Equal(t, terminal, res.Order.PaymentStatus)
			}
		})
	}
}

func TestApplyPayment_ConcurrentWriters(t *testing.T) {
	store := memstore.New()
	seedOrder(t, store, order.PaymentPending)
	n := &recordingNotifier{}
	svc := newService(t, store, &MockLinker{}, n)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyPayment(context.Background(), order.Ref{ID: "ord-1"},
				order.PaymentUpdate{PaymentStatus: order.PaymentSuccess, PaymentID: "pay-1"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	o, err := store.Get(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, order.PaymentSuccess, o.PaymentStatus)
	assert.Equal(t, order.StatusConfirmed, o.OrderStatus)
	assert.Equal(t, "pay-1", o.PaymentTransactionID)
	assert.Len(t, n.orders, 1, "exactly one writer wins")
}

func TestApplyPayment_Errors(t *testing.T) {
	svc := newService(t, memstore.New(), &MockLinker{}, nil)

	_, err := svc.ApplyPayment(context.Background(), order.Ref{}, order.PaymentUpdate{PaymentStatus: order.PaymentSuccess})
	assert.ErrorIs(t, err, order.ErrValidation)

	_, err = svc.ApplyPayment(context.Background(), order.Ref{ID: "x"}, order.PaymentUpdate{PaymentStatus: "paid"})
	assert.ErrorIs(t, err, order.ErrValidation)

	_, err = svc.ApplyPayment(context.Background(), order.Ref{ProviderOrderID: "nope"}, order.PaymentUpdate{PaymentStatus: order.PaymentSuccess})
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}
