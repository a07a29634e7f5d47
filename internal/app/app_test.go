package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chulah/checkout/internal/config"
	"chulah/checkout/internal/order"
	"chulah/checkout/internal/websocket"
	"chulah/checkout/pkg/contracts"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishCall struct {
	eventType string
	payload   []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (p *fakePublisher) Publish(_ context.Context, eventType string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{eventType: eventType, payload: payload})
	return p.err
}

func (p *fakePublisher) Close() error { return nil }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventNotifier_PublishesStatusChange(t *testing.T) {
	pub := &fakePublisher{}
	n := newEventNotifier(pub, websocket.NewHub(), discard())

	o := &order.Order{
		ID:                   "ord-1",
		ProviderOrderID:      "prov-1",
		PaymentTransactionID: "pay-1",
		PaymentStatus:        order.PaymentSuccess,
		OrderStatus:          order.StatusConfirmed,
		UpdatedAt:            time.Now().UTC(),
	}
	n.OrderStatusChanged(context.Background(), o)

	require.Len(t, pub.calls, 1)
	assert.Equal(t, contracts.EventOrderStatusChanged, pub.calls[0].eventType)

	var evt contracts.OrderStatusChangedEvent
	require.NoError(t, json.Unmarshal(pub.calls[0].payload, &evt))
	assert.Equal(t, "ord-1", evt.OrderID)
	assert.Equal(t, "pay-1", evt.PaymentID)
	assert.Equal(t, string(order.PaymentSuccess), evt.PaymentStatus)
	assert.NotEmpty(t, evt.EventID)
}

func TestEventNotifier_PublishFailureDoesNotPanic(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	n := newEventNotifier(pub, hub, discard())
	n.OrderStatusChanged(context.Background(), &order.Order{ID: "ord-1", PaymentStatus: order.PaymentFailed})
	assert.Len(t, pub.calls, 1)
}

func TestHandleOrderEvent(t *testing.T) {
	a := &App{logger: discard(), wsHub: websocket.NewHub()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.wsHub.Run(ctx)

	body, err := json.Marshal(contracts.OrderStatusChangedEvent{OrderID: "ord-1", PaymentStatus: "success"})
	require.NoError(t, err)

	assert.NoError(t, a.handleOrderEvent(ctx, amqp091.Delivery{Type: contracts.EventOrderStatusChanged, Body: body}))
	assert.NoError(t, a.handleOrderEvent(ctx, amqp091.Delivery{Type: contracts.EventOrderCreated, Body: []byte(`{}`)}),
		"other event types are acknowledged and ignored")
	assert.Error(t, a.handleOrderEvent(ctx, amqp091.Delivery{Type: contracts.EventOrderStatusChanged, Body: []byte(`{`)}))
	assert.Error(t, a.handleOrderEvent(ctx, amqp091.Delivery{Type: contracts.EventOrderStatusChanged, Body: []byte(`{}`)}))
}

func TestEventNotifier_NoBrokerFeedsHub(t *testing.T) {
	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	n := newEventNotifier(nil, hub, discard())
	done := make(chan struct{})
	go func() {
		n.OrderStatusChanged(context.Background(), &order.Order{ID: "ord-1", PaymentStatus: order.PaymentSuccess})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notifier blocked without a broker")
	}
}

func TestOpenRepository(t *testing.T) {
	a := &App{logger: discard(), cfg: config.Config{OrderStore: config.StoreMemory}}
	repo, err := a.openRepository(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, repo)

	a.cfg = config.Config{OrderStore: config.StoreCMS}
	_, err = a.openRepository(context.Background())
	assert.Error(t, err, "cms store needs an endpoint")

	a.cfg = config.Config{OrderStore: "sqlite"}
	_, err = a.openRepository(context.Background())
	assert.Error(t, err)
}
