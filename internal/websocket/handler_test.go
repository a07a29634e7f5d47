package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chulah/checkout/internal/memstore"
	"chulah/checkout/internal/order"

	"github.com/go-chi/chi/v5"
	gw "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	store := memstore.New()
	require.NoError(t, store.Create(context.Background(), &order.Order{
		ID:            "ord-1",
		PaymentStatus: order.PaymentPending,
		OrderStatus:   order.StatusPendingConfirmation,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub()
	go hub.Run(ctx)

	h := NewHandler(hub, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Get("/orders/{orderID}/ws", h.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub
}

func readUpdate(t *testing.T, conn *gw.Conn) OrderUpdate {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var upd OrderUpdate
	require.NoError(t, json.Unmarshal(msg, &upd))
	return upd
}

func TestServeWS_SnapshotThenUpdates(t *testing.T) {
	srv, hub := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/orders/ord-1/ws"

	conn, _, err := gw.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readUpdate(t, conn)
	assert.Equal(t, "ord-1", first.OrderID)
	assert.Equal(t, string(order.PaymentPending), first.PaymentStatus)

	hub.Broadcast(OrderUpdate{OrderID: "ord-2", PaymentStatus: "success"})
	hub.Broadcast(OrderUpdate{OrderID: "ord-1", PaymentStatus: "success", OrderStatus: string(order.StatusConfirmed), TransactionID: "pay-1", UpdatedAt: time.Now().UTC()})

	next := readUpdate(t, conn)
	assert.Equal(t, "ord-1", next.OrderID)
	assert.Equal(t, "success", next.PaymentStatus)
	assert.Equal(t, "pay-1", next.TransactionID)
}

func TestServeWS_UnknownOrder(t *testing.T) {
	srv, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/orders/missing/ws"

	_, resp, err := gw.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHub_BroadcastAfterStopDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.Broadcast(OrderUpdate{OrderID: "ord-1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked after hub stopped")
	}
}

func recv(t *testing.T, c *Client) OrderUpdate {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var upd OrderUpdate
		require.NoError(t, json.Unmarshal(msg, &upd))
		return upd
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
		return OrderUpdate{}
	}
}

func TestHub_StaleSnapshotSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)

	c := &Client{hub: hub, send: make(chan []byte, 8), orderID: "ord-1"}
	hub.register <- c

	t0 := time.Now().UTC()
	hub.Broadcast(OrderUpdate{OrderID: "ord-1", PaymentStatus: "success", UpdatedAt: t0.Add(time.Second)})
	assert.Equal(t, "success", recv(t, c).PaymentStatus)

	hub.sendTo(c, OrderUpdate{OrderID: "ord-1", PaymentStatus: "pending", UpdatedAt: t0})
	hub.sendTo(c, OrderUpdate{OrderID: "ord-1", PaymentStatus: "success", TransactionID: "pay-1", UpdatedAt: t0.Add(time.Second)})

	got := recv(t, c)
	assert.Equal(t, "success", got.PaymentStatus)
	assert.Equal(t, "pay-1", got.TransactionID)
	assert.Empty(t, c.send)
}

func TestHub_SendToGoneClientIsNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	c := &Client{hub: hub, send: make(chan []byte, 1), orderID: "ord-1"}
	hub.register <- c
	hub.unregister <- c
	hub.sendTo(c, OrderUpdate{OrderID: "ord-1", PaymentStatus: "pending"})

	_, open := <-c.send
	assert.False(t, open)

	cancel()
	<-stopped
	done := make(chan struct{})
	go func() {
		hub.sendTo(c, OrderUpdate{OrderID: "ord-1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sendTo blocked after hub stopped")
	}
}
