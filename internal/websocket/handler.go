package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"chulah/checkout/internal/order"
	"chulah/checkout/pkg/contracts"

	"github.com/go-chi/chi/v5"
	gw "github.com/gorilla/websocket"
)

type Conn = gw.Conn

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type OrderGetter interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

type Handler struct {
	hub    *Hub
	orders OrderGetter
	logger *slog.Logger
}

func NewHandler(hub *Hub, orders OrderGetter, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, orders: orders, logger: logger}
}

// ServeWS streams status updates for one order, starting with its current state.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	o, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		h.logger.Error("load order for websocket", "order_id", orderID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		orderID: o.ID,
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()

	// The snapshot is read after registering so a change applied meanwhile is
	// either in it or broadcast to this client.
	current, err := h.orders.Get(r.Context(), client.orderID)
	if err != nil {
		h.logger.Warn("reload order for websocket snapshot", "order_id", client.orderID, "err", err)
		return
	}
	h.hub.sendTo(client, UpdateFromOrder(current))
}

func UpdateFromOrder(o *order.Order) OrderUpdate {
	return OrderUpdate{
		OrderID:       o.ID,
		PaymentStatus: string(o.PaymentStatus),
		OrderStatus:   string(o.OrderStatus),
		TransactionID: o.PaymentTransactionID,
		UpdatedAt:     o.UpdatedAt,
	}
}

func UpdateFromEvent(evt contracts.OrderStatusChangedEvent) OrderUpdate {
	return OrderUpdate{
		OrderID:       evt.OrderID,
		PaymentStatus: evt.PaymentStatus,
		OrderStatus:   evt.OrderStatus,
		TransactionID: evt.PaymentID,
		UpdatedAt:     evt.ChangedAt,
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
}
