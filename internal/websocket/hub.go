package websocket

import (
	"context"
	"encoding/json"
	"time"
)

type OrderUpdate struct {
	OrderID       string    `json:"order_id"`
	PaymentStatus string    `json:"payment_status"`
	OrderStatus   string    `json:"order_status"`
	TransactionID string    `json:"transaction_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Client struct {
	hub     *Hub
	conn    *Conn
	send    chan []byte
	orderID string
	// seen is the UpdatedAt of the newest update written to send; owned by Hub.Run.
	seen time.Time
}

type directUpdate struct {
	client *Client
	update OrderUpdate
}

// Hub fans order updates out to the sockets watching that order.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan OrderUpdate
	direct     chan directUpdate
	clients    map[string]map[*Client]bool
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan OrderUpdate, 64),
		direct:     make(chan directUpdate),
		clients:    make(map[string]map[*Client]bool),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.orderID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[c.orderID] = set
			}
			set[c] = true
		case c := <-h.unregister:
			h.drop(c)
		case upd := <-h.broadcast:
			msg, err := json.Marshal(upd)
			if err != nil {
				continue
			}
			for c := range h.clients[upd.OrderID] {
				h.deliver(c, upd, msg)
			}
		case d := <-h.direct:
			if !h.clients[d.client.orderID][d.client] {
				continue
			}
			msg, err := json.Marshal(d.update)
			if err != nil {
				continue
			}
			h.deliver(d.client, d.update, msg)
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			return
		}
	}
}

// deliver skips updates older than what the client already has, so a snapshot
// read before a concurrent change cannot overwrite it.
func (h *Hub) deliver(c *Client, upd OrderUpdate, msg []byte) {
	if upd.UpdatedAt.Before(c.seen) {
		return
	}
	select {
	case c.send <- msg:
		c.seen = upd.UpdatedAt
	default:
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	set, ok := h.clients[c.orderID]
	if !ok {
		return
	}
	if _, exists := set[c]; exists {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.orderID)
	}
}

// Broadcast never blocks the caller; updates sent after Run has returned are dropped.
func (h *Hub) Broadcast(u OrderUpdate) {
	select {
	case h.broadcast <- u:
	case <-h.done:
	default:
		go func() {
			select {
			case h.broadcast <- u:
			case <-h.done:
			}
		}()
	}
}

// sendTo queues an update for one registered client. It is a no-op once the
// client is gone or the hub has stopped.
func (h *Hub) sendTo(c *Client, u OrderUpdate) {
	select {
	case h.direct <- directUpdate{client: c, update: u}:
	case <-h.done:
	}
}
