package contracts

import "time"

const (
	EventOrderCreated       = "orders.created"
	EventOrderStatusChanged = "orders.status_changed"
)

type OrderCreatedEvent struct {
	EventID       string    `json:"event_id"`
	OrderID       string    `json:"order_id"`
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email"`
	Mode          string    `json:"mode"`
	Total         int64     `json:"total"`
	Currency      string    `json:"currency"`
	CreatedAt     time.Time `json:"created_at"`
}

// OrderStatusChangedEvent is emitted once per applied payment status change.
// Email and spreadsheet sinks consume it; replicas use it to push websocket updates.
type OrderStatusChangedEvent struct {
	EventID         string    `json:"event_id"`
	OrderID         string    `json:"order_id"`
	ProviderOrderID string    `json:"provider_order_id,omitempty"`
	PaymentID       string    `json:"payment_id,omitempty"`
	PaymentStatus   string    `json:"payment_status"`
	OrderStatus     string    `json:"order_status"`
	Total           int64     `json:"total"`
	Currency        string    `json:"currency"`
	CustomerEmail   string    `json:"customer_email"`
	ChangedAt       time.Time `json:"changed_at"`
}
