package order

import (
	"encoding/json"
	"strings"
	"time"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentSuccess  PaymentStatus = "success"
	PaymentFailed   PaymentStatus = "failed"
	PaymentCanceled PaymentStatus = "canceled"
)

// Terminal reports whether no further transition is allowed from s.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentSuccess, PaymentFailed, PaymentCanceled:
		return true
	}
	return false
}

func (s PaymentStatus) Valid() bool {
	return s == PaymentPending || s.Terminal()
}

// OrderStatus is the human-facing label shown to customers and staff.
type OrderStatus string

const (
	StatusPendingConfirmation OrderStatus = "Pending Order Confirmation"
	StatusProcessing          OrderStatus = "Processing"
	StatusConfirmed           OrderStatus = "Order Confirmed"
	StatusFailed              OrderStatus = "Failed"
	StatusCanceled            OrderStatus = "Canceled"
)

// OrderStatusFor returns the label that accompanies a payment status.
func OrderStatusFor(s PaymentStatus) OrderStatus {
	switch s {
	case PaymentSuccess:
		return StatusConfirmed
	case PaymentFailed:
		return StatusFailed
	case PaymentCanceled:
		return StatusCanceled
	default:
		return StatusPendingConfirmation
	}
}

// Provider payment vocabulary.
const (
	ProviderCompleted = "COMPLETED"
	ProviderCaptured  = "CAPTURED"
	ProviderApproved  = "APPROVED"
	ProviderPending   = "PENDING"
	ProviderFailed    = "FAILED"
	ProviderCanceled  = "CANCELED"
	ProviderDeclined  = "DECLINED"
)

// FromProviderStatus maps a provider payment status onto the domain lifecycle.
// Unknown and in-flight statuses map to pending.
func FromProviderStatus(raw string) PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case ProviderCompleted, ProviderCaptured:
		return PaymentSuccess
	case ProviderFailed, ProviderDeclined:
		return PaymentFailed
	case ProviderCanceled, "CANCELLED":
		return PaymentCanceled
	default:
		return PaymentPending
	}
}

// ProviderStatusFor is the inverse used when a stored terminal status answers a status lookup.
func ProviderStatusFor(s PaymentStatus) string {
	switch s {
	case PaymentSuccess:
		return ProviderCompleted
	case PaymentFailed:
		return ProviderFailed
	case PaymentCanceled:
		return ProviderCanceled
	default:
		return ProviderPending
	}
}

type Mode string

const (
	ModePickup   Mode = "pickup"
	ModeDelivery Mode = "delivery"
)

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type LineItem struct {
	ItemID    string `json:"item_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type Order struct {
	ID                   string          `json:"id"`
	ProviderOrderID      string          `json:"provider_order_id,omitempty"`
	PaymentTransactionID string          `json:"payment_transaction_id,omitempty"`
	Customer             Customer        `json:"customer"`
	Mode                 Mode            `json:"mode"`
	Address              string          `json:"address,omitempty"`
	RequestedTime        string          `json:"requested_time,omitempty"`
	Cart                 json.RawMessage `json:"cart"`
	Total                int64           `json:"total"`
	Currency             string          `json:"currency"`
	PaymentStatus        PaymentStatus   `json:"payment_status"`
	OrderStatus          OrderStatus     `json:"order_status"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// PaymentUpdate is what either writer (poller or webhook) wants to record.
// Empty PaymentID/ProviderOrderID leave the stored values untouched.
type PaymentUpdate struct {
	PaymentStatus   PaymentStatus
	PaymentID       string
	ProviderOrderID string
}

// Decide reports whether u may be written over the current state of o.
// A terminal order is immutable; pending orders accept any valid update.
func Decide(o *Order, u PaymentUpdate) bool {
	if o.PaymentStatus.Terminal() {
		return false
	}
	if u.PaymentStatus.Terminal() {
		return true
	}
	// pending -> pending only matters when it carries new correlation data
	return (u.PaymentID != "" && u.PaymentID != o.PaymentTransactionID) ||
		(u.ProviderOrderID != "" && o.ProviderOrderID == "")
}

// Apply mutates o according to u. Callers must check Decide first.
func Apply(o *Order, u PaymentUpdate, now time.Time) {
	o.PaymentStatus = u.PaymentStatus
	o.OrderStatus = OrderStatusFor(u.PaymentStatus)
	if u.PaymentStatus == PaymentPending && u.PaymentID != "" {
		o.OrderStatus = StatusProcessing
	}
	if u.PaymentID != "" {
		o.PaymentTransactionID = u.PaymentID
	}
	if o.ProviderOrderID == "" && u.ProviderOrderID != "" {
		o.ProviderOrderID = u.ProviderOrderID
	}
	o.UpdatedAt = now
}
