package order

import (
	"chulah/checkout/pkg/contracts"

	"github.com/google/uuid"
)

func CreatedEvent(o *Order) contracts.OrderCreatedEvent {
	return contracts.OrderCreatedEvent{
		EventID:       uuid.NewString(),
		OrderID:       o.ID,
		CustomerName:  o.Customer.Name,
		CustomerEmail: o.Customer.Email,
		Mode:          string(o.Mode),
		Total:         o.Total,
		Currency:      o.Currency,
		CreatedAt:     o.CreatedAt,
	}
}

func StatusChangedEvent(o *Order) contracts.OrderStatusChangedEvent {
	return contracts.OrderStatusChangedEvent{
		EventID:         uuid.NewString(),
		OrderID:         o.ID,
		ProviderOrderID: o.ProviderOrderID,
		PaymentID:       o.PaymentTransactionID,
		PaymentStatus:   string(o.PaymentStatus),
		OrderStatus:     string(o.OrderStatus),
		Total:           o.Total,
		Currency:        o.Currency,
		CustomerEmail:   o.Customer.Email,
		ChangedAt:       o.UpdatedAt,
	}
}
