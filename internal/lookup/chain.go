// Package lookup answers "what is the payment status of this provider order" by
// walking from the local order store to progressively more expensive provider calls.
package lookup

import (
	"context"
	"errors"
	"log/slog"

	"chulah/checkout/internal/order"
	"chulah/checkout/internal/provider"
)

type Source string

const (
	SourceStore    Source = "store"
	SourcePayments Source = "provider_payments"
	SourceOrder    Source = "provider_order"
	SourcePayment  Source = "provider_payment"
)

// Result uses the provider status vocabulary so callers can map it the same way
// regardless of which step answered.
type Result struct {
	Found         bool   `json:"found"`
	Status        string `json:"status,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Source        Source `json:"source,omitempty"`
}

type OrderFinder interface {
	FindByProviderOrderID(ctx context.Context, providerOrderID string) (*order.Order, error)
}

type Provider interface {
	GetPaymentsByOrder(ctx context.Context, orderID string) ([]provider.Payment, error)
	GetOrder(ctx context.Context, orderID string) (*provider.Order, error)
	GetPayment(ctx context.Context, paymentID string) (*provider.Payment, error)
}

type Chain struct {
	orders   OrderFinder
	provider Provider
	logger   *slog.Logger
}

func NewChain(orders OrderFinder, p Provider, logger *slog.Logger) *Chain {
	return &Chain{orders: orders, provider: p, logger: logger}
}

// Lookup stops at the first step that yields a transaction id. Running out of
// steps is the normal "not paid yet" answer and returns Found=false.
func (c *Chain) Lookup(ctx context.Context, providerOrderID string) (Result, error) {
	if res, ok := c.fromStore(ctx, providerOrderID); ok {
		return res, nil
	}

	payments, err := c.provider.GetPaymentsByOrder(ctx, providerOrderID)
	if err != nil {
		return Result{}, err
	}
	if p := pickPayment(payments); p != nil {
		return found(p, SourcePayments), nil
	}

	po, err := c.provider.GetOrder(ctx, providerOrderID)
	if err != nil {
		if provider.IsNotFound(err) {
			return Result{}, nil
		}
		return Result{}, err
	}
	paymentID := tenderPaymentID(po)
	if paymentID == "" {
		return Result{}, nil
	}

	p, err := c.provider.GetPayment(ctx, paymentID)
	if err != nil {
		if !provider.IsNotFound(err) {
			return Result{}, err
		}
		p = nil
	}
	if p == nil || p.ID == "" {
		// the tender reference alone still identifies the transaction
		return Result{Found: true, Status: po.State, TransactionID: paymentID, Source: SourceOrder}, nil
	}
	return found(p, SourcePayment), nil
}

// fromStore answers only from a terminal stored status with a transaction id;
// anything weaker is treated as stale.
func (c *Chain) fromStore(ctx context.Context, providerOrderID string) (Result, bool) {
	if c.orders == nil {
		return Result{}, false
	}
	o, err := c.orders.FindByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		if !errors.Is(err, order.ErrOrderNotFound) {
			c.logger.Warn("status lookup store step failed", "provider_order_id", providerOrderID, "err", err)
		}
		return Result{}, false
	}
	if !o.PaymentStatus.Terminal() || o.PaymentTransactionID == "" {
		return Result{}, false
	}
	return Result{
		Found:         true,
		Status:        order.ProviderStatusFor(o.PaymentStatus),
		TransactionID: o.PaymentTransactionID,
		Source:        SourceStore,
	}, true
}

// pickPayment prefers a terminal payment over in-flight ones, keeping provider order otherwise.
func pickPayment(payments []provider.Payment) *provider.Payment {
	var first *provider.Payment
	for i := range payments {
		p := &payments[i]
		if p.ID == "" {
			continue
		}
		if order.FromProviderStatus(p.Status).Terminal() {
			return p
		}
		if first == nil {
			first = p
		}
	}
	return first
}

func tenderPaymentID(o *provider.Order) string {
	if o == nil {
		return ""
	}
	for _, t := range o.Tenders {
		if t.PaymentID != "" {
			return t.PaymentID
		}
		if t.ID != "" {
			return t.ID
		}
	}
	return ""
}

func found(p *provider.Payment, src Source) Result {
	return Result{Found: true, Status: p.Status, TransactionID: p.ID, Source: src}
}
