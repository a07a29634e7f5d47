// Package webhook applies provider payment notifications to domain orders.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"chulah/checkout/internal/order"
)

var (
	ErrMalformedEvent  = errors.New("malformed webhook event")
	ErrCorrelationMiss = errors.New("no order for provider order id")
)

const (
	EventPaymentCreated = "payment.created"
	EventPaymentUpdated = "payment.updated"
)

type Event struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		ID     string `json:"id"`
		Object struct {
			Payment *Payment `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

type Payment struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type Outcome string

const (
	OutcomeIgnored         Outcome = "ignored"
	OutcomeApplied         Outcome = "applied"
	OutcomeUnchanged       Outcome = "unchanged"
	OutcomeCorrelationMiss Outcome = "correlation_miss"
)

type Result struct {
	Outcome       Outcome
	EventType     string
	OrderID       string
	PaymentStatus order.PaymentStatus
}

type Applier interface {
	ApplyPayment(ctx context.Context, ref order.Ref, u order.PaymentUpdate) (*order.ApplyResult, error)
}

type Reconciler struct {
	verifier *Verifier
	orders   Applier
	logger   *slog.Logger
}

func NewReconciler(verifier *Verifier, orders Applier, logger *slog.Logger) *Reconciler {
	return &Reconciler{verifier: verifier, orders: orders, logger: logger}
}

// Handle authenticates and applies one delivery. Redeliveries converge because
// ApplyPayment never moves a terminal order.
func (r *Reconciler) Handle(ctx context.Context, signature string, body []byte) (Result, error) {
	if err := r.verifier.Verify(signature, body); err != nil {
		r.logger.Warn("webhook signature rejected")
		return Result{}, err
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	res := Result{EventType: evt.Type, Outcome: OutcomeIgnored}
	if evt.Type != EventPaymentCreated && evt.Type != EventPaymentUpdated {
		r.logger.Debug("webhook event ignored", "type", evt.Type, "event_id", evt.EventID)
		return res, nil
	}

	p := evt.Data.Object.Payment
	if p == nil || p.OrderID == "" {
		r.logger.Warn("payment event without order id", "type", evt.Type, "event_id", evt.EventID)
		return res, nil
	}

	status := order.FromProviderStatus(p.Status)
	res.PaymentStatus = status

	applied, err := r.orders.ApplyPayment(ctx,
		order.Ref{ProviderOrderID: p.OrderID},
		order.PaymentUpdate{PaymentStatus: status, PaymentID: p.ID, ProviderOrderID: p.OrderID},
	)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			r.logger.Warn("webhook for unknown order",
				"provider_order_id", p.OrderID, "payment_id", p.ID, "err", ErrCorrelationMiss)
			res.Outcome = OutcomeCorrelationMiss
			return res, nil
		}
		return res, fmt.Errorf("apply payment %s: %w", p.ID, err)
	}

	res.OrderID = applied.Order.ID
	res.Outcome = OutcomeUnchanged
	if applied.Applied {
		res.Outcome = OutcomeApplied
	}
	r.logger.Info("webhook processed",
		"type", evt.Type, "order_id", res.OrderID, "provider_status", p.Status, "outcome", res.Outcome)
	return res, nil
}
