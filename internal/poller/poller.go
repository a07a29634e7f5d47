// Package poller confirms a hosted-checkout payment after the customer returns
// from the provider, then records the outcome on the order.
package poller

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"chulah/checkout/internal/order"
)

const (
	DefaultMaxAttempts = 8
	DefaultBaseDelay   = 2500 * time.Millisecond
	DefaultCallTimeout = 10 * time.Second
)

type StatusReply struct {
	Success       bool   `json:"success"`
	Found         bool   `json:"found"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	Message       string `json:"message,omitempty"`
}

type UpdateRequest struct {
	ID            string              `json:"id"`
	PaymentID     string              `json:"paymentId"`
	OrderID       string              `json:"orderId"`
	PaymentStatus order.PaymentStatus `json:"paymentStatus"`
}

type StatusClient interface {
	Status(ctx context.Context, providerOrderID string) (*StatusReply, error)
}

type Updater interface {
	UpdateOrder(ctx context.Context, req UpdateRequest) error
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CallTimeout time.Duration
	SuccessURL  string
	FailureURL  string
}

// Session identifies the checkout being confirmed. OrderID is the domain id
// carried back on the redirect.
type Session struct {
	OrderID         string
	ProviderOrderID string
}

type Outcome struct {
	State         State
	Reason        Reason
	Attempts      int
	PaymentStatus order.PaymentStatus
	TransactionID string
	RedirectURL   string
	Err           error
}

type Poller struct {
	cfg     Config
	status  StatusClient
	updater Updater
	wait    WaitFunc
	logger  *slog.Logger
}

func New(cfg Config, status StatusClient, updater Updater, logger *slog.Logger) *Poller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Poller{cfg: cfg, status: status, updater: updater, wait: sleep, logger: logger}
}

// WithWait replaces the timer used between attempts.
func (p *Poller) WithWait(w WaitFunc) *Poller {
	p.wait = w
	return p
}

// Run drives the machine to a terminal state. It returns ctx.Err() without an
// outcome when cancelled, and no further attempt is scheduled after that.
func (p *Poller) Run(ctx context.Context, s Session) (Outcome, error) {
	m := NewMachine(p.cfg.MaxAttempts, p.cfg.BaseDelay).Start(s.ProviderOrderID)

	for m.State == StatePolling {
		if d := m.Delay(); d > 0 {
			if err := p.wait(ctx, d); err != nil {
				return Outcome{}, err
			}
		}
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		obs := p.attempt(ctx, s.ProviderOrderID)
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if obs.Err != nil {
			p.logger.Warn("status lookup failed", "provider_order_id", s.ProviderOrderID, "attempt", m.Attempt, "err", obs.Err)
		} else {
			p.logger.Debug("status lookup", "provider_order_id", s.ProviderOrderID, "attempt", m.Attempt, "status", obs.Status)
		}
		m = m.Observe(obs)
	}

	out := Outcome{
		State:         m.State,
		Reason:        m.Reason,
		Attempts:      m.Attempt,
		PaymentStatus: m.PaymentStatus,
		TransactionID: m.TransactionID,
		Err:           m.LastErr,
	}

	if m.State == StateSuccess || (m.State == StateFailure && m.Reason == ReasonDeclined) {
		p.record(ctx, s, m)
	}

	out.RedirectURL = p.navigate(s, out)
	p.logger.Info("payment confirmation finished",
		"order_id", s.OrderID, "provider_order_id", s.ProviderOrderID,
		"state", out.State.String(), "reason", out.Reason, "attempts", out.Attempts)
	return out, nil
}

func (p *Poller) attempt(ctx context.Context, providerOrderID string) Observation {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	reply, err := p.status.Status(callCtx, providerOrderID)
	if err != nil {
		return Observation{Err: err}
	}
	if !reply.Found {
		return Observation{}
	}
	return Observation{Status: reply.Status, TransactionID: reply.TransactionID}
}

// record issues the order update. A failure here is logged only: the server
// applies it as set-if-not-terminal and the webhook path converges on its own.
func (p *Poller) record(ctx context.Context, s Session, m Machine) {
	if p.updater == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	err := p.updater.UpdateOrder(callCtx, UpdateRequest{
		ID:            s.OrderID,
		PaymentID:     m.TransactionID,
		OrderID:       s.ProviderOrderID,
		PaymentStatus: m.PaymentStatus,
	})
	if err != nil {
		p.logger.Warn("order update failed", "order_id", s.OrderID, "payment_status", m.PaymentStatus, "err", err)
	}
}

func (p *Poller) navigate(s Session, out Outcome) string {
	if out.State == StateSuccess {
		return withQuery(p.cfg.SuccessURL, url.Values{
			"orderId":         {s.OrderID},
			"providerOrderId": {s.ProviderOrderID},
			"transactionId":   {out.TransactionID},
		})
	}
	q := url.Values{"reason": {string(out.Reason)}}
	if s.OrderID != "" {
		q.Set("orderId", s.OrderID)
	}
	return withQuery(p.cfg.FailureURL, q)
}

func withQuery(base string, q url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	merged := u.Query()
	for k, v := range q {
		merged[k] = v
	}
	u.RawQuery = merged.Encode()
	return u.String()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
