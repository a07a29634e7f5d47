// Package provider is a thin REST client for the hosted-checkout payment provider.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	BaseURL     string
	AccessToken string
	APIVersion  string
	LocationID  string
	Timeout     time.Duration
}

// Error is a non-2xx answer from the provider API.
type Error struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("provider returned %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned %d: %s: %s", e.StatusCode, e.Code, e.Detail)
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type Payment struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	AmountMoney Money  `json:"amount_money"`
	CreatedAt   string `json:"created_at"`
}

type Tender struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
}

type Order struct {
	ID      string   `json:"id"`
	State   string   `json:"state"`
	Tenders []Tender `json:"tenders"`
}

type CheckoutLinkRequest struct {
	IdempotencyKey string
	Name           string
	Amount         int64
	Currency       string
	ReferenceID    string
	RedirectURL    string
	BuyerEmail     string
	BuyerPhone     string
}

type CheckoutLink struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	OrderID string `json:"order_id"`
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) GetPaymentsByOrder(ctx context.Context, orderID string) ([]Payment, error) {
	var resp struct {
		Payments []Payment `json:"payments"`
	}
	q := url.Values{"order_id": {orderID}}
	if c.cfg.LocationID != "" {
		q.Set("location_id", c.cfg.LocationID)
	}
	if err := c.do(ctx, http.MethodGet, "/v2/payments?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Payments, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var resp struct {
		Order *Order `json:"order"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/orders/"+url.PathEscape(orderID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Order, nil
}

func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var resp struct {
		Payment *Payment `json:"payment"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/payments/"+url.PathEscape(paymentID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Payment, nil
}

func (c *Client) CreateCheckoutLink(ctx context.Context, req CheckoutLinkRequest) (*CheckoutLink, error) {
	body := map[string]any{
		"idempotency_key": req.IdempotencyKey,
		"quick_pay": map[string]any{
			"name":        req.Name,
			"price_money": Money{Amount: req.Amount, Currency: req.Currency},
			"location_id": c.cfg.LocationID,
		},
		"payment_note": req.ReferenceID,
		"checkout_options": map[string]any{
			"redirect_url": req.RedirectURL,
		},
		"pre_populated_data": map[string]any{
			"buyer_email":        req.BuyerEmail,
			"buyer_phone_number": req.BuyerPhone,
		},
	}

	var resp struct {
		PaymentLink *CheckoutLink `json:"payment_link"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/online-checkout/payment-links", body, &resp); err != nil {
		return nil, err
	}
	if resp.PaymentLink == nil || resp.PaymentLink.URL == "" {
		return nil, errors.New("provider returned no payment link")
	}
	return resp.PaymentLink, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIVersion != "" {
		req.Header.Set("Square-Version", c.cfg.APIVersion)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &Error{StatusCode: resp.StatusCode}
		var env struct {
			Errors []struct {
				Code   string `json:"code"`
				Detail string `json:"detail"`
			} `json:"errors"`
		}
		if json.Unmarshal(raw, &env) == nil && len(env.Errors) > 0 {
			perr.Code = env.Errors[0].Code
			perr.Detail = env.Errors[0].Detail
		}
		return perr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
