package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chulah/checkout/internal/order"
)

// Client talks to the checkout service's status and update endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Status reads GET /status. A {success:false} answer is an error so the
// poller spends an attempt on it.
func (c *Client) Status(ctx context.Context, providerOrderID string) (*StatusReply, error) {
	q := url.Values{"orderId": {providerOrderID}}
	raw, err := c.do(ctx, http.MethodGet, "/status?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var reply StatusReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	if !reply.Success {
		return nil, fmt.Errorf("status lookup rejected: %s", reply.Message)
	}
	return &reply, nil
}

func (c *Client) UpdateOrder(ctx context.Context, req UpdateRequest) error {
	raw, err := c.do(ctx, http.MethodPost, "/update-order", req)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("order update rejected: %s", env.Message)
	}
	return nil
}

// Order fetches a stored order, used to resolve the provider order id from a domain id.
func (c *Client) Order(ctx context.Context, id string) (*order.Order, error) {
	raw, err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var o order.Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &o, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Message != "" {
			return nil, fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, env.Message)
		}
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return raw, nil
}
