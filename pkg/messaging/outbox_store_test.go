package messaging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"chulah/checkout/internal/order"
	"chulah/checkout/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payloadRecorder struct {
	mu       sync.Mutex
	payloads []string
	err      error
}

func (p *payloadRecorder) Publish(_ context.Context, _ string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, string(payload))
	return p.err
}

func (p *payloadRecorder) Close() error { return nil }

func (p *payloadRecorder) mentions(s string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, body := range p.payloads {
		if strings.Contains(body, s) {
			n++
		}
	}
	return n
}

// Runs against a real Postgres when CHECKOUT_TEST_DATABASE_URL is set.
func TestPgOutbox_RetryWaitsForNextRetry(t *testing.T) {
	url := os.Getenv("CHECKOUT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHECKOUT_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := storage.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	now := time.Now().UTC()
	o := &order.Order{
		ID:            uuid.NewString(),
		Customer:      order.Customer{Name: "Meera", Email: "meera@example.com", Phone: "555-0102"},
		Mode:          order.ModePickup,
		Cart:          []byte(`[]`),
		Total:         100,
		Currency:      "USD",
		PaymentStatus: order.PaymentPending,
		OrderStatus:   order.StatusPendingConfirmation,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, store.Create(ctx, o))

	pub := &payloadRecorder{err: errBrokerDown}
	d := NewOutboxDispatcher(store.Pool(), pub, OutboxOptions{BatchSize: 1000}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clk := now.Add(time.Second)
	d.now = func() time.Time { return clk }

	_, err = d.dispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pub.mentions(o.ID))

	var (
		status    string
		attempts  int
		nextRetry time.Time
	)
	require.NoError(t, store.Pool().QueryRow(ctx,
		`SELECT status, attempts, next_retry FROM order_outbox WHERE payload->>'order_id' = $1`, o.ID).
		Scan(&status, &attempts, &nextRetry))
	assert.Equal(t, "pending", status)
	assert.Equal(t, 1, attempts)
	assert.True(t, nextRetry.After(clk))

	_, err = d.dispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.mentions(o.ID), "row is not re-selected before next_retry")

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	clk = clk.Add(retryDelay(1) + time.Millisecond)
	_, err = d.dispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pub.mentions(o.ID))

	require.NoError(t, store.Pool().QueryRow(ctx,
		`SELECT status FROM order_outbox WHERE payload->>'order_id' = $1`, o.ID).Scan(&status))
	assert.Equal(t, "sent", status)
}
