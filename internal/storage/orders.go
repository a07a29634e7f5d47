package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chulah/checkout/internal/order"
	"chulah/checkout/pkg/contracts"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const orderColumns = `
	id, COALESCE(provider_order_id, ''), payment_transaction_id,
	customer_name, customer_email, customer_phone,
	mode, address, requested_time, cart, total, currency,
	payment_status, order_status, created_at, updated_at`

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o    order.Order
		id   uuid.UUID
		cart []byte
	)
	err := row.Scan(
		&id, &o.ProviderOrderID, &o.PaymentTransactionID,
		&o.Customer.Name, &o.Customer.Email, &o.Customer.Phone,
		&o.Mode, &o.Address, &o.RequestedTime, &cart, &o.Total, &o.Currency,
		&o.PaymentStatus, &o.OrderStatus, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		return nil, err
	}
	o.ID = id.String()
	o.Cart = cart
	return &o, nil
}

func (s *Store) Create(ctx context.Context, o *order.Order) error {
	id, err := uuid.Parse(o.ID)
	if err != nil {
		return fmt.Errorf("invalid order id: %w", err)
	}
	cart := o.Cart
	if len(cart) == 0 {
		cart = json.RawMessage("[]")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			id, provider_order_id, payment_transaction_id,
			customer_name, customer_email, customer_phone,
			mode, address, requested_time, cart, total, currency,
			payment_status, order_status, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		id, o.ProviderOrderID, o.PaymentTransactionID,
		o.Customer.Name, o.Customer.Email, o.Customer.Phone,
		o.Mode, o.Address, o.RequestedTime, []byte(cart), o.Total, o.Currency,
		o.PaymentStatus, o.OrderStatus, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	evt := order.CreatedEvent(o)
	if err := s.insertOutbox(ctx, tx, evt.EventID, contracts.EventOrderCreated, evt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, id string) (*order.Order, error) {
	orderID, err := uuid.Parse(id)
	if err != nil {
		return nil, order.ErrOrderNotFound
	}
	return scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
}

func (s *Store) FindByProviderOrderID(ctx context.Context, providerOrderID string) (*order.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE provider_order_id = $1`, providerOrderID))
}

// AttachProviderOrder sets provider_order_id once; re-attaching the same id is a no-op.
func (s *Store) AttachProviderOrder(ctx context.Context, id, providerOrderID string) (*order.Order, error) {
	orderID, err := uuid.Parse(id)
	if err != nil {
		return nil, order.ErrOrderNotFound
	}

	o, err := scanOrder(s.pool.QueryRow(ctx, `
		UPDATE orders
		SET provider_order_id = $2, updated_at = NOW()
		WHERE id = $1 AND (provider_order_id IS NULL OR provider_order_id = $2)
		RETURNING `+orderColumns,
		orderID, providerOrderID,
	))
	if errors.Is(err, order.ErrOrderNotFound) {
		if _, getErr := s.Get(ctx, id); getErr == nil {
			return nil, order.ErrProviderOrderConflict
		}
	}
	return o, err
}

// ApplyPayment locks the row, checks the lifecycle rule against the locked state
// and writes only while the order is still pending.
func (s *Store) ApplyPayment(ctx context.Context, id string, u order.PaymentUpdate) (*order.Order, bool, error) {
	orderID, err := uuid.Parse(id)
	if err != nil {
		return nil, false, order.ErrOrderNotFound
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		return nil, false, err
	}
	if !order.Decide(o, u) {
		return o, false, tx.Commit(ctx)
	}

	order.Apply(o, u, time.Now().UTC())

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET payment_status = $2,
		    order_status = $3,
		    payment_transaction_id = $4,
		    provider_order_id = COALESCE(provider_order_id, NULLIF($5, '')),
		    updated_at = $6
		WHERE id = $1 AND payment_status = $7`,
		orderID, o.PaymentStatus, o.OrderStatus, o.PaymentTransactionID, o.ProviderOrderID, o.UpdatedAt,
		order.PaymentPending,
	)
	if err != nil {
		return nil, false, fmt.Errorf("update order payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := s.Get(ctx, id)
		return current, false, err
	}

	evt := order.StatusChangedEvent(o)
	if err := s.insertOutbox(ctx, tx, evt.EventID, contracts.EventOrderStatusChanged, evt); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return o, true, nil
}

func (s *Store) insertOutbox(ctx context.Context, tx pgx.Tx, eventID, eventType string, event any) error {
	if !s.outbox {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO order_outbox (event_id, event_type, payload)
		VALUES ($1, $2, $3)`,
		eventID, eventType, payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
