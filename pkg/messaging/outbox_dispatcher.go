package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	retryBase     = time.Second
	retryCap      = 32 * time.Second
	publishWait   = 5 * time.Second
	purgeInterval = 10 * time.Minute
)

// OutboxOptions tunes the order_outbox relay. Zero values take defaults.
type OutboxOptions struct {
	Interval  time.Duration
	BatchSize int
	// Lease hides a claimed row from other replicas until it is settled or the lease runs out.
	Lease time.Duration
	// MaxAttempts parks a row as dead after this many failed publishes.
	MaxAttempts int
	// Retention is how long sent rows are kept; zero keeps them forever.
	Retention time.Duration
}

func (o OutboxOptions) withDefaults() OutboxOptions {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 20
	}
	return o
}

type outboxRow struct {
	ID        int64
	EventID   string
	EventType string
	Payload   []byte
	Attempts  int
}

type outboxStore interface {
	// claim leases up to limit rows that are due at now, oldest first.
	claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]outboxRow, error)
	markSent(ctx context.Context, id int64, now time.Time) error
	markRetry(ctx context.Context, id int64, attempts int, next time.Time) error
	markDead(ctx context.Context, id int64, attempts int, now time.Time) error
	purgeSent(ctx context.Context, before time.Time) (int64, error)
}

// OutboxDispatcher relays order events written in the same transaction as the
// order change. Delivery is at least once; consumers dedupe on event_id.
type OutboxDispatcher struct {
	store     outboxStore
	publisher Publisher
	opts      OutboxOptions
	logger    *slog.Logger
	now       func() time.Time
	lastPurge time.Time
}

func NewOutboxDispatcher(pool *pgxpool.Pool, publisher Publisher, opts OutboxOptions, logger *slog.Logger) *OutboxDispatcher {
	return newOutboxDispatcher(pgOutbox{pool: pool}, publisher, opts, logger)
}

func newOutboxDispatcher(store outboxStore, publisher Publisher, opts OutboxOptions, logger *slog.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		store:     store,
		publisher: publisher,
		opts:      opts.withDefaults(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (d *OutboxDispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *OutboxDispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.dispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("outbox dispatch failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dispatchOnce relays one batch of due rows and returns how many were published.
func (d *OutboxDispatcher) dispatchOnce(ctx context.Context) (int, error) {
	now := d.now()
	rows, err := d.store.claim(ctx, now, d.opts.BatchSize, d.opts.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim outbox rows: %w", err)
	}

	sent := 0
	for _, row := range rows {
		if err := d.relay(ctx, row); err != nil {
			d.logger.Warn("outbox publish failed",
				"event_id", row.EventID, "event_type", row.EventType, "attempts", row.Attempts+1, "err", err)
			continue
		}
		sent++
	}

	d.purge(ctx, now)
	return sent, nil
}

func (d *OutboxDispatcher) relay(ctx context.Context, row outboxRow) error {
	pubCtx, cancel := context.WithTimeout(ctx, publishWait)
	defer cancel()

	publishErr := d.publisher.Publish(pubCtx, row.EventType, row.Payload)
	if publishErr == nil {
		return d.store.markSent(ctx, row.ID, d.now())
	}

	attempts := row.Attempts + 1
	if attempts >= d.opts.MaxAttempts {
		if err := d.store.markDead(ctx, row.ID, attempts, d.now()); err != nil {
			return fmt.Errorf("park outbox row %d: %w", row.ID, err)
		}
		d.logger.Error("outbox event parked after repeated failures",
			"event_id", row.EventID, "event_type", row.EventType, "attempts", attempts)
		return publishErr
	}

	if err := d.store.markRetry(ctx, row.ID, attempts, d.now().Add(retryDelay(attempts))); err != nil {
		return fmt.Errorf("schedule outbox retry %d: %w", row.ID, err)
	}
	return publishErr
}

func (d *OutboxDispatcher) purge(ctx context.Context, now time.Time) {
	if d.opts.Retention <= 0 || now.Sub(d.lastPurge) < purgeInterval {
		return
	}
	d.lastPurge = now

	n, err := d.store.purgeSent(ctx, now.Add(-d.opts.Retention))
	if err != nil {
		d.logger.Warn("purge sent outbox rows", "err", err)
		return
	}
	if n > 0 {
		d.logger.Debug("purged sent outbox rows", "count", n)
	}
}

// retryDelay doubles per attempt from retryBase up to retryCap.
func retryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := retryBase
	for i := 0; i < attempts && delay < retryCap; i++ {
		delay *= 2
	}
	if delay > retryCap {
		delay = retryCap
	}
	return delay
}
