package messaging

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgOutbox is the order_outbox table written by internal/storage.
type pgOutbox struct {
	pool *pgxpool.Pool
}

func (o pgOutbox) claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]outboxRow, error) {
	rows, err := o.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM order_outbox
			WHERE status IN ('pending', 'processing') AND next_retry <= $1
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE order_outbox o
		SET status = 'processing', next_retry = $3, updated_at = $1
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.event_id::text, o.event_type, o.payload, o.attempts`,
		now, limit, now.Add(lease),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []outboxRow
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.ID, &r.EventID, &r.EventType, &r.Payload, &r.Attempts); err != nil {
			return nil, err
		}
		claimed = append(claimed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(claimed, func(a, b outboxRow) int { return cmp.Compare(a.ID, b.ID) })
	return claimed, nil
}

func (o pgOutbox) markSent(ctx context.Context, id int64, now time.Time) error {
	_, err := o.pool.Exec(ctx,
		`UPDATE order_outbox SET status = 'sent', updated_at = $2 WHERE id = $1`, id, now)
	return err
}

func (o pgOutbox) markRetry(ctx context.Context, id int64, attempts int, next time.Time) error {
	_, err := o.pool.Exec(ctx, `
		UPDATE order_outbox
		SET status = 'pending', attempts = $2, next_retry = $3, updated_at = NOW()
		WHERE id = $1`,
		id, attempts, next,
	)
	return err
}

func (o pgOutbox) markDead(ctx context.Context, id int64, attempts int, now time.Time) error {
	_, err := o.pool.Exec(ctx,
		`UPDATE order_outbox SET status = 'dead', attempts = $2, updated_at = $3 WHERE id = $1`,
		id, attempts, now)
	return err
}

func (o pgOutbox) purgeSent(ctx context.Context, before time.Time) (int64, error) {
	tag, err := o.pool.Exec(ctx,
		`DELETE FROM order_outbox WHERE status = 'sent' AND updated_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
