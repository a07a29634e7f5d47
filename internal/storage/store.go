package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres order store. It implements order.Repository.
type Store struct {
	pool   *pgxpool.Pool
	outbox bool
}

type Option func(*Store)

// WithoutOutbox stops recording events in order_outbox. Use it when nothing
// dispatches the table, or rows pile up forever.
func WithoutOutbox() Option {
	return func(s *Store) { s.outbox = false }
}

func New(ctx context.Context, url string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{pool: pool, outbox: true}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
