package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/finfolio/holdings-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Schema:
//
//	CREATE TABLE positions (
//	    user_id      TEXT        NOT NULL,
//	    symbol       TEXT        NOT NULL,
//	    quantity     NUMERIC     NOT NULL,
//	    average_cost NUMERIC     NOT NULL,
//	    last_updated TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (user_id, symbol)
//	);
//
//	CREATE TABLE applied_events (
//	    user_id        TEXT        NOT NULL,
//	    transaction_id TEXT        NOT NULL,
//	    applied_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (user_id, transaction_id)
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, symbol string) (*model.Position, error) {
	var p model.Position
	var qty, avg string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, symbol, quantity::TEXT, average_cost::TEXT, last_updated
		 FROM positions WHERE user_id = $1 AND symbol = $2`, userID, symbol).
		Scan(&p.UserID, &p.Symbol, &qty, &avg, &p.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, symbol, err)
	}

	p.Quantity, _ = decimal.NewFromString(qty)
	p.AverageCost, _ = decimal.NewFromString(avg)

	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, quantity::TEXT, average_cost::TEXT, last_updated
		 FROM positions WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qty, avg string
		if err := rows.Scan(&p.UserID, &p.Symbol, &qty, &avg, &p.LastUpdated); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.AverageCost, _ = decimal.NewFromString(avg)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) Applied(ctx context.Context, userID, transactionID string) (bool, error) {
	var applied bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM applied_events WHERE user_id = $1 AND transaction_id = $2
		 )`, userID, transactionID).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("check applied %s/%s: %w", userID, transactionID, err)
	}
	return applied, nil
}

func (s *PostgresStore) MarkApplied(ctx context.Context, userID, transactionID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO applied_events (user_id, transaction_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, transactionID)
	return err
}

// UpsertPosition writes the position and its idempotency marker inside one
// transaction; redelivery after a crash therefore sees either both writes
// or neither.
func (s *PostgresStore) UpsertPosition(ctx context.Context, pos *model.Position, transactionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO positions (user_id, symbol, quantity, average_cost, last_updated)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (user_id, symbol) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     average_cost = EXCLUDED.average_cost,
		     last_updated = EXCLUDED.last_updated`,
		pos.UserID, pos.Symbol,
		pos.Quantity.String(), pos.AverageCost.String(),
		pos.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", pos.UserID, pos.Symbol, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO applied_events (user_id, transaction_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		pos.UserID, transactionID,
	)
	if err != nil {
		return fmt.Errorf("mark applied %s/%s: %w", pos.UserID, transactionID, err)
	}

	return tx.Commit(ctx)
}

// DeletePosition removes the position and writes its idempotency marker
// inside one transaction.
func (s *PostgresStore) DeletePosition(ctx context.Context, userID, symbol, transactionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND symbol = $2`, userID, symbol)
	if err != nil {
		return fmt.Errorf("delete position %s/%s: %w", userID, symbol, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO applied_events (user_id, transaction_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, transactionID,
	)
	if err != nil {
		return fmt.Errorf("mark applied %s/%s: %w", userID, transactionID, err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
