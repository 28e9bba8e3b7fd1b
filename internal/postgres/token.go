package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fp101fs/wp-gen-sub001/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TokenStore implements domain.TokenLedger using PostgreSQL. Entries
// are append-only; the balance row is a materialized running total.
type TokenStore struct {
	pool *pgxpool.Pool
}

var _ domain.TokenLedger = (*TokenStore)(nil)

// NewTokenStore creates a new TokenStore instance.
func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Credit appends a ledger entry and bumps the balance in one database
// transaction. Returns the new balance.
func (s *TokenStore) Credit(ctx context.Context, params domain.CreditTokensParams) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO token_transactions (
			user_id, subscription_id, transaction_type, amount, description
		) VALUES ($1, $2, $3, $4, $5)`,
		params.UserID,
		params.SubscriptionID,
		params.TransactionType,
		params.Amount,
		textOrNull(params.Description),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert token transaction: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`INSERT INTO token_balances (user_id, balance)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET
			balance    = token_balances.balance + EXCLUDED.balance,
			updated_at = now()
		 RETURNING balance`,
		params.UserID, params.Amount,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to update token balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return balance, nil
}

// HasTransaction reports whether a transaction of the given type already
// references the subscription.
func (s *TokenStore) HasTransaction(ctx context.Context, subscriptionID uuid.UUID, transactionType string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM token_transactions
			WHERE subscription_id = $1 AND transaction_type = $2
		)`,
		subscriptionID, transactionType,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check token transaction: %w", err)
	}
	return exists, nil
}

// HasTransactionSince is HasTransaction restricted to entries created at
// or after the given instant.
func (s *TokenStore) HasTransactionSince(ctx context.Context, subscriptionID uuid.UUID, transactionType string, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM token_transactions
			WHERE subscription_id = $1 AND transaction_type = $2 AND created_at >= $3
		)`,
		subscriptionID, transactionType, since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check token transaction: %w", err)
	}
	return exists, nil
}

// Balance returns the user's current token balance, 0 if no row exists.
func (s *TokenStore) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM token_balances WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get token balance: %w", err)
	}
	return balance, nil
}
