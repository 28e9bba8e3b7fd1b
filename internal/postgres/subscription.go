package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/fp101fs/wp-gen-sub001/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SubscriptionStore implements domain.SubscriptionStore using PostgreSQL.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// Compile-time check to ensure SubscriptionStore implements the interface.
var _ domain.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore creates a new SubscriptionStore instance.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

const subscriptionColumns = `id, user_id, plan_name, stripe_subscription_id,
	stripe_customer_id, status, current_period_start, current_period_end,
	cancel_at_period_end, created_at, updated_at`

// scanSubscription maps one row to a domain Subscription.
func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub                       domain.Subscription
		status                    string
		stripeSubID, stripeCustID pgtype.Text
		periodStart, periodEnd    pgtype.Timestamptz
	)

	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.Plan,
		&stripeSubID,
		&stripeCustID,
		&status,
		&periodStart,
		&periodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Status = domain.SubscriptionStatus(status)
	sub.StripeSubscriptionID = stripeSubID.String
	sub.StripeCustomerID = stripeCustID.String
	sub.CurrentPeriodStart = periodStart.Time
	sub.CurrentPeriodEnd = periodEnd.Time
	return &sub, nil
}

// GetByStripeID returns the row mirroring a provider subscription id.
func (s *SubscriptionStore) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*domain.Subscription, error) {
	if stripeSubscriptionID == "" {
		return nil, domain.ErrSubscriptionNotFound
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM user_subscriptions
		 WHERE stripe_subscription_id = $1`,
		stripeSubscriptionID,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription by stripe id: %w", err)
	}
	return sub, nil
}

// GetByID returns the row with the given internal id.
func (s *SubscriptionStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM user_subscriptions
		 WHERE id = $1`,
		id,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListForUser returns all rows for a user, newest first.
func (s *SubscriptionStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]domain.Subscription, error) {
	return s.listForUser(ctx, userID, false)
}

// ListEntitledForUser returns rows with status active or trialing.
func (s *SubscriptionStore) ListEntitledForUser(ctx context.Context, userID uuid.UUID) ([]domain.Subscription, error) {
	return s.listForUser(ctx, userID, true)
}

func (s *SubscriptionStore) listForUser(ctx context.Context, userID uuid.UUID, entitledOnly bool) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM user_subscriptions
		WHERE user_id = $1`
	if entitledOnly {
		query += ` AND status IN ('active', 'trialing')`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var result []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		result = append(result, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return result, nil
}

// Upsert inserts or refreshes the row keyed by stripe_subscription_id.
// The conflict target is a partial unique index, so free-plan rows
// (NULL stripe id) always insert. xmax = 0 distinguishes a fresh insert
// from a conflict update.
func (s *SubscriptionStore) Upsert(ctx context.Context, params domain.UpsertSubscriptionParams) (*domain.Subscription, bool, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO user_subscriptions (
			user_id, plan_name, stripe_subscription_id, stripe_customer_id,
			status, current_period_start, current_period_end, cancel_at_period_end
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (stripe_subscription_id) WHERE stripe_subscription_id IS NOT NULL
		DO UPDATE SET
			plan_name            = EXCLUDED.plan_name,
			stripe_customer_id   = EXCLUDED.stripe_customer_id,
			status               = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end   = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			updated_at           = now()
		RETURNING `+subscriptionColumns+`, (xmax = 0) AS inserted`,
		params.UserID,
		params.Plan,
		textOrNull(params.StripeSubscriptionID),
		textOrNull(params.StripeCustomerID),
		string(params.Status),
		timeOrNull(params.CurrentPeriodStart),
		timeOrNull(params.CurrentPeriodEnd),
		params.CancelAtPeriodEnd,
	)

	var (
		sub                       domain.Subscription
		status                    string
		stripeSubID, stripeCustID pgtype.Text
		periodStart, periodEnd    pgtype.Timestamptz
		inserted                  bool
	)
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.Plan,
		&stripeSubID,
		&stripeCustID,
		&status,
		&periodStart,
		&periodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
		&inserted,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert subscription: %w", err)
	}

	sub.Status = domain.SubscriptionStatus(status)
	sub.StripeSubscriptionID = stripeSubID.String
	sub.StripeCustomerID = stripeCustID.String
	sub.CurrentPeriodStart = periodStart.Time
	sub.CurrentPeriodEnd = periodEnd.Time
	return &sub, inserted, nil
}

// UpdateState refreshes plan, status, period and cancellation flag.
func (s *SubscriptionStore) UpdateState(ctx context.Context, params domain.UpdateSubscriptionStateParams) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE user_subscriptions SET
			plan_name            = $2,
			status               = $3,
			current_period_start = $4,
			current_period_end   = $5,
			cancel_at_period_end = $6,
			updated_at           = now()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		params.ID,
		params.Plan,
		string(params.Status),
		timeOrNull(params.CurrentPeriodStart),
		timeOrNull(params.CurrentPeriodEnd),
		params.CancelAtPeriodEnd,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to update subscription state: %w", err)
	}
	return sub, nil
}

// MarkCanceled sets status=canceled and cancel_at_period_end=true.
func (s *SubscriptionStore) MarkCanceled(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_subscriptions SET
			status               = 'canceled',
			cancel_at_period_end = TRUE,
			updated_at           = now()
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark subscription canceled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

// ActivateExclusive confirms keepID as the user's only entitled row.
// Both updates run in one database transaction so a crash cannot leave
// the user with zero active subscriptions. The kept row's status
// mirrors the provider (trialing is entitled in its own right), so it
// is promoted to active only when it is not currently entitled.
func (s *SubscriptionStore) ActivateExclusive(ctx context.Context, keepID uuid.UUID, userID uuid.UUID) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var keepStatus string
	err = tx.QueryRow(ctx,
		`SELECT status FROM user_subscriptions
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`,
		keepID, userID,
	).Scan(&keepStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock subscription: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE user_subscriptions SET
			status     = 'canceled',
			updated_at = now()
		WHERE user_id = $1
		  AND id <> $2
		  AND status IN ('active', 'trialing')`,
		userID, keepID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate sibling subscriptions: %w", err)
	}
	deactivated := tag.RowsAffected()

	if !domain.SubscriptionStatus(keepStatus).IsEntitled() {
		_, err := tx.Exec(ctx,
			`UPDATE user_subscriptions SET
				status     = 'active',
				updated_at = now()
			WHERE id = $1`,
			keepID,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to activate subscription: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return deactivated, nil
}
