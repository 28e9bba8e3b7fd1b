package postgres

import (
	"context"
	"fmt"

	"github.com/fp101fs/wp-gen-sub001/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WebhookEventStore implements domain.WebhookEventStore using
// PostgreSQL. It survives restarts, unlike the in-process dedup cache.
type WebhookEventStore struct {
	pool *pgxpool.Pool
}

var _ domain.WebhookEventStore = (*WebhookEventStore)(nil)

// NewWebhookEventStore creates a new WebhookEventStore instance.
func NewWebhookEventStore(pool *pgxpool.Pool) *WebhookEventStore {
	return &WebhookEventStore{pool: pool}
}

// MarkProcessed records the event id. Reports false when the id was
// already recorded, meaning the delivery is a duplicate.
func (s *WebhookEventStore) MarkProcessed(ctx context.Context, providerEventID, eventType string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (provider_event_id, event_type)
		 VALUES ($1, $2)
		 ON CONFLICT (provider_event_id) DO NOTHING`,
		providerEventID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
