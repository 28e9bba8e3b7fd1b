// Package events publishes subscription lifecycle events over NATS for
// downstream consumers (email, analytics). Publishing is fire-and-forget:
// a failed publish is logged and never fails the billing operation that
// produced it.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects for subscription lifecycle events.
const (
	SubjectSubscriptionActivated = "billing.subscription.activated"
	SubjectSubscriptionCanceled  = "billing.subscription.canceled"
	SubjectTokensCredited        = "billing.tokens.credited"
)

// SubscriptionEvent is the payload for activation and cancellation
// subjects.
type SubscriptionEvent struct {
	UserID               string    `json:"user_id"`
	Plan                 string    `json:"plan"`
	StripeSubscriptionID string    `json:"stripe_subscription_id,omitempty"`
	OccurredAt           time.Time `json:"occurred_at"`
}

// TokensCreditedEvent is the payload for the tokens-credited subject.
type TokensCreditedEvent struct {
	UserID          string    `json:"user_id"`
	Plan            string    `json:"plan"`
	Amount          int64     `json:"amount"`
	TransactionType string    `json:"transaction_type"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Publisher emits lifecycle events to NATS. A nil Publisher is valid
// and drops every event, so callers never need to branch on whether
// messaging is configured.
type Publisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect establishes the NATS connection. Reconnects are unbounded;
// events published while disconnected are buffered by the client.
func Connect(url string, logger *slog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("billing-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Publisher{conn: conn, logger: logger}, nil
}

// Close flushes pending events and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("failed to drain NATS connection", "error", err)
	}
}

// SubscriptionActivated emits a billing.subscription.activated event.
func (p *Publisher) SubscriptionActivated(event SubscriptionEvent) {
	p.publish(SubjectSubscriptionActivated, event)
}

// SubscriptionCanceled emits a billing.subscription.canceled event.
func (p *Publisher) SubscriptionCanceled(event SubscriptionEvent) {
	p.publish(SubjectSubscriptionCanceled, event)
}

// TokensCredited emits a billing.tokens.credited event.
func (p *Publisher) TokensCredited(event TokensCreditedEvent) {
	p.publish(SubjectTokensCredited, event)
}

func (p *Publisher) publish(subject string, payload any) {
	if p == nil || p.conn == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to marshal event payload", "subject", subject, "error", err)
		return
	}

	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}
