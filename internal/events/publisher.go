// Package events relays outbox notifications to the message broker.
package events

import (
	"context"
	"encoding/json"
	"time"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/logger"

	"github.com/google/uuid"
)

// Publisher delivers one notification to the broker. Delivery is
// at-least-once; consumers deduplicate on the message id.
type Publisher interface {
	Publish(ctx context.Context, msg domain.OutboxMessage) error
	Close() error
}

// Envelope is the wire form of a notification.
type Envelope struct {
	ID            uuid.UUID               `json:"id"`
	Type          domain.NotificationType `json:"type"`
	TransactionID uuid.UUID               `json:"transaction_id"`
	OrgID         uuid.UUID               `json:"org_id"`
	OccurredAt    time.Time               `json:"occurred_at"`
	Payload       json.RawMessage         `json:"payload"`
}

func encode(msg domain.OutboxMessage) ([]byte, error) {
	payload := msg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return json.Marshal(Envelope{
		ID:            msg.ID,
		Type:          msg.Type,
		TransactionID: msg.TransactionID,
		OrgID:         msg.OrgID,
		OccurredAt:    msg.CreatedAt.UTC(),
		Payload:       payload,
	})
}

// LogPublisher writes notifications to the log. It is the default broker.
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (LogPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	logger.InfoContext(ctx, "Notification",
		"id", msg.ID,
		"type", msg.Type,
		"transactionID", msg.TransactionID,
		"orgID", msg.OrgID,
		"payload", string(msg.Payload),
	)
	return nil
}

func (LogPublisher) Close() error { return nil }
