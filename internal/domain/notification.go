package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotifyCheckout    NotificationType = "gear.checkout"
	NotifyCheckin     NotificationType = "gear.checkin"
	NotifyLateReturn  NotificationType = "gear.late_return"
	NotifyDamageFound NotificationType = "gear.damage_found"
)

// OutboxMessage is a notification event persisted in the same database
// transaction as the state change that caused it.
type OutboxMessage struct {
	ID            uuid.UUID        `json:"id"`
	Type          NotificationType `json:"type"`
	TransactionID uuid.UUID        `json:"transaction_id"`
	OrgID         uuid.UUID        `json:"org_id"`
	Payload       json.RawMessage  `json:"payload"`
	Attempts      int              `json:"attempts"`
	LastError     string           `json:"last_error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	PublishedAt   *time.Time       `json:"published_at,omitempty"`
}

// NewOutboxMessage builds a message whose payload is the JSON encoding of body.
func NewOutboxMessage(typ NotificationType, t *Transaction, body any, now time.Time) (OutboxMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		ID:            uuid.New(),
		Type:          typ,
		TransactionID: t.ID,
		OrgID:         t.OrgID,
		Payload:       payload,
		CreatedAt:     now,
	}, nil
}
