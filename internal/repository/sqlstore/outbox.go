package sqlstore

import (
	"context"
	"fmt"
	"time"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/repository"

	"github.com/google/uuid"
)

type outboxRepository struct {
	*conn
}

func NewOutboxRepository(c *conn) repository.OutboxRepository {
	return &outboxRepository{conn: c}
}

// FetchUnpublished returns the oldest undelivered messages that have not
// exhausted maxAttempts.
func (r *outboxRepository) FetchUnpublished(ctx context.Context, limit, maxAttempts int) ([]domain.OutboxMessage, error) {
	query := `SELECT id, event_type, transaction_id, org_id, payload, attempts, last_error, created_at
	          FROM notification_outbox
	          WHERE published_at IS NULL AND attempts < ?
	          ORDER BY created_at, id LIMIT ?`
	rows, err := r.query(ctx, r.db, query, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		var (
			m       domain.OutboxMessage
			payload []byte
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.TransactionID, &m.OrgID, &payload, &m.Attempts, &m.LastError, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		m.Payload = payload
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := r.exec(ctx, r.db, `UPDATE notification_outbox SET published_at = ? WHERE id = ?`, at.UTC(), id); err != nil {
		return fmt.Errorf("failed to mark outbox message published: %w", err)
	}
	return nil
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `UPDATE notification_outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`
	if _, err := r.exec(ctx, r.db, query, errMsg, id); err != nil {
		return fmt.Errorf("failed to record outbox failure: %w", err)
	}
	return nil
}
