package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/repository"

	"github.com/google/uuid"
)

type incidentRepository struct {
	*conn
}

func NewIncidentRepository(c *conn) repository.IncidentRepository {
	return &incidentRepository{conn: c}
}

// Create stores the incident together with its audit event and any
// damage notification.
func (r *incidentRepository) Create(ctx context.Context, inc *domain.Incident, change repository.StateChange) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO incidents (id, transaction_id, asset_id, reported_stage, description, cost_estimate, reported_by, created_at)
		          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := r.exec(ctx, tx, query,
			inc.ID, inc.TransactionID, inc.AssetID, inc.Stage, inc.Description, inc.CostEstimate, inc.ReportedBy, inc.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to create incident: %w", err)
		}
		return appendChange(ctx, r.conn, tx, change)
	})
}

func (r *incidentRepository) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.Incident, error) {
	query := `SELECT id, transaction_id, asset_id, reported_stage, description, cost_estimate, reported_by, created_at
	          FROM incidents WHERE transaction_id = ? ORDER BY created_at, id`
	rows, err := r.query(ctx, r.db, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []domain.Incident
	for rows.Next() {
		var inc domain.Incident
		err := rows.Scan(&inc.ID, &inc.TransactionID, &inc.AssetID, &inc.Stage, &inc.Description, &inc.CostEstimate, &inc.ReportedBy, &inc.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		inc.CreatedAt = inc.CreatedAt.UTC()
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}
