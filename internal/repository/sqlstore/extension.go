package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/repository"

	"github.com/google/uuid"
)

type extensionRepository struct {
	*conn
}

func NewExtensionRepository(c *conn) repository.ExtensionRepository {
	return &extensionRepository{conn: c}
}

const extensionColumns = `id, transaction_id, current_end, requested_end, status, requested_by, decided_by, decided_at, reason, created_at`

func (r *extensionRepository) Create(ctx context.Context, ext *domain.Extension) error {
	query := `INSERT INTO extensions (` + extensionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.exec(ctx, r.db, query,
		ext.ID, ext.TransactionID, ext.CurrentEnd.UTC(), ext.RequestedEnd.UTC(), ext.Status, ext.RequestedBy,
		ext.DecidedBy, utcPtr(ext.DecidedAt), ext.Reason, ext.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create extension: %w", err)
	}
	return nil
}

func (r *extensionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Extension, error) {
	query := `SELECT ` + extensionColumns + ` FROM extensions WHERE id = ?`
	ext, err := scanExtension(r.queryRow(ctx, r.db, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("extension %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get extension: %w", err)
	}
	return ext, nil
}

func (r *extensionRepository) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.Extension, error) {
	query := `SELECT ` + extensionColumns + ` FROM extensions WHERE transaction_id = ? ORDER BY created_at, id`
	rows, err := r.query(ctx, r.db, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list extensions: %w", err)
	}
	defer rows.Close()

	var out []domain.Extension
	for rows.Next() {
		ext, err := scanExtension(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan extension: %w", err)
		}
		out = append(out, *ext)
	}
	return out, rows.Err()
}

func (r *extensionRepository) Decide(ctx context.Context, ext *domain.Extension) error {
	return decideExtension(ctx, r.conn, r.db, ext)
}

// decideExtension moves a pending extension to its decided status. A second
// decision on the same request finds no pending row.
func decideExtension(ctx context.Context, c *conn, q querier, ext *domain.Extension) error {
	if !ext.Status.IsFinal() {
		return domain.Invalidf("extension %s has no decision", ext.ID)
	}
	query := `UPDATE extensions SET status = ?, decided_by = ?, decided_at = ?, reason = ?
	          WHERE id = ? AND status = ?`
	res, err := c.exec(ctx, q, query, ext.Status, ext.DecidedBy, utcPtr(ext.DecidedAt), ext.Reason, ext.ID, domain.ExtensionPending)
	if err != nil {
		return fmt.Errorf("failed to decide extension: %w", err)
	}
	if err := expectOneRow(res, domain.ErrStaleState); err != nil {
		return fmt.Errorf("extension %s already decided: %w", ext.ID, err)
	}
	return nil
}

func scanExtension(row rowScanner) (*domain.Extension, error) {
	var (
		ext       domain.Extension
		decidedBy uuid.NullUUID
		decidedAt sql.NullTime
	)
	err := row.Scan(&ext.ID, &ext.TransactionID, &ext.CurrentEnd, &ext.RequestedEnd, &ext.Status, &ext.RequestedBy,
		&decidedBy, &decidedAt, &ext.Reason, &ext.CreatedAt)
	if err != nil {
		return nil, err
	}
	ext.CurrentEnd = ext.CurrentEnd.UTC()
	ext.RequestedEnd = ext.RequestedEnd.UTC()
	ext.DecidedBy = uuidPtr(decidedBy)
	ext.DecidedAt = timePtr(decidedAt)
	ext.CreatedAt = ext.CreatedAt.UTC()
	return &ext, nil
}
