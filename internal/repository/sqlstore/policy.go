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

type policyRepository struct {
	*conn
}

func NewPolicyRepository(c *conn) repository.PolicyRepository {
	return &policyRepository{conn: c}
}

func (r *policyRepository) Get(ctx context.Context, orgID uuid.UUID) (*domain.OrgPolicy, error) {
	var (
		p   domain.OrgPolicy
		raw string
	)
	query := `SELECT org_id, policy, late_fee_per_day, deposit_amount, tax_rate, updated_at FROM org_policies WHERE org_id = ?`
	err := r.queryRow(ctx, r.db, query, orgID).Scan(&p.OrgID, &raw, &p.LateFeePerDay, &p.DepositAmount, &p.TaxRate, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy for org %s: %w", orgID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	snapshot, err := domain.UnmarshalPolicySnapshot(raw)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		p.PolicySnapshot = *snapshot
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (r *policyRepository) Upsert(ctx context.Context, p *domain.OrgPolicy) error {
	raw, err := p.PolicySnapshot.Marshal()
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	query := `INSERT INTO org_policies (org_id, policy, late_fee_per_day, deposit_amount, tax_rate, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?)
	          ON CONFLICT (org_id) DO UPDATE SET
	              policy = excluded.policy,
	              late_fee_per_day = excluded.late_fee_per_day,
	              deposit_amount = excluded.deposit_amount,
	              tax_rate = excluded.tax_rate,
	              updated_at = excluded.updated_at`
	if _, err := r.exec(ctx, r.db, query, p.OrgID, raw, p.LateFeePerDay, p.DepositAmount, p.TaxRate, p.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}
