package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/logger"
	"gearhouse-backend/internal/repository"

	"github.com/google/uuid"
)

type settlementRepository struct {
	*conn
	transactions *transactionRepository
}

func NewSettlementRepository(c *conn) repository.SettlementRepository {
	return &settlementRepository{conn: c, transactions: &transactionRepository{conn: c}}
}

const settlementColumns = `transaction_id, org_id, status, late_days, rental_charge, late_fee, damage_charge, tax, total,
	deposit_held, deposit_applied, deposit_refund, net_due, ledger_ref, computed_at, posted_at`

func (r *settlementRepository) GetByTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.SettlementRecord, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlement_records WHERE transaction_id = ?`
	rec, err := scanSettlement(r.queryRow(ctx, r.db, query, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settlement for transaction %s: %w", transactionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return rec, nil
}

func (r *settlementRepository) CreatePending(ctx context.Context, rec *domain.SettlementRecord) error {
	query := `INSERT INTO settlement_records (` + settlementColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	logger.DatabaseCall("settlement_records.insert", "INSERT INTO settlement_records", "transaction_id", rec.TransactionID)
	_, err := r.exec(ctx, r.db, query,
		rec.TransactionID, rec.OrgID, domain.SettlementPendingLedger, rec.LateDays,
		rec.RentalCharge, rec.LateFee, rec.DamageCharge, rec.Tax, rec.Total,
		rec.DepositHeld, rec.DepositApplied, rec.DepositRefund, rec.NetDue,
		rec.LedgerRef, rec.ComputedAt.UTC(), nil)
	if isUniqueViolation(err) {
		return fmt.Errorf("settlement for transaction %s: %w", rec.TransactionID, domain.ErrDuplicateSettlement)
	}
	if err != nil {
		return fmt.Errorf("failed to create settlement: %w", err)
	}
	rec.Status = domain.SettlementPendingLedger
	return nil
}

func (r *settlementRepository) MarkPosted(ctx context.Context, rec *domain.SettlementRecord, t *domain.Transaction, change repository.StateChange) error {
	if rec.PostedAt == nil {
		return domain.Invalidf("posted settlement requires a posted time")
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE settlement_records SET status = ?, ledger_ref = ?, posted_at = ?
		          WHERE transaction_id = ? AND status = ?`
		res, err := r.exec(ctx, tx, query, domain.SettlementPosted, rec.LedgerRef, rec.PostedAt.UTC(), rec.TransactionID, domain.SettlementPendingLedger)
		if err != nil {
			return fmt.Errorf("failed to mark settlement posted: %w", err)
		}
		if err := expectOneRow(res, domain.ErrStaleState); err != nil {
			return fmt.Errorf("settlement for transaction %s is not pending: %w", rec.TransactionID, err)
		}
		if err := r.transactions.save(ctx, tx, t, change); err != nil {
			return err
		}
		rec.Status = domain.SettlementPosted
		return nil
	})
}

// ListPending returns records whose ledger post has not been acknowledged,
// oldest first.
func (r *settlementRepository) ListPending(ctx context.Context, limit int) ([]domain.SettlementRecord, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlement_records WHERE status = ? ORDER BY computed_at LIMIT ?`
	rows, err := r.query(ctx, r.db, query, domain.SettlementPendingLedger, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending settlements: %w", err)
	}
	defer rows.Close()

	var records []domain.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanSettlement(row rowScanner) (*domain.SettlementRecord, error) {
	var (
		rec      domain.SettlementRecord
		postedAt sql.NullTime
	)
	err := row.Scan(&rec.TransactionID, &rec.OrgID, &rec.Status, &rec.LateDays,
		&rec.RentalCharge, &rec.LateFee, &rec.DamageCharge, &rec.Tax, &rec.Total,
		&rec.DepositHeld, &rec.DepositApplied, &rec.DepositRefund, &rec.NetDue,
		&rec.LedgerRef, &rec.ComputedAt, &postedAt)
	if err != nil {
		return nil, err
	}
	rec.ComputedAt = rec.ComputedAt.UTC()
	rec.PostedAt = timePtr(postedAt)
	return &rec, nil
}
