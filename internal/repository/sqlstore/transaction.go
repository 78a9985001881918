package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/logger"
	"gearhouse-backend/internal/repository"

	"github.com/google/uuid"
)

type transactionRepository struct {
	*conn
}

func NewTransactionRepository(c *conn) repository.TransactionRepository {
	return &transactionRepository{conn: c}
}

const transactionColumns = `id, org_id, target_kind, target_id, team_member_id, client_org_id, contact_id, custodian_id,
	status, starts_at, ends_at, policy_snapshot, listing_id, daily_rate, discount_percent, late_fee_per_day,
	deposit_held, tax_rate, checked_out_at, checked_in_at, location_out, location_in, flagged_items, is_overdue,
	late_days, late_fee, damage_charge, cancel_reason, overdue_notified_at, version, created_at, updated_at`

const activeWindowStatuses = `('reserved', 'checked_out')`

func (r *transactionRepository) Create(ctx context.Context, t *domain.Transaction, change repository.StateChange) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.insert(ctx, tx, t); err != nil {
			return err
		}
		return r.appendChange(ctx, tx, change)
	})
}

func (r *transactionRepository) insert(ctx context.Context, q querier, t *domain.Transaction) error {
	snapshot, err := encodeSnapshot(t.Policy)
	if err != nil {
		return err
	}
	flagged, err := encodeIDs(t.FlaggedItems)
	if err != nil {
		return err
	}
	query := `INSERT INTO gear_transactions (` + transactionColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	logger.DatabaseCall("gear_transactions.insert", "INSERT INTO gear_transactions", "transaction_id", t.ID)
	_, err = r.exec(ctx, q, query,
		t.ID, t.OrgID, t.Target.Kind, t.Target.ID,
		t.Counterparty.TeamMemberID, t.Counterparty.ClientOrgID, t.Counterparty.ContactID, t.CustodianID,
		t.Status, t.Window.Start.UTC(), t.Window.End.UTC(), snapshot, t.Pricing.ListingID,
		t.Pricing.DailyRate, t.Pricing.DiscountPercent, t.Pricing.LateFeePerDay, t.Pricing.DepositHeld, t.Pricing.TaxRate,
		utcPtr(t.CheckedOutAt), utcPtr(t.CheckedInAt), t.LocationOut, t.LocationIn, flagged, t.IsOverdue,
		t.LateDays, t.LateFee, t.DamageCharge, t.CancelReason, utcPtr(t.OverdueNotifiedAt), 1,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	t.Version = 1
	return nil
}

func (r *transactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return r.get(ctx, r.db, id)
}

func (r *transactionRepository) get(ctx context.Context, q querier, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM gear_transactions WHERE id = ?`
	t, err := scanTransaction(r.queryRow(ctx, q, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

func (r *transactionRepository) List(ctx context.Context, f domain.TransactionFilter) ([]domain.Transaction, int32, error) {
	where := ` WHERE org_id = ?`
	args := []any{f.OrgID}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, f.Status)
	}

	var count int32
	if err := r.queryRow(ctx, r.db, `SELECT count(*) FROM gear_transactions`+where, args...).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	offset := (f.Page - 1) * f.PageSize
	query := `SELECT ` + transactionColumns + ` FROM gear_transactions` + where + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, f.PageSize, offset)
	rows, err := r.query(ctx, r.db, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txns, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return txns, count, nil
}

func (r *transactionRepository) ListEvents(ctx context.Context, transactionID uuid.UUID) ([]domain.TransactionEvent, error) {
	query := `SELECT id, transaction_id, event_type, from_status, to_status, actor_id, forced, detail, created_at
	          FROM transaction_events WHERE transaction_id = ? ORDER BY seq`
	rows, err := r.query(ctx, r.db, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transaction events: %w", err)
	}
	defer rows.Close()

	var events []domain.TransactionEvent
	for rows.Next() {
		var (
			e     domain.TransactionEvent
			actor uuid.NullUUID
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Type, &e.FromStatus, &e.ToStatus, &actor, &e.Forced, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction event: %w", err)
		}
		e.ActorID = uuidPtr(actor)
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *transactionRepository) ListWindows(ctx context.Context, transactionID uuid.UUID) ([]domain.ReservationWindow, error) {
	return r.listWindows(ctx, r.db, transactionID, false)
}

func (r *transactionRepository) listWindows(ctx context.Context, q querier, transactionID uuid.UUID, activeOnly bool) ([]domain.ReservationWindow, error) {
	query := `SELECT id, transaction_id, unit_id, starts_at, ends_at, status, created_at FROM reservation_windows WHERE transaction_id = ?`
	if activeOnly {
		query += ` AND status IN ` + activeWindowStatuses
	}
	query += ` ORDER BY created_at, unit_id`
	rows, err := r.query(ctx, q, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservation windows: %w", err)
	}
	defer rows.Close()

	var out []domain.ReservationWindow
	for rows.Next() {
		var w domain.ReservationWindow
		if err := rows.Scan(&w.ID, &w.TransactionID, &w.UnitID, &w.Window.Start, &w.Window.End, &w.Status, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reservation window: %w", err)
		}
		w.Window = domain.Interval{Start: w.Window.Start.UTC(), End: w.Window.End.UTC()}
		w.CreatedAt = w.CreatedAt.UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *transactionRepository) FindConflicts(ctx context.Context, unitIDs []uuid.UUID, iv domain.Interval, exclude uuid.UUID) ([]domain.TransactionRef, error) {
	return r.findConflicts(ctx, r.db, unitIDs, iv, exclude)
}

// findConflicts loads the active windows of the units and keeps those that
// overlap iv under half-open semantics.
func (r *transactionRepository) findConflicts(ctx context.Context, q querier, unitIDs []uuid.UUID, iv domain.Interval, exclude uuid.UUID) ([]domain.TransactionRef, error) {
	if len(unitIDs) == 0 {
		return nil, nil
	}
	query := `SELECT transaction_id, unit_id, starts_at, ends_at FROM reservation_windows
	          WHERE unit_id IN (` + placeholders(len(unitIDs)) + `)
	          AND status IN ` + activeWindowStatuses + `
	          AND transaction_id <> ?
	          ORDER BY starts_at, transaction_id`
	args := append(uuidArgs(unitIDs), exclude)
	logger.DatabaseCall("reservation_windows.find_conflicts", query, "units", len(unitIDs))
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservation windows: %w", err)
	}
	defer rows.Close()

	var conflicts []domain.TransactionRef
	for rows.Next() {
		var ref domain.TransactionRef
		if err := rows.Scan(&ref.TransactionID, &ref.UnitID, &ref.Window.Start, &ref.Window.End); err != nil {
			return nil, fmt.Errorf("failed to scan reservation window: %w", err)
		}
		ref.Window = domain.Interval{Start: ref.Window.Start.UTC(), End: ref.Window.End.UTC()}
		if ref.Window.Overlaps(iv) {
			conflicts = append(conflicts, ref)
		}
	}
	return conflicts, rows.Err()
}

// lockUnits serializes reservations touching the same units. On sqlite the
// single pooled connection already does.
func (r *transactionRepository) lockUnits(ctx context.Context, tx *sql.Tx, unitIDs []uuid.UUID) error {
	if r.dialect != Postgres {
		return nil
	}
	for _, id := range sortedUnique(unitIDs) {
		if _, err := r.exec(ctx, tx, `SELECT pg_advisory_xact_lock(hashtextextended(?, 0))`, id.String()); err != nil {
			return fmt.Errorf("failed to lock unit %s: %w", id, err)
		}
	}
	return nil
}

func (r *transactionRepository) Reserve(ctx context.Context, t *domain.Transaction, unitIDs []uuid.UUID, change repository.StateChange) error {
	logger.EnterMethod("transactionRepository.Reserve", "transaction_id", t.ID, "units", len(unitIDs))

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.lockUnits(ctx, tx, unitIDs); err != nil {
			return err
		}
		conflicts, err := r.findConflicts(ctx, tx, unitIDs, t.Window, t.ID)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return &domain.ConflictError{Conflicts: conflicts}
		}

		// A zero expected version means the transaction is created and
		// reserved in one step.
		if change.ExpectedVersion == 0 {
			if err := r.insert(ctx, tx, t); err != nil {
				return err
			}
		} else if err := r.update(ctx, tx, t, change.ExpectedVersion); err != nil {
			return err
		}

		now := t.UpdatedAt.UTC()
		for _, unitID := range sortedUnique(unitIDs) {
			query := `INSERT INTO reservation_windows (id, transaction_id, unit_id, starts_at, ends_at, status, created_at, updated_at)
			          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
			if _, err := r.exec(ctx, tx, query, uuid.New(), t.ID, unitID, t.Window.Start.UTC(), t.Window.End.UTC(), domain.WindowReserved, now, now); err != nil {
				return fmt.Errorf("failed to insert reservation window: %w", err)
			}
		}
		return r.appendChange(ctx, tx, change)
	})
	if err != nil && isExclusionViolation(err) {
		err = r.conflictAfterExclusion(ctx, unitIDs, t.Window, t.ID)
	}
	if err != nil {
		logger.ExitMethodWithError("transactionRepository.Reserve", err, "transaction_id", t.ID)
		return err
	}
	logger.ExitMethod("transactionRepository.Reserve", "transaction_id", t.ID)
	return nil
}

// conflictAfterExclusion reports the windows that won the race when the
// postgres exclusion constraint rejected the insert.
func (r *transactionRepository) conflictAfterExclusion(ctx context.Context, unitIDs []uuid.UUID, iv domain.Interval, exclude uuid.UUID) error {
	conflicts, err := r.findConflicts(ctx, r.db, unitIDs, iv, exclude)
	if err != nil {
		return err
	}
	return &domain.ConflictError{Conflicts: conflicts}
}

func (r *transactionRepository) Save(ctx context.Context, t *domain.Transaction, change repository.StateChange) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.save(ctx, tx, t, change)
	})
}

// save is shared with the settlement repository so closing a transaction
// commits with the posted settlement record.
func (r *transactionRepository) save(ctx context.Context, tx *sql.Tx, t *domain.Transaction, change repository.StateChange) error {
	if err := r.update(ctx, tx, t, change.ExpectedVersion); err != nil {
		return err
	}
	if ws, ok := domain.WindowStatusFor(t.Status); ok && ws != domain.WindowReserved {
		query := `UPDATE reservation_windows SET status = ?, updated_at = ? WHERE transaction_id = ? AND status IN ` + activeWindowStatuses
		if _, err := r.exec(ctx, tx, query, ws, t.UpdatedAt.UTC(), t.ID); err != nil {
			return fmt.Errorf("failed to update reservation windows: %w", err)
		}
	}
	return r.appendChange(ctx, tx, change)
}

// update writes the mutable columns guarded by the expected version.
func (r *transactionRepository) update(ctx context.Context, q querier, t *domain.Transaction, expected int64) error {
	snapshot, err := encodeSnapshot(t.Policy)
	if err != nil {
		return err
	}
	flagged, err := encodeIDs(t.FlaggedItems)
	if err != nil {
		return err
	}
	query := `UPDATE gear_transactions SET
	              status = ?, starts_at = ?, ends_at = ?, policy_snapshot = ?,
	              checked_out_at = ?, checked_in_at = ?, location_out = ?, location_in = ?,
	              flagged_items = ?, is_overdue = ?, late_days = ?, late_fee = ?, damage_charge = ?,
	              cancel_reason = ?, overdue_notified_at = ?, version = version + 1, updated_at = ?
	          WHERE id = ? AND version = ?`
	logger.DatabaseCall("gear_transactions.update", "UPDATE gear_transactions", "transaction_id", t.ID, "status", t.Status, "expected_version", expected)
	res, err := r.exec(ctx, q, query,
		t.Status, t.Window.Start.UTC(), t.Window.End.UTC(), snapshot,
		utcPtr(t.CheckedOutAt), utcPtr(t.CheckedInAt), t.LocationOut, t.LocationIn,
		flagged, t.IsOverdue, t.LateDays, t.LateFee, t.DamageCharge,
		t.CancelReason, utcPtr(t.OverdueNotifiedAt), t.UpdatedAt.UTC(),
		t.ID, expected)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if err := expectOneRow(res, domain.ErrStaleState); err != nil {
		return fmt.Errorf("transaction %s version %d: %w", t.ID, expected, err)
	}
	t.Version = expected + 1
	return nil
}

func (r *transactionRepository) Extend(ctx context.Context, t *domain.Transaction, ext *domain.Extension, change repository.StateChange) error {
	logger.EnterMethod("transactionRepository.Extend", "transaction_id", t.ID, "extension_id", ext.ID)

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		windows, err := r.listWindows(ctx, tx, t.ID, true)
		if err != nil {
			return err
		}
		if len(windows) == 0 {
			return &domain.InvalidTransitionError{From: t.Status, To: t.Status, Reason: "transaction holds no active reservation window"}
		}
		unitIDs := make([]uuid.UUID, 0, len(windows))
		for _, w := range windows {
			if !w.Window.End.Equal(ext.CurrentEnd) {
				return fmt.Errorf("window end moved since extension %s was requested: %w", ext.ID, domain.ErrStaleState)
			}
			unitIDs = append(unitIDs, w.UnitID)
		}
		if err := r.lockUnits(ctx, tx, unitIDs); err != nil {
			return err
		}

		conflicts, err := r.findConflicts(ctx, tx, unitIDs, ext.AddedInterval(), t.ID)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return &domain.ConflictError{Conflicts: conflicts}
		}

		query := `UPDATE reservation_windows SET ends_at = ?, updated_at = ? WHERE transaction_id = ? AND status IN ` + activeWindowStatuses
		if _, err := r.exec(ctx, tx, query, ext.RequestedEnd.UTC(), t.UpdatedAt.UTC(), t.ID); err != nil {
			return fmt.Errorf("failed to extend reservation windows: %w", err)
		}
		if err := r.update(ctx, tx, t, change.ExpectedVersion); err != nil {
			return err
		}
		if err := decideExtension(ctx, r.conn, tx, ext); err != nil {
			return err
		}
		return r.appendChange(ctx, tx, change)
	})
	if err != nil && isExclusionViolation(err) {
		windows, werr := r.listWindows(ctx, r.db, t.ID, true)
		if werr != nil {
			return werr
		}
		unitIDs := make([]uuid.UUID, 0, len(windows))
		for _, w := range windows {
			unitIDs = append(unitIDs, w.UnitID)
		}
		err = r.conflictAfterExclusion(ctx, unitIDs, ext.AddedInterval(), t.ID)
	}
	if err != nil {
		logger.ExitMethodWithError("transactionRepository.Extend", err, "transaction_id", t.ID)
		return err
	}
	logger.ExitMethod("transactionRepository.Extend", "transaction_id", t.ID)
	return nil
}

func (r *transactionRepository) ListCheckedOutEndingBefore(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM gear_transactions
	          WHERE status = ? AND ends_at < ? AND overdue_notified_at IS NULL
	          ORDER BY ends_at LIMIT ?`
	rows, err := r.query(ctx, r.db, query, domain.StatusCheckedOut, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checked out transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// appendChange writes audit events and outbox messages.
func (r *transactionRepository) appendChange(ctx context.Context, q querier, change repository.StateChange) error {
	return appendChange(ctx, r.conn, q, change)
}

func appendChange(ctx context.Context, c *conn, q querier, change repository.StateChange) error {
	for _, e := range change.Events {
		query := `INSERT INTO transaction_events (id, transaction_id, event_type, from_status, to_status, actor_id, forced, detail, created_at)
		          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := c.exec(ctx, q, query, e.ID, e.TransactionID, e.Type, e.FromStatus, e.ToStatus, e.ActorID, e.Forced, e.Detail, e.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to append transaction event: %w", err)
		}
	}
	for _, m := range change.Outbox {
		query := `INSERT INTO notification_outbox (id, event_type, transaction_id, org_id, payload, attempts, last_error, created_at)
		          VALUES (?, ?, ?, ?, ?, 0, '', ?)`
		if _, err := c.exec(ctx, q, query, m.ID, m.Type, m.TransactionID, m.OrgID, string(m.Payload), m.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to enqueue notification: %w", err)
		}
	}
	return nil
}

func encodeSnapshot(p *domain.PolicySnapshot) (any, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := p.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode policy snapshot: %w", err)
	}
	return raw, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		t                                   domain.Transaction
		teamMember, clientOrg, contact      uuid.NullUUID
		listing                             uuid.NullUUID
		snapshot                            sql.NullString
		checkedOut, checkedIn, overdueNoted sql.NullTime
		flagged                             string
	)
	err := row.Scan(
		&t.ID, &t.OrgID, &t.Target.Kind, &t.Target.ID, &teamMember, &clientOrg, &contact, &t.CustodianID,
		&t.Status, &t.Window.Start, &t.Window.End, &snapshot, &listing, &t.Pricing.DailyRate, &t.Pricing.DiscountPercent, &t.Pricing.LateFeePerDay,
		&t.Pricing.DepositHeld, &t.Pricing.TaxRate, &checkedOut, &checkedIn, &t.LocationOut, &t.LocationIn, &flagged, &t.IsOverdue,
		&t.LateDays, &t.LateFee, &t.DamageCharge, &t.CancelReason, &overdueNoted, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Counterparty = domain.Counterparty{
		TeamMemberID: uuidPtr(teamMember),
		ClientOrgID:  uuidPtr(clientOrg),
		ContactID:    uuidPtr(contact),
	}
	t.Pricing.ListingID = uuidPtr(listing)
	t.Window = domain.Interval{Start: t.Window.Start.UTC(), End: t.Window.End.UTC()}
	t.CheckedOutAt = timePtr(checkedOut)
	t.CheckedInAt = timePtr(checkedIn)
	t.OverdueNotifiedAt = timePtr(overdueNoted)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()

	if snapshot.Valid {
		if t.Policy, err = domain.UnmarshalPolicySnapshot(strings.TrimSpace(snapshot.String)); err != nil {
			return nil, err
		}
	}
	if t.FlaggedItems, err = decodeIDs(flagged); err != nil {
		return nil, err
	}
	if len(t.FlaggedItems) == 0 {
		t.FlaggedItems = nil
	}
	return &t, nil
}

func collectTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
