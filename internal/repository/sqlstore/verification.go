package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/repository"

	"github.com/google/uuid"
)

type verificationRepository struct {
	*conn
}

func NewVerificationRepository(c *conn) repository.VerificationRepository {
	return &verificationRepository{conn: c}
}

const sessionColumns = `id, transaction_id, gate, mode, status, items_to_verify, signature_url, token_id,
	token_expires_at, token_used_at, completed_at, completed_by, created_at`

func (r *verificationRepository) Create(ctx context.Context, s *domain.VerificationSession) error {
	items, err := encodeIDs(s.ItemsToVerify)
	if err != nil {
		return err
	}
	query := `INSERT INTO verification_sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.exec(ctx, r.db, query,
		s.ID, s.TransactionID, s.Gate, s.Mode, s.Status, items, s.SignatureURL, s.TokenID,
		utcPtr(s.TokenExpiresAt), utcPtr(s.TokenUsedAt), utcPtr(s.CompletedAt), s.CompletedBy, s.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create verification session: %w", err)
	}
	return nil
}

func (r *verificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.VerificationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM verification_sessions WHERE id = ?`
	s, err := scanSession(r.queryRow(ctx, r.db, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verification session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification session: %w", err)
	}
	events, err := r.listEvents(ctx, []uuid.UUID{s.ID})
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		s.Events = append(s.Events, e.VerificationEvent)
	}
	return s, nil
}

func (r *verificationRepository) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.VerificationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM verification_sessions WHERE transaction_id = ? ORDER BY created_at, id`
	rows, err := r.query(ctx, r.db, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list verification sessions: %w", err)
	}
	var sessions []domain.VerificationSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan verification session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Close before the next query: sqlite runs on a single connection.
	rows.Close()

	if len(sessions) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(sessions))
	for i := range sessions {
		ids[i] = sessions[i].ID
	}
	events, err := r.listEvents(ctx, ids)
	if err != nil {
		return nil, err
	}
	bySession := make(map[uuid.UUID][]domain.VerificationEvent)
	for _, e := range events {
		bySession[e.sessionID] = append(bySession[e.sessionID], e.VerificationEvent)
	}
	for i := range sessions {
		sessions[i].Events = bySession[sessions[i].ID]
	}
	return sessions, nil
}

type sessionEvent struct {
	sessionID uuid.UUID
	domain.VerificationEvent
}

func (r *verificationRepository) listEvents(ctx context.Context, sessionIDs []uuid.UUID) ([]sessionEvent, error) {
	query := `SELECT session_id, item_id, verified_at, verified_by, method FROM verification_events
	          WHERE session_id IN (` + placeholders(len(sessionIDs)) + `) ORDER BY verified_at, item_id`
	rows, err := r.query(ctx, r.db, query, uuidArgs(sessionIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list verification events: %w", err)
	}
	defer rows.Close()

	var out []sessionEvent
	for rows.Next() {
		var e sessionEvent
		if err := rows.Scan(&e.sessionID, &e.ItemID, &e.VerifiedAt, &e.VerifiedBy, &e.Method); err != nil {
			return nil, fmt.Errorf("failed to scan verification event: %w", err)
		}
		e.VerifiedAt = e.VerifiedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *verificationRepository) AppendEvents(ctx context.Context, sessionID uuid.UUID, events []domain.VerificationEvent) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.appendEvents(ctx, tx, sessionID, events)
	})
}

// appendEvents merges confirmations; concurrent scanners never overwrite
// each other because every item is its own row.
func (r *verificationRepository) appendEvents(ctx context.Context, q querier, sessionID uuid.UUID, events []domain.VerificationEvent) error {
	for _, e := range events {
		query := `INSERT INTO verification_events (session_id, item_id, verified_at, verified_by, method)
		          VALUES (?, ?, ?, ?, ?) ON CONFLICT (session_id, item_id) DO NOTHING`
		if _, err := r.exec(ctx, q, query, sessionID, e.ItemID, e.VerifiedAt.UTC(), e.VerifiedBy, e.Method); err != nil {
			return fmt.Errorf("failed to record verification event: %w", err)
		}
	}
	return nil
}

func (r *verificationRepository) Complete(ctx context.Context, sessionID uuid.UUID, completedBy, signatureURL string, at time.Time) error {
	return r.complete(ctx, r.db, sessionID, completedBy, signatureURL, at)
}

func (r *verificationRepository) complete(ctx context.Context, q querier, sessionID uuid.UUID, completedBy, signatureURL string, at time.Time) error {
	query := `UPDATE verification_sessions SET status = ?, completed_at = ?, completed_by = ?, signature_url = ?
	          WHERE id = ? AND status = ?`
	res, err := r.exec(ctx, q, query, domain.SessionCompleted, at.UTC(), completedBy, signatureURL, sessionID, domain.SessionOpen)
	if err != nil {
		return fmt.Errorf("failed to complete verification session: %w", err)
	}
	if err := expectOneRow(res, domain.ErrStaleState); err != nil {
		return fmt.Errorf("verification session %s is not open: %w", sessionID, err)
	}
	return nil
}

func (r *verificationRepository) SubmitLink(ctx context.Context, sessionID, tokenID uuid.UUID, events []domain.VerificationEvent, completedBy, signatureURL string, at time.Time) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE verification_sessions SET token_used_at = ?
		          WHERE id = ? AND token_id = ? AND token_used_at IS NULL AND status = ?`
		res, err := r.exec(ctx, tx, query, at.UTC(), sessionID, tokenID, domain.SessionOpen)
		if err != nil {
			return fmt.Errorf("failed to consume verification link: %w", err)
		}
		if err := expectOneRow(res, domain.ErrStaleState); err != nil {
			return fmt.Errorf("verification link for session %s already used: %w", sessionID, err)
		}
		if err := r.appendEvents(ctx, tx, sessionID, events); err != nil {
			return err
		}
		return r.complete(ctx, tx, sessionID, completedBy, signatureURL, at)
	})
}

func (r *verificationRepository) MarkExpired(ctx context.Context, sessionID uuid.UUID) error {
	query := `UPDATE verification_sessions SET status = ? WHERE id = ? AND status = ?`
	if _, err := r.exec(ctx, r.db, query, domain.SessionExpired, sessionID, domain.SessionOpen); err != nil {
		return fmt.Errorf("failed to expire verification session: %w", err)
	}
	return nil
}

func (r *verificationRepository) ExpireOpenLinks(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE verification_sessions SET status = ?
	          WHERE status = ? AND mode = ? AND token_expires_at IS NOT NULL AND token_expires_at <= ?`
	res, err := r.exec(ctx, r.db, query, domain.SessionExpired, domain.SessionOpen, domain.ModeAsyncLink, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire verification links: %w", err)
	}
	return res.RowsAffected()
}

func scanSession(row rowScanner) (*domain.VerificationSession, error) {
	var (
		s                              domain.VerificationSession
		items                          string
		tokenID                        uuid.NullUUID
		expiresAt, usedAt, completedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.TransactionID, &s.Gate, &s.Mode, &s.Status, &items, &s.SignatureURL, &tokenID,
		&expiresAt, &usedAt, &completedAt, &s.CompletedBy, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if s.ItemsToVerify, err = decodeIDs(items); err != nil {
		return nil, err
	}
	s.TokenID = uuidPtr(tokenID)
	s.TokenExpiresAt = timePtr(expiresAt)
	s.TokenUsedAt = timePtr(usedAt)
	s.CompletedAt = timePtr(completedAt)
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}
