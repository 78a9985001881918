package repository

import (
	"context"
	"time"

	"gearhouse-backend/internal/domain"

	"github.com/google/uuid"
)

// StateChange carries the consequences of a committed state transition. The
// store writes them in the same database transaction as the row update.
type StateChange struct {
	// ExpectedVersion is the transaction version the caller read; the write
	// fails with domain.ErrStaleState when the stored row moved on.
	ExpectedVersion int64
	Events          []domain.TransactionEvent
	Outbox          []domain.OutboxMessage
}

type AssetRepository interface {
	Create(ctx context.Context, asset *domain.Asset) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Asset, error)
	ListByOrg(ctx context.Context, orgID uuid.UUID, page, pageSize int32) ([]domain.Asset, int32, error)
	ListAccessories(ctx context.Context, parentID uuid.UUID) ([]domain.Asset, error)
}

type KitRepository interface {
	CreateTemplate(ctx context.Context, tmpl *domain.KitTemplate) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*domain.KitTemplate, error)
	CreateInstance(ctx context.Context, kit *domain.KitInstance) error
	GetInstance(ctx context.Context, id uuid.UUID) (*domain.KitInstance, error)
}

type PolicyRepository interface {
	// Get returns domain.ErrNotFound for organizations without saved settings.
	Get(ctx context.Context, orgID uuid.UUID) (*domain.OrgPolicy, error)
	Upsert(ctx context.Context, policy *domain.OrgPolicy) error
}

type TransactionRepository interface {
	Create(ctx context.Context, t *domain.Transaction, change StateChange) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	List(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int32, error)
	ListEvents(ctx context.Context, transactionID uuid.UUID) ([]domain.TransactionEvent, error)
	ListWindows(ctx context.Context, transactionID uuid.UUID) ([]domain.ReservationWindow, error)

	// FindConflicts returns active windows on unitIDs overlapping iv, ignoring
	// windows owned by exclude (uuid.Nil excludes nothing).
	FindConflicts(ctx context.Context, unitIDs []uuid.UUID, iv domain.Interval, exclude uuid.UUID) ([]domain.TransactionRef, error)

	// Reserve atomically re-checks availability for unitIDs, inserts one
	// active window per unit and persists t (status reserved, policy
	// snapshot). Returns *domain.ConflictError when a window overlaps.
	Reserve(ctx context.Context, t *domain.Transaction, unitIDs []uuid.UUID, change StateChange) error

	// Save persists the mutable fields of t with a version check and moves
	// the owned windows to the status implied by t.Status.
	Save(ctx context.Context, t *domain.Transaction, change StateChange) error

	// Extend atomically re-checks [current end, ext.RequestedEnd) against
	// other transactions, moves the end of t and its windows, and stores the
	// decided extension.
	Extend(ctx context.Context, t *domain.Transaction, ext *domain.Extension, change StateChange) error

	// ListCheckedOutEndingBefore feeds the overdue job.
	ListCheckedOutEndingBefore(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error)
}

type VerificationRepository interface {
	Create(ctx context.Context, session *domain.VerificationSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.VerificationSession, error)
	ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.VerificationSession, error)
	// AppendEvents merges item confirmations; an item already confirmed
	// keeps its first event.
	AppendEvents(ctx context.Context, sessionID uuid.UUID, events []domain.VerificationEvent) error
	// Complete closes an open session. domain.ErrStaleState when it is no
	// longer open.
	Complete(ctx context.Context, sessionID uuid.UUID, completedBy, signatureURL string, at time.Time) error
	// SubmitLink consumes the single-use token, merges events and completes
	// the session in one database transaction.
	SubmitLink(ctx context.Context, sessionID, tokenID uuid.UUID, events []domain.VerificationEvent, completedBy, signatureURL string, at time.Time) error
	MarkExpired(ctx context.Context, sessionID uuid.UUID) error
	ExpireOpenLinks(ctx context.Context, now time.Time) (int64, error)
}

type IncidentRepository interface {
	Create(ctx context.Context, incident *domain.Incident, change StateChange) error
	ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.Incident, error)
}

type SettlementRepository interface {
	GetByTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.SettlementRecord, error)
	// CreatePending returns domain.ErrDuplicateSettlement if a record for the
	// transaction already exists.
	CreatePending(ctx context.Context, rec *domain.SettlementRecord) error
	// MarkPosted stores the ledger reference and closes t in one database
	// transaction.
	MarkPosted(ctx context.Context, rec *domain.SettlementRecord, t *domain.Transaction, change StateChange) error
	ListPending(ctx context.Context, limit int) ([]domain.SettlementRecord, error)
}

type ExtensionRepository interface {
	Create(ctx context.Context, ext *domain.Extension) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Extension, error)
	ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.Extension, error)
	// Decide records a terminal decision on a pending extension.
	Decide(ctx context.Context, ext *domain.Extension) error
}

type OutboxRepository interface {
	FetchUnpublished(ctx context.Context, limit, maxAttempts int) ([]domain.OutboxMessage, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}
