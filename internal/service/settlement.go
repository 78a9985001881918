package service

import (
	"context"
	"errors"
	"fmt"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/logger"
	"gearhouse-backend/internal/repository"

	"github.com/google/uuid"
)

type settlementService struct {
	settlementRepo repository.SettlementRepository
	txnRepo        repository.TransactionRepository
	incidentRepo   repository.IncidentRepository
	ledger         LedgerClient
	now            Clock
}

func NewSettlementService(
	settlementRepo repository.SettlementRepository,
	txnRepo repository.TransactionRepository,
	incidentRepo repository.IncidentRepository,
	ledger LedgerClient,
	clock Clock,
) SettlementService {
	return &settlementService{
		settlementRepo: settlementRepo,
		txnRepo:        txnRepo,
		incidentRepo:   incidentRepo,
		ledger:         ledger,
		now:            clockOrNow(clock),
	}
}

func (s *settlementService) Settle(ctx context.Context, transactionID uuid.UUID) (*domain.SettlementRecord, error) {
	logger.EnterMethod("settlementService.Settle", "transactionID", transactionID)

	rec, err := s.settlementRepo.GetByTransaction(ctx, transactionID)
	switch {
	case err == nil && rec.Status == domain.SettlementPosted:
		logger.ExitMethod("settlementService.Settle", "transactionID", transactionID, "status", rec.Status)
		return rec, nil
	case err == nil:
		// A previous attempt stored the record but never reached the ledger.
	case errors.Is(err, domain.ErrNotFound):
		if rec, err = s.record(ctx, transactionID); err != nil {
			logger.ExitMethodWithError("settlementService.Settle", err)
			return nil, err
		}
	default:
		return nil, err
	}

	if err := s.post(ctx, rec); err != nil {
		logger.ExitMethodWithError("settlementService.Settle", err, "transactionID", transactionID)
		return nil, err
	}
	stored, err := s.settlementRepo.GetByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	logger.ExitMethod("settlementService.Settle", "transactionID", transactionID, "total", stored.Total.StringFixed(2))
	return stored, nil
}

// record computes the settlement of a checked-in transaction and stores it
// as pending. A concurrent caller that won the insert supplies the record.
func (s *settlementService) record(ctx context.Context, transactionID uuid.UUID) (*domain.SettlementRecord, error) {
	t, err := s.txnRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.StatusCheckedIn {
		return nil, &domain.InvalidTransitionError{From: t.Status, To: domain.StatusClosed, Reason: "only checked-in transactions can be settled"}
	}
	incidents, err := s.incidentRepo.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	rec := domain.ComputeSettlement(t, incidents, s.now().UTC())
	err = s.settlementRepo.CreatePending(ctx, rec)
	if errors.Is(err, domain.ErrDuplicateSettlement) {
		logger.InvariantViolation(ctx, "single settlement per transaction", "transactionID", transactionID)
		return s.settlementRepo.GetByTransaction(ctx, transactionID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// post sends the record to the ledger and closes the transaction. The
// ledger deduplicates on the transaction id, so re-posting is safe.
func (s *settlementService) post(ctx context.Context, rec *domain.SettlementRecord) error {
	logger.ExternalServiceCall("ledger", "Post", "transactionID", rec.TransactionID, "amount", rec.Total.StringFixed(2))
	ref, err := s.ledger.Post(ctx, rec.LedgerEntry())
	if err != nil {
		if !errors.Is(err, domain.ErrLedgerUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
		}
		logger.Warn("Settlement left pending", "transactionID", rec.TransactionID, "error", err)
		return err
	}

	t, err := s.txnRepo.GetByID(ctx, rec.TransactionID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	from, expected := t.Status, t.Version
	t.Status = domain.StatusClosed
	// Incidents reported after check-in enter the settlement only.
	t.LateFee = rec.LateFee
	t.DamageCharge = rec.DamageCharge
	t.UpdatedAt = now
	e := newEvent(t, domain.EventClosed, from, nil, now)
	e.Detail = "ledger " + ref
	rec.LedgerRef = ref
	rec.PostedAt = &now

	err = s.settlementRepo.MarkPosted(ctx, rec, t, repository.StateChange{ExpectedVersion: expected, Events: []domain.TransactionEvent{e}})
	if errors.Is(err, domain.ErrStaleState) {
		// Another caller posted first.
		logger.Info("Settlement already posted", "transactionID", rec.TransactionID)
		return nil
	}
	return err
}

func (s *settlementService) GetSettlement(ctx context.Context, actor domain.Actor, transactionID uuid.UUID) (*domain.SettlementRecord, error) {
	t, err := s.txnRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !visible(actor, t) {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, domain.ErrNotFound)
	}
	return s.settlementRepo.GetByTransaction(ctx, transactionID)
}

// RetryPending re-posts settlements the ledger did not accept earlier.
func (s *settlementService) RetryPending(ctx context.Context, limit int) (int, error) {
	pending, err := s.settlementRepo.ListPending(ctx, limit)
	if err != nil {
		return 0, err
	}
	posted := 0
	for i := range pending {
		if err := s.post(ctx, &pending[i]); err != nil {
			if errors.Is(err, domain.ErrLedgerUnavailable) {
				return posted, err
			}
			logger.Error("Failed to post pending settlement", "transactionID", pending[i].TransactionID, "error", err)
			continue
		}
		posted++
	}
	return posted, nil
}
