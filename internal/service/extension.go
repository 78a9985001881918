package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/logger"
	"gearhouse-backend/internal/repository"

	"github.com/google/uuid"
)

type extensionService struct {
	extensionRepo repository.ExtensionRepository
	txnRepo       repository.TransactionRepository
	policies      PolicyService
	now           Clock
}

func NewExtensionService(
	extensionRepo repository.ExtensionRepository,
	txnRepo repository.TransactionRepository,
	policies PolicyService,
	clock Clock,
) ExtensionService {
	return &extensionService{
		extensionRepo: extensionRepo,
		txnRepo:       txnRepo,
		policies:      policies,
		now:           clockOrNow(clock),
	}
}

func (s *extensionService) RequestExtension(ctx context.Context, actor domain.Actor, transactionID uuid.UUID, newEnd time.Time) (*domain.Extension, error) {
	logger.EnterMethod("extensionService.RequestExtension", "transactionID", transactionID, "newEnd", newEnd)

	t, err := s.txnRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeTransition(ctx, s.policies, actor, t); err != nil {
		logger.ExitMethodWithError("extensionService.RequestExtension", err)
		return nil, err
	}
	if !t.Status.HoldsWindow() {
		return nil, &domain.InvalidTransitionError{From: t.Status, To: t.Status, Reason: "only reserved or checked-out transactions can be extended"}
	}
	newEnd = newEnd.UTC().Truncate(time.Microsecond)
	if !newEnd.After(t.Window.End) {
		return nil, domain.Invalidf("new end %s must be after the current end %s", newEnd.Format(time.RFC3339), t.Window.End.Format(time.RFC3339))
	}
	policy, err := snapshotOf(t)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ext := &domain.Extension{
		ID:            uuid.New(),
		TransactionID: t.ID,
		CurrentEnd:    t.Window.End,
		RequestedEnd:  newEnd,
		Status:        domain.ExtensionPending,
		RequestedBy:   actor.UserID,
		CreatedAt:     now,
	}
	if err := s.extensionRepo.Create(ctx, ext); err != nil {
		logger.ExitMethodWithError("extensionService.RequestExtension", err)
		return nil, err
	}

	if policy.Extension.Mode != domain.ExtensionAutoExtend || ext.AddedDays() > policy.Extension.AutoMaxDays {
		logger.ExitMethod("extensionService.RequestExtension", "extensionID", ext.ID, "status", ext.Status)
		return ext, nil
	}

	err = s.apply(ctx, t, ext, domain.ExtensionAutoApproved, nil)
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		// Auto mode answers synchronously, so a conflict denies the request.
		denied := *ext
		denied.Status = domain.ExtensionDenied
		denied.DecidedAt = &now
		denied.Reason = conflict.Error()
		if derr := s.extensionRepo.Decide(ctx, &denied); derr != nil {
			logger.Error("Failed to record denied extension", "extensionID", ext.ID, "error", derr)
		}
		logger.ExitMethodWithError("extensionService.RequestExtension", err, "extensionID", ext.ID)
		return nil, err
	}
	if err != nil {
		logger.ExitMethodWithError("extensionService.RequestExtension", err)
		return nil, err
	}
	logger.ExitMethod("extensionService.RequestExtension", "extensionID", ext.ID, "status", ext.Status)
	return ext, nil
}

// apply re-checks the added range and moves the window end. On a conflict
// ext is left pending.
func (s *extensionService) apply(ctx context.Context, t *domain.Transaction, ext *domain.Extension, status domain.ExtensionStatus, decidedBy *domain.Actor) error {
	now := s.now().UTC()
	decided := *ext
	decided.Status = status
	decided.DecidedAt = &now
	if decidedBy != nil {
		id := decidedBy.UserID
		decided.DecidedBy = &id
	}

	expected := t.Version
	updated := *t
	updated.Window.End = ext.RequestedEnd
	updated.UpdatedAt = now
	e := newEvent(&updated, domain.EventExtended, t.Status, decidedBy, now)
	e.Detail = fmt.Sprintf("end %s -> %s (%s)", ext.CurrentEnd.Format(time.RFC3339), ext.RequestedEnd.Format(time.RFC3339), status)

	if err := s.txnRepo.Extend(ctx, &updated, &decided, repository.StateChange{ExpectedVersion: expected, Events: []domain.TransactionEvent{e}}); err != nil {
		return err
	}
	*t = updated
	*ext = decided
	return nil
}

func (s *extensionService) decisionFor(ctx context.Context, actor domain.Actor, extensionID uuid.UUID) (*domain.Extension, *domain.Transaction, error) {
	ext, err := s.extensionRepo.GetByID(ctx, extensionID)
	if err != nil {
		return nil, nil, err
	}
	t, err := s.txnRepo.GetByID(ctx, ext.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	if actor.OrgID != t.OrgID {
		return nil, nil, fmt.Errorf("extension %s: %w", extensionID, domain.ErrNotFound)
	}
	if !actor.Role.IsAdmin() {
		return nil, nil, fmt.Errorf("%w: extensions are decided by owners and admins", domain.ErrForbidden)
	}
	if ext.Status.IsFinal() {
		return nil, nil, fmt.Errorf("extension %s already %s: %w", ext.ID, ext.Status, domain.ErrStaleState)
	}
	return ext, t, nil
}

func (s *extensionService) ApproveExtension(ctx context.Context, actor domain.Actor, extensionID uuid.UUID) (*domain.Extension, error) {
	logger.EnterMethod("extensionService.ApproveExtension", "extensionID", extensionID)

	ext, t, err := s.decisionFor(ctx, actor, extensionID)
	if err != nil {
		logger.ExitMethodWithError("extensionService.ApproveExtension", err)
		return nil, err
	}
	if !t.Status.HoldsWindow() {
		return nil, &domain.InvalidTransitionError{From: t.Status, To: t.Status, Reason: "transaction no longer holds its reservation window"}
	}
	if err := s.apply(ctx, t, ext, domain.ExtensionApproved, &actor); err != nil {
		logger.ExitMethodWithError("extensionService.ApproveExtension", err, "extensionID", extensionID)
		return nil, err
	}
	logger.ExitMethod("extensionService.ApproveExtension", "extensionID", extensionID, "newEnd", t.Window.End)
	return ext, nil
}

func (s *extensionService) DenyExtension(ctx context.Context, actor domain.Actor, extensionID uuid.UUID, reason string) (*domain.Extension, error) {
	ext, _, err := s.decisionFor(ctx, actor, extensionID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	id := actor.UserID
	ext.Status = domain.ExtensionDenied
	ext.DecidedBy = &id
	ext.DecidedAt = &now
	ext.Reason = reason
	if err := s.extensionRepo.Decide(ctx, ext); err != nil {
		return nil, err
	}
	return ext, nil
}

func (s *extensionService) ListExtensions(ctx context.Context, actor domain.Actor, transactionID uuid.UUID) ([]domain.Extension, error) {
	t, err := s.txnRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !visible(actor, t) {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, domain.ErrNotFound)
	}
	return s.extensionRepo.ListByTransaction(ctx, transactionID)
}
