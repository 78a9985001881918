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

type verificationService struct {
	sessionRepo repository.VerificationRepository
	txnRepo     repository.TransactionRepository
	catalog     CatalogService
	policies    PolicyService
	tokens      LinkTokens
	now         Clock
}

func NewVerificationService(
	sessionRepo repository.VerificationRepository,
	txnRepo repository.TransactionRepository,
	catalog CatalogService,
	policies PolicyService,
	tokens LinkTokens,
	clock Clock,
) VerificationService {
	return &verificationService{
		sessionRepo: sessionRepo,
		txnRepo:     txnRepo,
		catalog:     catalog,
		policies:    policies,
		tokens:      tokens,
		now:         clockOrNow(clock),
	}
}

// openFor loads the transaction behind a new session at gate and returns the
// items the gate must confirm, snapshotted now.
func (s *verificationService) openFor(ctx context.Context, actor domain.Actor, transactionID uuid.UUID, gate domain.Gate) (*domain.Transaction, *domain.PolicySnapshot, []uuid.UUID, error) {
	t, err := s.txnRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := authorizeTransition(ctx, s.policies, actor, t); err != nil {
		return nil, nil, nil, err
	}
	if t.Status != gate.EntryStatus() {
		return nil, nil, nil, &domain.InvalidTransitionError{
			From:   t.Status,
			To:     t.Status,
			Reason: fmt.Sprintf("%s verification opens in status %s", gate, gate.EntryStatus()),
		}
	}
	policy, err := snapshotOf(t)
	if err != nil {
		return nil, nil, nil, err
	}
	unit, err := s.catalog.ResolveUnit(ctx, t.Target)
	if err != nil {
		return nil, nil, nil, err
	}
	return t, policy, unit.VerificationItems(policy.KitVerification, policy.PackageVerification), nil
}

func (s *verificationService) StartSession(ctx context.Context, actor domain.Actor, transactionID uuid.UUID, gate domain.Gate) (*domain.VerificationSession, error) {
	logger.EnterMethod("verificationService.StartSession", "transactionID", transactionID, "gate", gate)

	if _, err := domain.ParseGate(string(gate)); err != nil {
		return nil, err
	}
	_, policy, items, err := s.openFor(ctx, actor, transactionID, gate)
	if err != nil {
		logger.ExitMethodWithError("verificationService.StartSession", err)
		return nil, err
	}
	if gate == domain.GateCheckoutReceiver && !policy.Receiver.Timing.AllowsSync() {
		err := domain.Invalidf("receiver verification for this transaction uses an async link")
		logger.ExitMethodWithError("verificationService.StartSession", err)
		return nil, err
	}
	_, method := policy.GateFor(gate)

	session := &domain.VerificationSession{
		ID:            uuid.New(),
		TransactionID: transactionID,
		Gate:          gate,
		Mode:          domain.ModeForMethod(method),
		Status:        domain.SessionOpen,
		ItemsToVerify: items,
		Events:        []domain.VerificationEvent{},
		CreatedAt:     s.now().UTC(),
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		logger.ExitMethodWithError("verificationService.StartSession", err)
		return nil, err
	}
	logger.ExitMethod("verificationService.StartSession", "sessionID", session.ID, "items", len(items))
	return session, nil
}

func (s *verificationService) IssueLink(ctx context.Context, actor domain.Actor, transactionID uuid.UUID) (*domain.VerificationSession, string, error) {
	logger.EnterMethod("verificationService.IssueLink", "transactionID", transactionID)

	_, policy, items, err := s.openFor(ctx, actor, transactionID, domain.GateCheckoutReceiver)
	if err != nil {
		logger.ExitMethodWithError("verificationService.IssueLink", err)
		return nil, "", err
	}
	if !policy.Receiver.Timing.AllowsAsync() {
		return nil, "", domain.Invalidf("receiver verification for this transaction is same-session only")
	}

	now := s.now().UTC()
	expiresAt := now.Add(policy.AsyncLinkTTL())
	tokenID := uuid.New()
	session := &domain.VerificationSession{
		ID:             uuid.New(),
		TransactionID:  transactionID,
		Gate:           domain.GateCheckoutReceiver,
		Mode:           domain.ModeAsyncLink,
		Status:         domain.SessionOpen,
		ItemsToVerify:  items,
		Events:         []domain.VerificationEvent{},
		TokenID:        &tokenID,
		TokenExpiresAt: &expiresAt,
		CreatedAt:      now,
	}
	token, err := s.tokens.GenerateLinkToken(session.ID, tokenID, expiresAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to sign verification link: %w", err)
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		logger.ExitMethodWithError("verificationService.IssueLink", err)
		return nil, "", err
	}
	logger.ExitMethod("verificationService.IssueLink", "sessionID", session.ID, "expiresAt", expiresAt)
	return session, token, nil
}

// sessionFor loads a session whose transaction the actor may act on.
func (s *verificationService) sessionFor(ctx context.Context, actor domain.Actor, sessionID uuid.UUID) (*domain.VerificationSession, error) {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	t, err := s.txnRepo.GetByID(ctx, session.TransactionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeTransition(ctx, s.policies, actor, t); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *verificationService) RecordItems(ctx context.Context, actor domain.Actor, sessionID uuid.UUID, items []ItemConfirmation) (*domain.VerificationSession, error) {
	logger.EnterMethod("verificationService.RecordItems", "sessionID", sessionID, "items", len(items))

	session, err := s.sessionFor(ctx, actor, sessionID)
	if err != nil {
		logger.ExitMethodWithError("verificationService.RecordItems", err)
		return nil, err
	}
	if session.Mode == domain.ModeAsyncLink {
		return nil, domain.Invalidf("async link sessions are confirmed through the link")
	}
	if session.Status != domain.SessionOpen {
		return nil, fmt.Errorf("verification session %s is %s: %w", sessionID, session.Status, domain.ErrStaleState)
	}
	events, err := toEvents(session, items, actor.UserID.String(), s.now().UTC())
	if err != nil {
		logger.ExitMethodWithError("verificationService.RecordItems", err)
		return nil, err
	}
	if err := s.sessionRepo.AppendEvents(ctx, sessionID, events); err != nil {
		logger.ExitMethodWithError("verificationService.RecordItems", err)
		return nil, err
	}
	logger.ExitMethod("verificationService.RecordItems", "sessionID", sessionID)
	return s.sessionRepo.GetByID(ctx, sessionID)
}

// toEvents validates confirmations against the session's snapshot and mode.
func toEvents(session *domain.VerificationSession, items []ItemConfirmation, by string, at time.Time) ([]domain.VerificationEvent, error) {
	mode := session.Mode
	events := make([]domain.VerificationEvent, 0, len(items))
	for _, item := range items {
		if _, err := domain.ParseItemMethod(string(item.Method)); err != nil {
			return nil, err
		}
		if mode != domain.ModeAsyncLink && !mode.Accepts(item.Method) {
			return nil, domain.Invalidf("%s sessions do not accept %s confirmations", mode, item.Method)
		}
		if !session.Expects(item.ItemID) {
			return nil, domain.Invalidf("item %s is not part of verification session %s", item.ItemID, session.ID)
		}
		events = append(events, domain.VerificationEvent{
			ItemID:     item.ItemID,
			VerifiedAt: at,
			VerifiedBy: by,
			Method:     item.Method,
		})
	}
	return events, nil
}

func (s *verificationService) Complete(ctx context.Context, actor domain.Actor, sessionID uuid.UUID, signatureURL string) (*domain.VerificationSession, error) {
	logger.EnterMethod("verificationService.Complete", "sessionID", sessionID)

	session, err := s.sessionFor(ctx, actor, sessionID)
	if err != nil {
		logger.ExitMethodWithError("verificationService.Complete", err)
		return nil, err
	}
	if session.Mode == domain.ModeAsyncLink {
		return nil, domain.Invalidf("async link sessions are completed through the link")
	}
	if session.Mode == domain.ModeSignature && signatureURL == "" {
		return nil, domain.Invalidf("signature sessions need a signature to complete")
	}
	if err := s.sessionRepo.Complete(ctx, sessionID, actor.UserID.String(), signatureURL, s.now().UTC()); err != nil {
		logger.ExitMethodWithError("verificationService.Complete", err)
		return nil, err
	}
	completed, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	logger.ExitMethod("verificationService.Complete", "sessionID", sessionID, "discrepancies", len(completed.Discrepancies()))
	return completed, nil
}

// linkSession resolves a link token to its session. Token failures surface
// as forbidden; a consumed or expired link as *domain.ExpiredLinkError.
func (s *verificationService) linkSession(ctx context.Context, token string) (*domain.VerificationSession, uuid.UUID, error) {
	sessionID, tokenID, err := s.tokens.ParseLinkToken(token)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%w: %v", domain.ErrForbidden, err)
	}
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if session.TokenID == nil || *session.TokenID != tokenID {
		return nil, uuid.Nil, fmt.Errorf("%w: link does not match session %s", domain.ErrForbidden, sessionID)
	}
	if session.TokenUsedAt != nil || session.IsCompleted() {
		return nil, uuid.Nil, &domain.ExpiredLinkError{SessionID: session.ID, Used: true}
	}
	if now := s.now().UTC(); session.IsExpired(now) {
		if session.Status == domain.SessionOpen {
			if err := s.sessionRepo.MarkExpired(ctx, session.ID); err != nil {
				logger.Warn("Failed to mark verification link expired", "sessionID", session.ID, "error", err)
			}
		}
		expiredAt := now
		if session.TokenExpiresAt != nil {
			expiredAt = *session.TokenExpiresAt
		}
		return nil, uuid.Nil, &domain.ExpiredLinkError{SessionID: session.ID, ExpiredAt: expiredAt}
	}
	return session, tokenID, nil
}

func (s *verificationService) DescribeLink(ctx context.Context, token string) (*domain.VerificationSession, error) {
	session, _, err := s.linkSession(ctx, token)
	return session, err
}

func (s *verificationService) SubmitLink(ctx context.Context, token string, sub LinkSubmission) (*domain.VerificationSession, error) {
	logger.EnterMethod("verificationService.SubmitLink", "items", len(sub.Items))

	session, tokenID, err := s.linkSession(ctx, token)
	if err != nil {
		logger.ExitMethodWithError("verificationService.SubmitLink", err)
		return nil, err
	}
	t, err := s.txnRepo.GetByID(ctx, session.TransactionID)
	if err != nil {
		return nil, err
	}
	policy, err := snapshotOf(t)
	if err != nil {
		return nil, err
	}
	if policy.Receiver.Method == domain.MethodSignature && sub.SignatureURL == "" {
		return nil, domain.Invalidf("the receiver must sign to complete verification")
	}
	by := sub.SubmittedBy
	if by == "" {
		by = "receiver"
	}
	now := s.now().UTC()
	events, err := toEvents(session, sub.Items, by, now)
	if err != nil {
		logger.ExitMethodWithError("verificationService.SubmitLink", err)
		return nil, err
	}

	err = s.sessionRepo.SubmitLink(ctx, session.ID, tokenID, events, by, sub.SignatureURL, now)
	if errors.Is(err, domain.ErrStaleState) {
		err = &domain.ExpiredLinkError{SessionID: session.ID, Used: true}
	}
	if err != nil {
		logger.ExitMethodWithError("verificationService.SubmitLink", err)
		return nil, err
	}
	completed, err := s.sessionRepo.GetByID(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if err := s.mergeReceiverResult(ctx, t, completed, now); err != nil {
		logger.Error("Failed to merge receiver verification into transaction", "transactionID", t.ID, "error", err)
	}
	logger.ExitMethod("verificationService.SubmitLink", "sessionID", session.ID, "discrepancies", len(completed.Discrepancies()))
	return completed, nil
}

// mergeReceiverResult flags receiver discrepancies on a transaction that
// was checked out under a warn policy while the link was outstanding.
func (s *verificationService) mergeReceiverResult(ctx context.Context, t *domain.Transaction, session *domain.VerificationSession, now time.Time) error {
	missing := session.Discrepancies()
	if t.Status != domain.StatusCheckedOut || len(missing) == 0 {
		return nil
	}
	expected := t.Version
	t.FlagItems(missing)
	t.UpdatedAt = now
	e := newEvent(t, domain.EventReceiverVerified, t.Status, nil, now)
	e.Detail = fmt.Sprintf("receiver reported %d missing item(s)", len(missing))
	return s.txnRepo.Save(ctx, t, repository.StateChange{ExpectedVersion: expected, Events: []domain.TransactionEvent{e}})
}

func (s *verificationService) GetSession(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.VerificationSession, error) {
	session, err := s.sessionRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := s.txnRepo.GetByID(ctx, session.TransactionID)
	if err != nil {
		return nil, err
	}
	if !visible(actor, t) {
		return nil, fmt.Errorf("verification session %s: %w", id, domain.ErrNotFound)
	}
	return session, nil
}

func (s *verificationService) ListSessions(ctx context.Context, actor domain.Actor, transactionID uuid.UUID) ([]domain.VerificationSession, error) {
	t, err := s.txnRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !visible(actor, t) {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, domain.ErrNotFound)
	}
	return s.sessionRepo.ListByTransaction(ctx, transactionID)
}

func (s *verificationService) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.sessionRepo.ExpireOpenLinks(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("Expired verification links", "count", n)
	}
	return n, nil
}
