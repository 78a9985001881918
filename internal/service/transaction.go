package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/logger"
	"gearhouse-backend/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type transactionService struct {
	txnRepo      repository.TransactionRepository
	sessionRepo  repository.VerificationRepository
	incidentRepo repository.IncidentRepository
	catalog      CatalogService
	policies     PolicyService
	settlements  SettlementService
	listings     ListingProvider
	now          Clock
}

func NewTransactionService(
	txnRepo repository.TransactionRepository,
	sessionRepo repository.VerificationRepository,
	incidentRepo repository.IncidentRepository,
	catalog CatalogService,
	policies PolicyService,
	settlements SettlementService,
	listings ListingProvider,
	clock Clock,
) TransactionService {
	return &transactionService{
		txnRepo:      txnRepo,
		sessionRepo:  sessionRepo,
		incidentRepo: incidentRepo,
		catalog:      catalog,
		policies:     policies,
		settlements:  settlements,
		listings:     listings,
		now:          clockOrNow(clock),
	}
}

func (s *transactionService) Create(ctx context.Context, actor domain.Actor, req CreateTransactionRequest) (*domain.Transaction, error) {
	logger.EnterMethod("transactionService.Create", "orgID", actor.OrgID, "target", req.Target.ID)

	t, _, err := s.build(ctx, actor, req)
	if err != nil {
		logger.ExitMethodWithError("transactionService.Create", err)
		return nil, err
	}
	change := repository.StateChange{
		Events: []domain.TransactionEvent{newEvent(t, domain.EventCreated, "", &actor, t.CreatedAt)},
	}
	if err := s.txnRepo.Create(ctx, t, change); err != nil {
		logger.ExitMethodWithError("transactionService.Create", err)
		return nil, err
	}
	logger.ExitMethod("transactionService.Create", "transactionID", t.ID)
	return t, nil
}

// build validates a request and assembles a pending transaction with its
// pricing snapshot.
func (s *transactionService) build(ctx context.Context, actor domain.Actor, req CreateTransactionRequest) (*domain.Transaction, *domain.Unit, error) {
	if err := req.Target.Validate(); err != nil {
		return nil, nil, err
	}
	if err := req.Counterparty.Validate(); err != nil {
		return nil, nil, err
	}
	iv, err := domain.NewInterval(req.Start, req.End)
	if err != nil {
		return nil, nil, err
	}
	unit, err := s.catalog.ResolveUnit(ctx, req.Target)
	if err != nil {
		return nil, nil, err
	}
	policy, err := s.policies.GetPolicy(ctx, unit.OrgID)
	if err != nil {
		return nil, nil, err
	}

	pricing := domain.PricingSnapshot{
		DailyRate:       req.DailyRate,
		DiscountPercent: req.DiscountPercent,
		LateFeePerDay:   policy.LateFeePerDay,
		DepositHeld:     policy.DepositAmount,
		TaxRate:         policy.TaxRate,
	}
	if req.ListingID != nil {
		listing, err := getListing(ctx, s.listings, *req.ListingID)
		if err != nil {
			return nil, nil, err
		}
		if err := checkListing(listing, actor, unit, req, iv); err != nil {
			return nil, nil, err
		}
		id := listing.ID
		pricing.ListingID = &id
		pricing.DailyRate = listing.DailyRate
		pricing.DiscountPercent = listing.DiscountPercent
		if listing.DepositAmount.IsPositive() {
			pricing.DepositHeld = listing.DepositAmount
		}
		if listing.LateFeePerDay.IsPositive() {
			pricing.LateFeePerDay = listing.LateFeePerDay
		}
	} else if unit.OrgID != actor.OrgID {
		return nil, nil, fmt.Errorf("%s %s: %w", req.Target.Kind, req.Target.ID, domain.ErrNotFound)
	}
	if pricing.DailyRate.IsNegative() {
		return nil, nil, domain.Invalidf("daily rate cannot be negative")
	}
	if pricing.DiscountPercent.IsNegative() || pricing.DiscountPercent.GreaterThan(hundred) {
		return nil, nil, domain.Invalidf("discount percent must be between 0 and 100")
	}

	custodian := req.CustodianID
	if custodian == uuid.Nil {
		custodian = actor.UserID
	}
	now := s.now().UTC()
	t := &domain.Transaction{
		ID:           uuid.New(),
		OrgID:        unit.OrgID,
		Target:       req.Target,
		Counterparty: req.Counterparty,
		CustodianID:  custodian,
		Status:       domain.StatusPending,
		Window:       iv,
		Pricing:      pricing,
		LateFee:      decimal.Zero,
		DamageCharge: decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return t, unit, nil
}

// checkListing applies the marketplace rules: an active listing for the
// same unit, rented to a client organization, outside blackout dates.
func checkListing(listing *domain.Listing, actor domain.Actor, unit *domain.Unit, req CreateTransactionRequest, iv domain.Interval) error {
	if !listing.Active {
		return domain.Invalidf("listing %s is not active", listing.ID)
	}
	if listing.Target != req.Target || listing.OwnerOrgID != unit.OrgID {
		return domain.Invalidf("listing %s does not offer %s %s", listing.ID, req.Target.Kind, req.Target.ID)
	}
	client := req.Counterparty.ClientOrgID
	if client == nil {
		return domain.Invalidf("marketplace rentals need a client organization counterparty")
	}
	if actor.OrgID != listing.OwnerOrgID && actor.OrgID != *client {
		return domain.ErrForbidden
	}
	if blackouts := listing.BlackoutsOverlapping(iv); len(blackouts) > 0 {
		return &domain.ConflictError{Blackouts: blackouts}
	}
	return nil
}

func (s *transactionService) Reserve(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Transaction, error) {
	logger.EnterMethod("transactionService.Reserve", "transactionID", id)

	t, err := s.txnRepo.GetByID(ctx, id)
	if err != nil {
		logger.ExitMethodWithError("transactionService.Reserve", err)
		return nil, err
	}
	if err := authorizeTransition(ctx, s.policies, actor, t); err != nil {
		logger.ExitMethodWithError("transactionService.Reserve", err)
		return nil, err
	}
	if err := domain.CheckTransition(t.Status, domain.StatusReserved); err != nil {
		logger.ExitMethodWithError("transactionService.Reserve", err)
		return nil, err
	}
	unit, err := s.catalog.ResolveUnit(ctx, t.Target)
	if err != nil {
		return nil, err
	}
	if t.Pricing.ListingID != nil {
		listing, err := getListing(ctx, s.listings, *t.Pricing.ListingID)
		if err != nil {
			return nil, err
		}
		if blackouts := listing.BlackoutsOverlapping(t.Window); len(blackouts) > 0 {
			return nil, &domain.ConflictError{Blackouts: blackouts}
		}
	}

	expected := t.Version
	events, err := s.applyReserve(ctx, actor, t)
	if err != nil {
		return nil, err
	}
	if err := s.txnRepo.Reserve(ctx, t, unit.HeldIDs, repository.StateChange{ExpectedVersion: expected, Events: events}); err != nil {
		logger.ExitMethodWithError("transactionService.Reserve", err, "transactionID", id)
		return nil, err
	}
	logger.ExitMethod("transactionService.Reserve", "transactionID", id, "version", t.Version)
	return t, nil
}

func (s *transactionService) RequestReservation(ctx context.Context, actor domain.Actor, req CreateTransactionRequest) (*domain.Transaction, error) {
	logger.EnterMethod("transactionService.RequestReservation", "orgID", actor.OrgID, "target", req.Target.ID)

	t, unit, err := s.build(ctx, actor, req)
	if err != nil {
		logger.ExitMethodWithError("transactionService.RequestReservation", err)
		return nil, err
	}
	if err := authorizeTransition(ctx, s.policies, actor, t); err != nil {
		logger.ExitMethodWithError("transactionService.RequestReservation", err)
		return nil, err
	}
	created := newEvent(t, domain.EventCreated, "", &actor, t.CreatedAt)
	events, err := s.applyReserve(ctx, actor, t)
	if err != nil {
		return nil, err
	}
	change := repository.StateChange{Events: append([]domain.TransactionEvent{created}, events...)}
	if err := s.txnRepo.Reserve(ctx, t, unit.HeldIDs, change); err != nil {
		logger.ExitMethodWithError("transactionService.RequestReservation", err)
		return nil, err
	}
	logger.ExitMethod("transactionService.RequestReservation", "transactionID", t.ID)
	return t, nil
}

// applyReserve moves t to reserved and copies the organization's current
// policy onto it. Later policy edits do not reach the copy.
func (s *transactionService) applyReserve(ctx context.Context, actor domain.Actor, t *domain.Transaction) ([]domain.TransactionEvent, error) {
	policy, err := s.policies.GetPolicy(ctx, t.OrgID)
	if err != nil {
		return nil, err
	}
	snapshot := policy.PolicySnapshot
	from := t.Status
	t.Policy = &snapshot
	t.Status = domain.StatusReserved
	t.UpdatedAt = s.now().UTC()
	return []domain.TransactionEvent{newEvent(t, domain.EventReserved, from, &actor, t.UpdatedAt)}, nil
}

func (s *transactionService) Checkout(ctx context.Context, actor domain.Actor, id uuid.UUID, opts TransitionOptions) (*domain.Transaction, error) {
	logger.EnterMethod("transactionService.Checkout", "transactionID", id, "force", opts.Force)

	t, policy, err := s.loadForTransition(ctx, actor, id, domain.StatusCheckedOut, opts.Force)
	if err != nil {
		logger.ExitMethodWithError("transactionService.Checkout", err)
		return nil, err
	}
	sessions, err := s.sessionRepo.ListByTransaction(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	sender, err := domain.EvaluateGate(domain.GateCheckoutSender, policy.Checkout.Required, policy.DiscrepancyAction,
		latestSession(sessions, domain.GateCheckoutSender, false), opts.Force)
	if err != nil {
		logger.ExitMethodWithError("transactionService.Checkout", err)
		return nil, err
	}

	async := latestSession(sessions, domain.GateCheckoutReceiver, true)
	if async != nil && async.Status == domain.SessionOpen && async.IsExpired(now) {
		if err := s.sessionRepo.MarkExpired(ctx, async.ID); err != nil {
			logger.Warn("Failed to mark verification link expired", "sessionID", async.ID, "error", err)
		}
	}
	receiver, err := domain.EvaluateReceiverGate(policy.Receiver, policy.DiscrepancyAction,
		latestSession(sessions, domain.GateCheckoutReceiver, false), async, now, opts.Force)
	if err != nil {
		logger.ExitMethodWithError("transactionService.Checkout", err)
		return nil, err
	}

	from, expected := t.Status, t.Version
	t.FlagItems(sender.Flagged)
	t.FlagItems(receiver.Flagged)
	t.Status = domain.StatusCheckedOut
	t.CheckedOutAt = &now
	t.LocationOut = opts.Location
	t.UpdatedAt = now

	events := transitionEvents(t, domain.EventCheckedOut, from, actor, now, sender, receiver)
	msg, err := notification(t, domain.NotifyCheckout, map[string]any{"receiver_deferred": receiver.Deferred}, now)
	if err != nil {
		return nil, err
	}
	change := repository.StateChange{ExpectedVersion: expected, Events: events, Outbox: []domain.OutboxMessage{msg}}
	if err := s.txnRepo.Save(ctx, t, change); err != nil {
		logger.ExitMethodWithError("transactionService.Checkout", err)
		return nil, err
	}
	logger.ExitMethod("transactionService.Checkout", "transactionID", id, "flagged", len(t.FlaggedItems))
	return t, nil
}

func (s *transactionService) Checkin(ctx context.Context, actor domain.Actor, id uuid.UUID, opts TransitionOptions) (*domain.Transaction, error) {
	logger.EnterMethod("transactionService.Checkin", "transactionID", id, "force", opts.Force)

	t, policy, err := s.loadForTransition(ctx, actor, id, domain.StatusCheckedIn, opts.Force)
	if err != nil {
		logger.ExitMethodWithError("transactionService.Checkin", err)
		return nil, err
	}
	sessions, err := s.sessionRepo.ListByTransaction(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	decision, err := domain.EvaluateGate(domain.GateCheckin, policy.Checkin.Required, policy.DiscrepancyAction,
		latestSession(sessions, domain.GateCheckin, false), opts.Force)
	if err != nil {
		logger.ExitMethodWithError("transactionService.Checkin", err)
		return nil, err
	}
	incidents, err := s.incidentRepo.ListByTransaction(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	overdue, lateDays := domain.ComputeLateness(t.Window.End, now, policy.GracePeriod())
	from, expected := t.Status, t.Version
	t.FlagItems(decision.Flagged)
	t.Status = domain.StatusCheckedIn
	t.CheckedInAt = &now
	t.LocationIn = opts.Location
	t.IsOverdue = overdue
	t.LateDays = lateDays
	t.LateFee = domain.LateFee(t.Pricing.LateFeePerDay, lateDays)
	t.DamageCharge = domain.DamageCharge(t.ID, incidents)
	t.UpdatedAt = now

	events := transitionEvents(t, domain.EventCheckedIn, from, actor, now, decision)
	outbox := make([]domain.OutboxMessage, 0, 2)
	msg, err := notification(t, domain.NotifyCheckin, map[string]any{"late_days": lateDays}, now)
	if err != nil {
		return nil, err
	}
	outbox = append(outbox, msg)
	if overdue && t.OverdueNotifiedAt == nil {
		late, err := notification(t, domain.NotifyLateReturn, map[string]any{"late_days": lateDays, "late_fee": t.LateFee.StringFixed(2)}, now)
		if err != nil {
			return nil, err
		}
		t.OverdueNotifiedAt = &now
		outbox = append(outbox, late)
	}

	change := repository.StateChange{ExpectedVersion: expected, Events: events, Outbox: outbox}
	if err := s.txnRepo.Save(ctx, t, change); err != nil {
		logger.ExitMethodWithError("transactionService.Checkin", err)
		return nil, err
	}
	logger.ExitMethod("transactionService.Checkin", "transactionID", id, "overdue", overdue, "lateDays", lateDays)
	return t, nil
}

// loadForTransition loads a transaction the actor may move to target and
// returns its policy snapshot. Forcing a gate is limited to owners and
// admins.
func (s *transactionService) loadForTransition(ctx context.Context, actor domain.Actor, id uuid.UUID, target domain.TransactionStatus, force bool) (*domain.Transaction, *domain.PolicySnapshot, error) {
	t, err := s.txnRepo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := authorizeTransition(ctx, s.policies, actor, t); err != nil {
		return nil, nil, err
	}
	if force && !actor.Role.IsAdmin() {
		return nil, nil, fmt.Errorf("%w: force override requires an owner or admin", domain.ErrForbidden)
	}
	if err := domain.CheckTransition(t.Status, target); err != nil {
		return nil, nil, err
	}
	policy, err := snapshotOf(t)
	if err != nil {
		return nil, nil, err
	}
	return t, policy, nil
}

// transitionEvents records the transition and, when a warn-level gate was
// forced, a separate override event naming the gates.
func transitionEvents(t *domain.Transaction, typ domain.EventType, from domain.TransactionStatus, actor domain.Actor, at time.Time, decisions ...domain.GateDecision) []domain.TransactionEvent {
	var forced, flagged []string
	for _, d := range decisions {
		if d.Forced {
			forced = append(forced, string(d.Gate))
		}
		if len(d.Flagged) > 0 {
			flagged = append(flagged, fmt.Sprintf("%s:%d", d.Gate, len(d.Flagged)))
		}
	}
	e := newEvent(t, typ, from, &actor, at)
	e.Forced = len(forced) > 0
	if len(flagged) > 0 {
		e.Detail = "discrepancies " + strings.Join(flagged, ",")
	}
	events := []domain.TransactionEvent{e}
	if e.Forced {
		o := newEvent(t, domain.EventForceOverride, from, &actor, at)
		o.Forced = true
		o.Detail = "gates " + strings.Join(forced, ",")
		events = append(events, o)
	}
	return events
}

func (s *transactionService) Close(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Transaction, *domain.SettlementRecord, error) {
	logger.EnterMethod("transactionService.Close", "transactionID", id)

	t, err := s.txnRepo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := authorizeTransition(ctx, s.policies, actor, t); err != nil {
		logger.ExitMethodWithError("transactionService.Close", err)
		return nil, nil, err
	}
	if t.Status != domain.StatusClosed {
		if err := domain.CheckTransition(t.Status, domain.StatusClosed); err != nil {
			logger.ExitMethodWithError("transactionService.Close", err)
			return nil, nil, err
		}
	}
	rec, err := s.settlements.Settle(ctx, id)
	if err != nil {
		logger.ExitMethodWithError("transactionService.Close", err)
		return nil, nil, err
	}
	if t, err = s.txnRepo.GetByID(ctx, id); err != nil {
		return nil, nil, err
	}
	logger.ExitMethod("transactionService.Close", "transactionID", id, "total", rec.Total.StringFixed(2))
	return t, rec, nil
}

func (s *transactionService) Cancel(ctx context.Context, actor domain.Actor, id uuid.UUID, reason string) (*domain.Transaction, error) {
	logger.EnterMethod("transactionService.Cancel", "transactionID", id)

	t, err := s.txnRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeTransition(ctx, s.policies, actor, t); err != nil {
		logger.ExitMethodWithError("transactionService.Cancel", err)
		return nil, err
	}
	if err := domain.CheckTransition(t.Status, domain.StatusCancelled); err != nil {
		logger.ExitMethodWithError("transactionService.Cancel", err)
		return nil, err
	}

	from, expected := t.Status, t.Version
	now := s.now().UTC()
	t.Status = domain.StatusCancelled
	t.CancelReason = reason
	t.UpdatedAt = now
	e := newEvent(t, domain.EventCancelled, from, &actor, now)
	e.Detail = reason
	if err := s.txnRepo.Save(ctx, t, repository.StateChange{ExpectedVersion: expected, Events: []domain.TransactionEvent{e}}); err != nil {
		logger.ExitMethodWithError("transactionService.Cancel", err)
		return nil, err
	}
	logger.ExitMethod("transactionService.Cancel", "transactionID", id)
	return t, nil
}

func (s *transactionService) Get(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Transaction, error) {
	t, err := s.txnRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visible(actor, t) {
		return nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (s *transactionService) List(ctx context.Context, actor domain.Actor, status string, page, pageSize int32) ([]domain.Transaction, int32, error) {
	filter := domain.TransactionFilter{OrgID: actor.OrgID}
	if status != "" {
		st, err := domain.ParseTransactionStatus(status)
		if err != nil {
			return nil, 0, err
		}
		filter.Status = st
	}
	filter.Page, filter.PageSize = normalizePage(page, pageSize)
	return s.txnRepo.List(ctx, filter)
}

func (s *transactionService) History(ctx context.Context, actor domain.Actor, id uuid.UUID) ([]domain.TransactionEvent, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.txnRepo.ListEvents(ctx, id)
}

func (s *transactionService) ReportIncident(ctx context.Context, actor domain.Actor, id uuid.UUID, req IncidentRequest) (*domain.Incident, error) {
	logger.EnterMethod("transactionService.ReportIncident", "transactionID", id, "assetID", req.AssetID)

	t, err := s.txnRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.OrgID != t.OrgID {
		return nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	switch t.Status {
	case domain.StatusReserved, domain.StatusCheckedOut, domain.StatusCheckedIn:
	default:
		return nil, &domain.InvalidTransitionError{From: t.Status, To: t.Status, Reason: "incidents can only be reported while gear is held or awaiting settlement"}
	}
	if _, err := domain.ParseIncidentStage(string(req.Stage)); err != nil {
		return nil, err
	}
	if req.CostEstimate.IsNegative() {
		return nil, domain.Invalidf("cost estimate cannot be negative")
	}
	unit, err := s.catalog.ResolveUnit(ctx, t.Target)
	if err != nil {
		return nil, err
	}
	if !containsID(unit.HeldIDs, req.AssetID) {
		return nil, domain.Invalidf("asset %s is not part of transaction %s", req.AssetID, id)
	}

	now := s.now().UTC()
	inc := &domain.Incident{
		ID:            uuid.New(),
		TransactionID: t.ID,
		AssetID:       req.AssetID,
		Stage:         req.Stage,
		Description:   req.Description,
		CostEstimate:  req.CostEstimate.Round(2),
		ReportedBy:    actor.UserID,
		CreatedAt:     now,
	}
	e := newEvent(t, domain.EventIncidentReported, t.Status, &actor, now)
	e.Detail = fmt.Sprintf("%s incident on %s, estimate %s", inc.Stage, inc.AssetID, inc.CostEstimate.StringFixed(2))
	msg, err := notification(t, domain.NotifyDamageFound, map[string]any{
		"incident_id":   inc.ID,
		"asset_id":      inc.AssetID,
		"stage":         inc.Stage,
		"cost_estimate": inc.CostEstimate.StringFixed(2),
	}, now)
	if err != nil {
		return nil, err
	}
	change := repository.StateChange{Events: []domain.TransactionEvent{e}, Outbox: []domain.OutboxMessage{msg}}
	if err := s.incidentRepo.Create(ctx, inc, change); err != nil {
		logger.ExitMethodWithError("transactionService.ReportIncident", err)
		return nil, err
	}
	logger.ExitMethod("transactionService.ReportIncident", "incidentID", inc.ID)
	return inc, nil
}

func (s *transactionService) FlagOverdue(ctx context.Context, limit int) (int, error) {
	now := s.now().UTC()
	candidates, err := s.txnRepo.ListCheckedOutEndingBefore(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	flagged := 0
	for i := range candidates {
		t := &candidates[i]
		grace := time.Duration(0)
		if t.Policy != nil {
			grace = t.Policy.GracePeriod()
		}
		if !now.After(t.Window.End.Add(grace)) {
			continue
		}
		expected := t.Version
		t.IsOverdue = true
		t.OverdueNotifiedAt = &now
		t.UpdatedAt = now
		e := newEvent(t, domain.EventOverdueFlagged, t.Status, nil, now)
		msg, err := notification(t, domain.NotifyLateReturn, map[string]any{"due": t.Window.End}, now)
		if err != nil {
			return flagged, err
		}
		err = s.txnRepo.Save(ctx, t, repository.StateChange{ExpectedVersion: expected, Events: []domain.TransactionEvent{e}, Outbox: []domain.OutboxMessage{msg}})
		if errors.Is(err, domain.ErrStaleState) {
			logger.Info("Transaction changed while flagging overdue, skipping", "transactionID", t.ID)
			continue
		}
		if err != nil {
			return flagged, err
		}
		flagged++
	}
	return flagged, nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
