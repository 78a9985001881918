package service

import (
	"context"
	"fmt"
	"time"

	"gearhouse-backend/internal/domain"

	"github.com/google/uuid"
)

func newEvent(t *domain.Transaction, typ domain.EventType, from domain.TransactionStatus, actor *domain.Actor, at time.Time) domain.TransactionEvent {
	e := domain.TransactionEvent{
		ID:            uuid.New(),
		TransactionID: t.ID,
		Type:          typ,
		FromStatus:    from,
		ToStatus:      t.Status,
		CreatedAt:     at,
	}
	if actor != nil {
		id := actor.UserID
		e.ActorID = &id
	}
	return e
}

type notificationPayload struct {
	TransactionID uuid.UUID                `json:"transaction_id"`
	Status        domain.TransactionStatus `json:"status"`
	Target        domain.AssetRef          `json:"target"`
	CustodianID   uuid.UUID                `json:"custodian_id"`
	Counterparty  domain.Counterparty      `json:"counterparty"`
	Window        domain.Interval          `json:"window"`
	FlaggedItems  []uuid.UUID              `json:"flagged_items,omitempty"`
	Detail        map[string]any           `json:"detail,omitempty"`
}

func notification(t *domain.Transaction, typ domain.NotificationType, detail map[string]any, at time.Time) (domain.OutboxMessage, error) {
	return domain.NewOutboxMessage(typ, t, notificationPayload{
		TransactionID: t.ID,
		Status:        t.Status,
		Target:        t.Target,
		CustodianID:   t.CustodianID,
		Counterparty:  t.Counterparty,
		Window:        t.Window,
		FlaggedItems:  t.FlaggedItems,
		Detail:        detail,
	}, at)
}

// visible reports whether the actor may read the transaction: members of
// the owning organization, and the client organization of a marketplace
// rental.
func visible(actor domain.Actor, t *domain.Transaction) bool {
	if actor.OrgID == t.OrgID {
		return true
	}
	c := t.Counterparty.ClientOrgID
	return t.Pricing.ListingID != nil && c != nil && *c == actor.OrgID
}

// authorizeTransition applies the transition authority of the
// transaction's policy snapshot, or of the organization's current policy
// before the transaction is reserved.
func authorizeTransition(ctx context.Context, policies PolicyService, actor domain.Actor, t *domain.Transaction) error {
	if !visible(actor, t) {
		return fmt.Errorf("transaction %s: %w", t.ID, domain.ErrNotFound)
	}
	authority := domain.AuthorityCustodianAndAdmins
	if t.Policy != nil {
		authority = t.Policy.TransitionAuthority
	} else {
		p, err := policies.GetPolicy(ctx, t.OrgID)
		if err != nil {
			return err
		}
		authority = p.TransitionAuthority
	}
	if !actor.CanTransition(t, authority) {
		return fmt.Errorf("%w: %s may not transition transaction %s under %s", domain.ErrForbidden, actor.UserID, t.ID, authority)
	}
	return nil
}

func snapshotOf(t *domain.Transaction) (*domain.PolicySnapshot, error) {
	if t.Policy == nil {
		return nil, &domain.InvalidTransitionError{From: t.Status, To: t.Status, Reason: "transaction has no policy snapshot"}
	}
	return t.Policy, nil
}

// latestSession picks the session that speaks for a gate: the most recent
// completed one, else the most recent one. Sessions arrive oldest first.
func latestSession(sessions []domain.VerificationSession, gate domain.Gate, async bool) *domain.VerificationSession {
	var latest, completed *domain.VerificationSession
	for i := range sessions {
		s := &sessions[i]
		if s.Gate != gate || (s.Mode == domain.ModeAsyncLink) != async {
			continue
		}
		latest = s
		if s.IsCompleted() {
			completed = s
		}
	}
	if completed != nil {
		return completed
	}
	return latest
}
