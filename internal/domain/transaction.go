package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusReserved   TransactionStatus = "reserved"
	StatusCheckedOut TransactionStatus = "checked_out"
	StatusCheckedIn  TransactionStatus = "checked_in"
	StatusClosed     TransactionStatus = "closed"
	StatusCancelled  TransactionStatus = "cancelled"
)

func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch st := TransactionStatus(s); st {
	case StatusPending, StatusReserved, StatusCheckedOut, StatusCheckedIn, StatusClosed, StatusCancelled:
		return st, nil
	}
	return "", Invalidf("unknown transaction status %q", s)
}

func (s TransactionStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// HoldsWindow reports whether a transaction in this status keeps its
// reservation window active.
func (s TransactionStatus) HoldsWindow() bool {
	return s == StatusReserved || s == StatusCheckedOut
}

var transitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:    {StatusReserved, StatusCancelled},
	StatusReserved:   {StatusCheckedOut, StatusCancelled},
	StatusCheckedOut: {StatusCheckedIn},
	StatusCheckedIn:  {StatusClosed},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an *InvalidTransitionError when from -> to is not
// a lifecycle edge.
func CheckTransition(from, to TransactionStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	reason := ""
	switch {
	case from.IsTerminal():
		reason = "transaction is in a terminal state"
	case from == StatusCheckedOut && to == StatusCancelled:
		reason = "checked-out transactions must be checked in"
	}
	return &InvalidTransitionError{From: from, To: to, Reason: reason}
}

// Counterparty is the party taking custody. Exactly one field is set.
type Counterparty struct {
	TeamMemberID *uuid.UUID `json:"team_member_id,omitempty"`
	ClientOrgID  *uuid.UUID `json:"client_org_id,omitempty"`
	ContactID    *uuid.UUID `json:"contact_id,omitempty"`
}

func (c Counterparty) Validate() error {
	n := 0
	for _, id := range []*uuid.UUID{c.TeamMemberID, c.ClientOrgID, c.ContactID} {
		if id != nil && *id != uuid.Nil {
			n++
		}
	}
	if n != 1 {
		return Invalidf("exactly one of team member, client organization or contact must be set (got %d)", n)
	}
	return nil
}

type Transaction struct {
	ID           uuid.UUID         `json:"id"`
	OrgID        uuid.UUID         `json:"org_id"`
	Target       AssetRef          `json:"target"`
	Counterparty Counterparty      `json:"counterparty"`
	CustodianID  uuid.UUID         `json:"custodian_id"`
	Status       TransactionStatus `json:"status"`
	Window       Interval          `json:"window"`
	Policy       *PolicySnapshot   `json:"policy,omitempty"`
	Pricing      PricingSnapshot   `json:"pricing"`

	CheckedOutAt *time.Time `json:"checked_out_at,omitempty"`
	CheckedInAt  *time.Time `json:"checked_in_at,omitempty"`
	LocationOut  string     `json:"location_out,omitempty"`
	LocationIn   string     `json:"location_in,omitempty"`

	// FlaggedItems are discrepancies accepted under a warn-level gate.
	FlaggedItems []uuid.UUID     `json:"flagged_items,omitempty"`
	IsOverdue    bool            `json:"is_overdue"`
	LateDays     int             `json:"late_days"`
	LateFee      decimal.Decimal `json:"late_fee"`
	DamageCharge decimal.Decimal `json:"damage_charge"`

	CancelReason      string     `json:"cancel_reason,omitempty"`
	OverdueNotifiedAt *time.Time `json:"overdue_notified_at,omitempty"`
	Version           int64      `json:"version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// HasDiscrepancies reports whether a warn-level gate let flagged items through.
func (t *Transaction) HasDiscrepancies() bool {
	return len(t.FlaggedItems) > 0
}

// FlagItems merges ids into FlaggedItems without duplicates.
func (t *Transaction) FlagItems(ids []uuid.UUID) {
	seen := make(map[uuid.UUID]bool, len(t.FlaggedItems))
	for _, id := range t.FlaggedItems {
		seen[id] = true
	}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			t.FlaggedItems = append(t.FlaggedItems, id)
		}
	}
}

// ComputeLateness compares the check-in time with the window end plus
// grace. Any started day beyond the boundary counts as a late day.
func ComputeLateness(windowEnd, checkedInAt time.Time, grace time.Duration) (bool, int) {
	boundary := windowEnd.Add(grace)
	if !checkedInAt.After(boundary) {
		return false, 0
	}
	return true, Interval{Start: boundary, End: checkedInAt}.BillableDays()
}

type Role string

const (
	RoleOwner         Role = "owner"
	RoleAdmin         Role = "admin"
	RoleCollaborative Role = "collaborative"
)

func (r Role) IsAdmin() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Actor is the authenticated caller as resolved by the identity service.
type Actor struct {
	UserID uuid.UUID `json:"user_id"`
	OrgID  uuid.UUID `json:"org_id"`
	Role   Role      `json:"role"`
}

// CanTransition applies the organization's transition authority to a
// transaction owned by the actor's organization.
func (a Actor) CanTransition(t *Transaction, authority TransitionAuthority) bool {
	if a.OrgID != t.OrgID {
		return false
	}
	switch authority {
	case AuthorityAnyone:
		return true
	case AuthorityCustodianOnly:
		return a.UserID == t.CustodianID
	case AuthorityCustodianAndAdmins:
		return a.UserID == t.CustodianID || a.Role.IsAdmin()
	}
	return false
}

type EventType string

const (
	EventCreated          EventType = "created"
	EventReserved         EventType = "reserved"
	EventCheckedOut       EventType = "checked_out"
	EventCheckedIn        EventType = "checked_in"
	EventClosed           EventType = "closed"
	EventCancelled        EventType = "cancelled"
	EventForceOverride    EventType = "force_override"
	EventExtended         EventType = "extended"
	EventIncidentReported EventType = "incident_reported"
	EventReceiverVerified EventType = "receiver_verified"
	EventOverdueFlagged   EventType = "overdue_flagged"
)

// TransactionEvent is one row of the transaction audit trail.
type TransactionEvent struct {
	ID            uuid.UUID         `json:"id"`
	TransactionID uuid.UUID         `json:"transaction_id"`
	Type          EventType         `json:"type"`
	FromStatus    TransactionStatus `json:"from_status,omitempty"`
	ToStatus      TransactionStatus `json:"to_status,omitempty"`
	ActorID       *uuid.UUID        `json:"actor_id,omitempty"`
	Forced        bool              `json:"forced"`
	Detail        string            `json:"detail,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

type IncidentStage string

const (
	StageCheckout IncidentStage = "checkout"
	StageInUse    IncidentStage = "in_use"
	StageCheckin  IncidentStage = "checkin"
)

func ParseIncidentStage(s string) (IncidentStage, error) {
	switch st := IncidentStage(s); st {
	case StageCheckout, StageInUse, StageCheckin:
		return st, nil
	}
	return "", Invalidf("unknown incident stage %q", s)
}

// Chargeable reports whether incidents at this stage feed damage charges.
func (s IncidentStage) Chargeable() bool {
	return s == StageCheckout || s == StageCheckin
}

type Incident struct {
	ID            uuid.UUID       `json:"id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	AssetID       uuid.UUID       `json:"asset_id"`
	Stage         IncidentStage   `json:"reported_stage"`
	Description   string          `json:"description"`
	CostEstimate  decimal.Decimal `json:"cost_estimate"`
	ReportedBy    uuid.UUID       `json:"reported_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

type TransactionFilter struct {
	OrgID    uuid.UUID
	Status   TransactionStatus
	Page     int32
	PageSize int32
}
