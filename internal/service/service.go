package service

import (
	"context"
	"time"

	"gearhouse-backend/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Clock returns the current time. Services default to time.Now.
type Clock func() time.Time

func clockOrNow(c Clock) Clock {
	if c == nil {
		return time.Now
	}
	return c
}

type CatalogService interface {
	CreateAsset(ctx context.Context, actor domain.Actor, asset *domain.Asset) error
	GetAsset(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Asset, error)
	ListAssets(ctx context.Context, actor domain.Actor, page, pageSize int32) ([]domain.Asset, int32, error)
	ListAccessories(ctx context.Context, actor domain.Actor, assetID uuid.UUID) ([]domain.Asset, error)
	CreateKitTemplate(ctx context.Context, actor domain.Actor, tmpl *domain.KitTemplate) error
	InstantiateKit(ctx context.Context, actor domain.Actor, kit *domain.KitInstance) error
	GetKitInstance(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.KitInstance, error)
	// ResolveUnit expands a reference into the ids that hold reservation
	// windows and the components that can be verified.
	ResolveUnit(ctx context.Context, ref domain.AssetRef) (*domain.Unit, error)
}

type AvailabilityService interface {
	CheckAvailability(ctx context.Context, ref domain.AssetRef, iv domain.Interval) (*domain.Availability, error)
	// CheckListingAvailability adds the listing's blackout dates to the
	// availability of the listed unit.
	CheckListingAvailability(ctx context.Context, listingID uuid.UUID, iv domain.Interval) (*domain.Availability, error)
}

type PolicyService interface {
	GetPolicy(ctx context.Context, orgID uuid.UUID) (*domain.OrgPolicy, error)
	UpdatePolicy(ctx context.Context, actor domain.Actor, policy *domain.OrgPolicy) error
}

type CreateTransactionRequest struct {
	Target       domain.AssetRef
	Counterparty domain.Counterparty
	// CustodianID defaults to the caller.
	CustodianID     uuid.UUID
	Start           time.Time
	End             time.Time
	ListingID       *uuid.UUID
	DailyRate       decimal.Decimal
	DiscountPercent decimal.Decimal
}

type TransitionOptions struct {
	Location string
	// Force overrides warn-level gates. Restricted to owners and admins.
	Force bool
}

type IncidentRequest struct {
	AssetID      uuid.UUID
	Stage        domain.IncidentStage
	Description  string
	CostEstimate decimal.Decimal
}

type TransactionService interface {
	Create(ctx context.Context, actor domain.Actor, req CreateTransactionRequest) (*domain.Transaction, error)
	Reserve(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Transaction, error)
	// RequestReservation creates and reserves in one atomic step; a
	// conflict leaves nothing behind.
	RequestReservation(ctx context.Context, actor domain.Actor, req CreateTransactionRequest) (*domain.Transaction, error)
	Checkout(ctx context.Context, actor domain.Actor, id uuid.UUID, opts TransitionOptions) (*domain.Transaction, error)
	Checkin(ctx context.Context, actor domain.Actor, id uuid.UUID, opts TransitionOptions) (*domain.Transaction, error)
	Close(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Transaction, *domain.SettlementRecord, error)
	Cancel(ctx context.Context, actor domain.Actor, id uuid.UUID, reason string) (*domain.Transaction, error)
	Get(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Transaction, error)
	List(ctx context.Context, actor domain.Actor, status string, page, pageSize int32) ([]domain.Transaction, int32, error)
	History(ctx context.Context, actor domain.Actor, id uuid.UUID) ([]domain.TransactionEvent, error)
	ReportIncident(ctx context.Context, actor domain.Actor, id uuid.UUID, req IncidentRequest) (*domain.Incident, error)
	// FlagOverdue marks checked-out transactions past their end plus grace
	// and enqueues one late-return notification each.
	FlagOverdue(ctx context.Context, limit int) (int, error)
}

type ItemConfirmation struct {
	ItemID uuid.UUID
	Method domain.ItemMethod
}

type LinkSubmission struct {
	Items        []ItemConfirmation
	SignatureURL string
	SubmittedBy  string
}

type VerificationService interface {
	StartSession(ctx context.Context, actor domain.Actor, transactionID uuid.UUID, gate domain.Gate) (*domain.VerificationSession, error)
	// IssueLink opens an async receiver session and returns its link token.
	IssueLink(ctx context.Context, actor domain.Actor, transactionID uuid.UUID) (*domain.VerificationSession, string, error)
	RecordItems(ctx context.Context, actor domain.Actor, sessionID uuid.UUID, items []ItemConfirmation) (*domain.VerificationSession, error)
	Complete(ctx context.Context, actor domain.Actor, sessionID uuid.UUID, signatureURL string) (*domain.VerificationSession, error)
	SubmitLink(ctx context.Context, token string, sub LinkSubmission) (*domain.VerificationSession, error)
	DescribeLink(ctx context.Context, token string) (*domain.VerificationSession, error)
	GetSession(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.VerificationSession, error)
	ListSessions(ctx context.Context, actor domain.Actor, transactionID uuid.UUID) ([]domain.VerificationSession, error)
	SweepExpired(ctx context.Context) (int64, error)
}

type SettlementService interface {
	// Settle computes, records and posts the settlement of a checked-in
	// transaction, closing it. Repeated calls return the stored record.
	Settle(ctx context.Context, transactionID uuid.UUID) (*domain.SettlementRecord, error)
	GetSettlement(ctx context.Context, actor domain.Actor, transactionID uuid.UUID) (*domain.SettlementRecord, error)
	RetryPending(ctx context.Context, limit int) (int, error)
}

type ExtensionService interface {
	RequestExtension(ctx context.Context, actor domain.Actor, transactionID uuid.UUID, newEnd time.Time) (*domain.Extension, error)
	ApproveExtension(ctx context.Context, actor domain.Actor, extensionID uuid.UUID) (*domain.Extension, error)
	DenyExtension(ctx context.Context, actor domain.Actor, extensionID uuid.UUID, reason string) (*domain.Extension, error)
	ListExtensions(ctx context.Context, actor domain.Actor, transactionID uuid.UUID) ([]domain.Extension, error)
}

// LedgerClient posts settlement entries to the financial ledger, which
// deduplicates on (source type, source id).
type LedgerClient interface {
	Post(ctx context.Context, entry domain.LedgerEntry) (string, error)
}

// ListingProvider reads marketplace listings.
type ListingProvider interface {
	GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error)
}

// LinkTokens signs and parses async verification link tokens.
type LinkTokens interface {
	GenerateLinkToken(sessionID, tokenID uuid.UUID, expiresAt time.Time) (string, error)
	ParseLinkToken(tokenString string) (sessionID, tokenID uuid.UUID, err error)
}
