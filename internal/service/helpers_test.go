package service_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/repository/sqlstore"
	"gearhouse-backend/internal/security"
	"gearhouse-backend/internal/service"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLedgerClient struct {
	mock.Mock
}

func (m *MockLedgerClient) Post(ctx context.Context, entry domain.LedgerEntry) (string, error) {
	args := m.Called(ctx, entry)
	return args.String(0), args.Error(1)
}

type MockListingProvider struct {
	mock.Mock
}

func (m *MockListingProvider) GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Listing), args.Error(1)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// jan returns midnight UTC of the given January 2027 day; fractional days
// are hours past midnight.
func jan(day float64) time.Time {
	return time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration((day - 1) * 24 * float64(time.Hour)))
}

type fixture struct {
	store    *sqlstore.Store
	clock    *testClock
	ledger   *MockLedgerClient
	listings *MockListingProvider

	catalog      service.CatalogService
	availability service.AvailabilityService
	policies     service.PolicyService
	transactions service.TransactionService
	verification service.VerificationService
	settlements  service.SettlementService
	extensions   service.ExtensionService

	orgID uuid.UUID
	admin domain.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gearhouse.db")
	require.NoError(t, sqlstore.Migrate(sqlstore.SQLite, path))
	db, err := sqlstore.Open(context.Background(), sqlstore.SQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := sqlstore.NewStore(db, sqlstore.SQLite)

	f := &fixture{
		store:    store,
		clock:    &testClock{now: jan(1)},
		ledger:   new(MockLedgerClient),
		listings: new(MockListingProvider),
		orgID:    uuid.New(),
	}
	f.admin = domain.Actor{UserID: uuid.New(), OrgID: f.orgID, Role: domain.RoleAdmin}
	clock := service.Clock(f.clock.Now)
	tokens := security.NewTokenManager("0123456789abcdef0123456789abcdef", "gearhouse", time.Hour, clock)

	f.catalog = service.NewCatalogService(store.AssetRepository, store.KitRepository, clock)
	f.policies = service.NewPolicyService(store.PolicyRepository, clock)
	f.availability = service.NewAvailabilityService(f.catalog, store.TransactionRepository, f.listings)
	f.settlements = service.NewSettlementService(store.SettlementRepository, store.TransactionRepository, store.IncidentRepository, f.ledger, clock)
	f.transactions = service.NewTransactionService(store.TransactionRepository, store.VerificationRepository, store.IncidentRepository,
		f.catalog, f.policies, f.settlements, f.listings, clock)
	f.verification = service.NewVerificationService(store.VerificationRepository, store.TransactionRepository, f.catalog, f.policies, tokens, clock)
	f.extensions = service.NewExtensionService(store.ExtensionRepository, store.TransactionRepository, f.policies, clock)
	return f
}

// setPolicy saves the default policy after applying edit.
func (f *fixture) setPolicy(t *testing.T, edit func(p *domain.OrgPolicy)) {
	t.Helper()
	p := domain.DefaultOrgPolicy(f.orgID)
	if edit != nil {
		edit(p)
	}
	require.NoError(t, f.policies.UpdatePolicy(context.Background(), f.admin, p))
}

func (f *fixture) asset(t *testing.T, name string, pkg bool, parent *uuid.UUID) *domain.Asset {
	t.Helper()
	a := &domain.Asset{Name: name, IsEquipmentPackage: pkg, ParentAssetID: parent}
	require.NoError(t, f.catalog.CreateAsset(context.Background(), f.admin, a))
	return a
}

func (f *fixture) request(target domain.AssetRef, start, end time.Time) service.CreateTransactionRequest {
	member := uuid.New()
	return service.CreateTransactionRequest{
		Target:       target,
		Counterparty: domain.Counterparty{TeamMemberID: &member},
		Start:        start,
		End:          end,
		DailyRate:    decimal.RequireFromString("50"),
	}
}

func (f *fixture) reserve(t *testing.T, target domain.AssetRef, start, end time.Time) *domain.Transaction {
	t.Helper()
	txn, err := f.transactions.RequestReservation(context.Background(), f.admin, f.request(target, start, end))
	require.NoError(t, err)
	return txn
}

// verifyAll opens a session at gate and confirms every expected item.
func (f *fixture) verifyAll(t *testing.T, txnID uuid.UUID, gate domain.Gate, skip ...uuid.UUID) *domain.VerificationSession {
	t.Helper()
	ctx := context.Background()
	session, err := f.verification.StartSession(ctx, f.admin, txnID, gate)
	require.NoError(t, err)

	skipped := make(map[uuid.UUID]bool)
	for _, id := range skip {
		skipped[id] = true
	}
	var items []service.ItemConfirmation
	for _, id := range session.ItemsToVerify {
		if !skipped[id] {
			items = append(items, service.ItemConfirmation{ItemID: id, Method: domain.ItemScan})
		}
	}
	_, err = f.verification.RecordItems(ctx, f.admin, session.ID, items)
	require.NoError(t, err)
	completed, err := f.verification.Complete(ctx, f.admin, session.ID, "")
	require.NoError(t, err)
	return completed
}

func assetRef(id uuid.UUID) domain.AssetRef {
	return domain.AssetRef{Kind: domain.AssetKindAsset, ID: id}
}

func kitRef(id uuid.UUID) domain.AssetRef {
	return domain.AssetRef{Kind: domain.AssetKindKit, ID: id}
}
