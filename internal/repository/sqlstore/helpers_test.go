package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gearhouse-backend/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// newSQLiteStore migrates a fresh database file under t.TempDir.
func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gearhouse.db")
	require.NoError(t, Migrate(SQLite, path))

	db, err := Open(context.Background(), SQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, SQLite)
}

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func window(startDay, endDay int) domain.Interval {
	return domain.Interval{Start: base.AddDate(0, 0, startDay), End: base.AddDate(0, 0, endDay)}
}

func newTransaction(orgID uuid.UUID, target domain.AssetRef, iv domain.Interval) *domain.Transaction {
	member := uuid.New()
	policy := domain.DefaultOrgPolicy(orgID).PolicySnapshot
	return &domain.Transaction{
		ID:           uuid.New(),
		OrgID:        orgID,
		Target:       target,
		Counterparty: domain.Counterparty{TeamMemberID: &member},
		CustodianID:  uuid.New(),
		Status:       domain.StatusReserved,
		Window:       iv,
		Policy:       &policy,
		Pricing: domain.PricingSnapshot{
			DailyRate:       decimal.RequireFromString("50.00"),
			DiscountPercent: decimal.Zero,
			LateFeePerDay:   decimal.RequireFromString("20.00"),
			DepositHeld:     decimal.RequireFromString("100.00"),
			TaxRate:         decimal.RequireFromString("0.10"),
		},
		LateFee:      decimal.Zero,
		DamageCharge: decimal.Zero,
		CreatedAt:    base,
		UpdatedAt:    base,
	}
}

func createAsset(t *testing.T, s *Store, orgID uuid.UUID, name string) *domain.Asset {
	t.Helper()
	a := &domain.Asset{ID: uuid.New(), OrgID: orgID, Name: name, CreatedAt: base, UpdatedAt: base}
	require.NoError(t, s.AssetRepository.Create(context.Background(), a))
	return a
}

func event(t *domain.Transaction, typ domain.EventType, from domain.TransactionStatus) domain.TransactionEvent {
	return domain.TransactionEvent{
		ID:            uuid.New(),
		TransactionID: t.ID,
		Type:          typ,
		FromStatus:    from,
		ToStatus:      t.Status,
		CreatedAt:     t.UpdatedAt,
	}
}
