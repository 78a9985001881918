package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/service"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestTransactionService_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPolicy(t, func(p *domain.OrgPolicy) {
		p.DiscrepancyAction = domain.DiscrepancyBlock
		p.PackageVerification = domain.GranularityVerifyContents
		p.Checkin.Required = false
		p.LateFeePerDay = decimal.RequireFromString("20")
	})
	camera := f.asset(t, "Camera A", true, nil)
	battery := f.asset(t, "Battery", false, &camera.ID)

	avail, err := f.availability.CheckAvailability(ctx, assetRef(camera.ID), domain.Interval{Start: jan(1), End: jan(5)})
	require.NoError(t, err)
	assert.True(t, avail.Available)

	txn := f.reserve(t, assetRef(camera.ID), jan(3), jan(4))
	assert.Equal(t, domain.StatusReserved, txn.Status)
	require.NotNil(t, txn.Policy)

	t.Run("SecondCallerConflicts", func(t *testing.T) {
		_, err := f.transactions.RequestReservation(ctx, f.admin, f.request(assetRef(camera.ID), jan(3), jan(4)))
		var conflict *domain.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, []uuid.UUID{txn.ID}, conflict.TransactionIDs())

		// The accessory is held by the package's reservation.
		_, err = f.transactions.RequestReservation(ctx, f.admin, f.request(assetRef(battery.ID), jan(3).Add(6*time.Hour), jan(5)))
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	f.clock.Set(jan(3))

	t.Run("CheckoutBlockedByUnscannedItem", func(t *testing.T) {
		f.verifyAll(t, txn.ID, domain.GateCheckoutSender, battery.ID)

		_, err := f.transactions.Checkout(ctx, f.admin, txn.ID, service.TransitionOptions{})
		var violation *domain.PolicyViolation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, []uuid.UUID{battery.ID}, violation.MissingItems)
		assert.False(t, violation.Overridable)

		_, err = f.transactions.Checkout(ctx, f.admin, txn.ID, service.TransitionOptions{Force: true})
		assert.ErrorIs(t, err, domain.ErrPolicyViolation, "block level gates cannot be forced")
	})

	t.Run("CheckoutAfterScanningEverything", func(t *testing.T) {
		f.verifyAll(t, txn.ID, domain.GateCheckoutSender)

		out, err := f.transactions.Checkout(ctx, f.admin, txn.ID, service.TransitionOptions{Location: "Stage 2"})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCheckedOut, out.Status)
		assert.Empty(t, out.FlaggedItems)
		txn = out
	})

	f.clock.Set(jan(5))

	t.Run("LateCheckin", func(t *testing.T) {
		in, err := f.transactions.Checkin(ctx, f.admin, txn.ID, service.TransitionOptions{})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCheckedIn, in.Status)
		assert.True(t, in.IsOverdue)
		assert.Equal(t, 1, in.LateDays)
		assert.Equal(t, "20.00", in.LateFee.StringFixed(2))
	})

	t.Run("CloseSettles", func(t *testing.T) {
		f.ledger.On("Post", mock.Anything, mock.MatchedBy(func(e domain.LedgerEntry) bool {
			return e.SourceID == txn.ID.String() && e.SourceType == domain.LedgerSourceType
		})).Return("ledger-1", nil).Once()

		closed, rec, err := f.transactions.Close(ctx, f.admin, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusClosed, closed.Status)
		assert.Equal(t, domain.SettlementPosted, rec.Status)
		assert.Equal(t, "50.00", rec.RentalCharge.StringFixed(2))
		assert.Equal(t, "20.00", rec.LateFee.StringFixed(2))
		assert.Equal(t, "70.00", rec.Total.StringFixed(2))
		assert.Equal(t, "ledger-1", rec.LedgerRef)
		f.ledger.AssertExpectations(t)
	})

	t.Run("History", func(t *testing.T) {
		events, err := f.transactions.History(ctx, f.admin, txn.ID)
		require.NoError(t, err)
		var types []domain.EventType
		for _, e := range events {
			types = append(types, e.Type)
		}
		assert.Equal(t, []domain.EventType{
			domain.EventCreated, domain.EventReserved, domain.EventCheckedOut, domain.EventCheckedIn, domain.EventClosed,
		}, types)
	})

	t.Run("WindowFreedAfterReturn", func(t *testing.T) {
		avail, err := f.availability.CheckAvailability(ctx, assetRef(camera.ID), domain.Interval{Start: jan(3), End: jan(4)})
		require.NoError(t, err)
		assert.True(t, avail.Available)
	})
}

func TestTransactionService_ConcurrentReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.asset(t, "Light", false, nil)

	const callers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.transactions.RequestReservation(ctx, f.admin, f.request(assetRef(a.ID), jan(3), jan(4)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, conflicts)

	txns, total, err := f.transactions.List(ctx, f.admin, "", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, int32(1), total, "a refused reservation leaves nothing behind")
	assert.Len(t, txns, 1)
}

func TestTransactionService_CreateThenReserve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.asset(t, "Lens", false, nil)

	pending, err := f.transactions.Create(ctx, f.admin, f.request(assetRef(a.ID), jan(3), jan(4)))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, pending.Status)
	assert.Nil(t, pending.Policy)

	t.Run("PendingHoldsNoWindow", func(t *testing.T) {
		avail, err := f.availability.CheckAvailability(ctx, assetRef(a.ID), domain.Interval{Start: jan(3), End: jan(4)})
		require.NoError(t, err)
		assert.True(t, avail.Available)
	})

	t.Run("Reserve", func(t *testing.T) {
		reserved, err := f.transactions.Reserve(ctx, f.admin, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusReserved, reserved.Status)
		assert.NotNil(t, reserved.Policy)
	})

	t.Run("ReserveTwice", func(t *testing.T) {
		_, err := f.transactions.Reserve(ctx, f.admin, pending.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("InvalidInput", func(t *testing.T) {
		req := f.request(assetRef(a.ID), jan(4), jan(3))
		_, err := f.transactions.Create(ctx, f.admin, req)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		req = f.request(assetRef(a.ID), jan(5), jan(6))
		req.Counterparty = domain.Counterparty{}
		_, err = f.transactions.Create(ctx, f.admin, req)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		req = f.request(assetRef(a.ID), jan(5), jan(6))
		req.DiscountPercent = decimal.NewFromInt(120)
		_, err = f.transactions.Create(ctx, f.admin, req)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestTransactionService_PolicySnapshotIsFrozen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPolicy(t, func(p *domain.OrgPolicy) {
		p.DiscrepancyAction = domain.DiscrepancyBlock
	})
	a := f.asset(t, "Tripod", false, nil)
	txn := f.reserve(t, assetRef(a.ID), jan(3), jan(4))

	// Relax the policy after the reservation.
	f.setPolicy(t, func(p *domain.OrgPolicy) {
		p.Checkout.Required = false
		p.DiscrepancyAction = domain.DiscrepancyWarn
	})

	_, err := f.transactions.Checkout(ctx, f.admin, txn.ID, service.TransitionOptions{})
	var violation *domain.PolicyViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, domain.GateCheckoutSender, violation.Gate)

	stored, err := f.transactions.Get(ctx, f.admin, txn.ID)
	require.NoError(t, err)
	assert.True(t, stored.Policy.Checkout.Required)
	assert.Equal(t, domain.DiscrepancyBlock, stored.Policy.DiscrepancyAction)

	// A reservation made now gets the relaxed policy.
	next := f.reserve(t, assetRef(a.ID), jan(5), jan(6))
	_, err = f.transactions.Checkout(ctx, f.admin, next.ID, service.TransitionOptions{})
	assert.NoError(t, err)
}

func TestTransactionService_ForceOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.asset(t, "Mixer", false, nil)
	txn := f.reserve(t, assetRef(a.ID), jan(3), jan(4))

	t.Run("WarnGateRefusesWithoutForce", func(t *testing.T) {
		_, err := f.transactions.Checkout(ctx, f.admin, txn.ID, service.TransitionOptions{})
		var violation *domain.PolicyViolation
		require.ErrorAs(t, err, &violation)
		assert.True(t, violation.Overridable)
	})

	t.Run("ForceNeedsAdmin", func(t *testing.T) {
		member := domain.Actor{UserID: uuid.New(), OrgID: f.orgID, Role: domain.RoleCollaborative}
		_, err := f.transactions.Checkout(ctx, member, txn.ID, service.TransitionOptions{Force: true})
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("AdminForces", func(t *testing.T) {
		out, err := f.transactions.Checkout(ctx, f.admin, txn.ID, service.TransitionOptions{Force: true})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCheckedOut, out.Status)

		events, err := f.transactions.History(ctx, f.admin, txn.ID)
		require.NoError(t, err)
		last := events[len(events)-1]
		assert.Equal(t, domain.EventForceOverride, last.Type)
		assert.True(t, last.Forced)
	})
}

func TestTransactionService_WarnFlagsDiscrepancies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPolicy(t, func(p *domain.OrgPolicy) {
		p.PackageVerification = domain.GranularityVerifyContents
	})
	pkg := f.asset(t, "Audio kit", true, nil)
	cable := f.asset(t, "XLR cable", false, &pkg.ID)
	txn := f.reserve(t, assetRef(pkg.ID), jan(3), jan(4))

	f.verifyAll(t, txn.ID, domain.GateCheckoutSender, cable.ID)
	out, err := f.transactions.Checkout(ctx, f.admin, txn.ID, service.TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{cable.ID}, out.FlaggedItems)
	assert.True(t, out.HasDiscrepancies())
}

func TestTransactionService_Authority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.asset(t, "Drone", false, nil)
	custodian := domain.Actor{UserID: uuid.New(), OrgID: f.orgID, Role: domain.RoleCollaborative}
	req := f.request(assetRef(a.ID), jan(3), jan(4))
	req.CustodianID = custodian.UserID
	txn, err := f.transactions.RequestReservation(ctx, f.admin, req)
	require.NoError(t, err)

	t.Run("OtherMemberForbidden", func(t *testing.T) {
		other := domain.Actor{UserID: uuid.New(), OrgID: f.orgID, Role: domain.RoleCollaborative}
		_, err := f.transactions.Cancel(ctx, other, txn.ID, "changed plans")
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("OtherOrgNotFound", func(t *testing.T) {
		outsider := domain.Actor{UserID: uuid.New(), OrgID: uuid.New(), Role: domain.RoleOwner}
		_, err := f.transactions.Get(ctx, outsider, txn.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = f.transactions.Cancel(ctx, outsider, txn.ID, "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("CustodianCancels", func(t *testing.T) {
		cancelled, err := f.transactions.Cancel(ctx, custodian, txn.ID, "changed plans")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, cancelled.Status)
		assert.Equal(t, "changed plans", cancelled.CancelReason)

		avail, err := f.availability.CheckAvailability(ctx, assetRef(a.ID), domain.Interval{Start: jan(3), End: jan(4)})
		require.NoError(t, err)
		assert.True(t, avail.Available, "cancel releases the window")
	})
}

func TestTransactionService_CancelCheckedOutRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPolicy(t, func(p *domain.OrgPolicy) { p.Checkout.Required = false })
	a := f.asset(t, "Monitor", false, nil)
	txn := f.reserve(t, assetRef(a.ID), jan(3), jan(4))
	_, err := f.transactions.Checkout(ctx, f.admin, txn.ID, service.TransitionOptions{})
	require.NoError(t, err)

	_, err = f.transactions.Cancel(ctx, f.admin, txn.ID, "oops")
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatusCheckedOut, invalid.From)
}

func TestTransactionService_IncidentsAndOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPolicy(t, func(p *domain.OrgPolicy) {
		p.Checkout.Required = false
		p.Checkin.Required = false
		p.GracePeriodHours = 2
		p.LateFeePerDay = decimal.RequireFromString("15")
	})
	a := f.asset(t, "Projector", false, nil)
	txn := f.reserve(t, assetRef(a.ID), jan(3), jan(4))
	f.clock.Set(jan(3))
	_, err := f.transactions.Checkout(ctx, f.admin, txn.ID, service.TransitionOptions{})
	require.NoError(t, err)

	t.Run("ReportIncidents", func(t *testing.T) {
		_, err := f.transactions.ReportIncident(ctx, f.admin, txn.ID, service.IncidentRequest{
			AssetID: a.ID, Stage: domain.StageInUse, Description: "scratch", CostEstimate: decimal.RequireFromString("10"),
		})
		require.NoError(t, err)

		_, err = f.transactions.ReportIncident(ctx, f.admin, txn.ID, service.IncidentRequest{
			AssetID: uuid.New(), Stage: domain.StageCheckin, CostEstimate: decimal.RequireFromString("10"),
		})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("WithinGraceNotOverdue", func(t *testing.T) {
		f.clock.Set(jan(4).Add(time.Hour))
		n, err := f.transactions.FlagOverdue(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("FlagOverdueOnce", func(t *testing.T) {
		f.clock.Set(jan(4.5))
		n, err := f.transactions.FlagOverdue(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = f.transactions.FlagOverdue(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("CheckinChargesDamage", func(t *testing.T) {
		_, err := f.transactions.ReportIncident(ctx, f.admin, txn.ID, service.IncidentRequest{
			AssetID: a.ID, Stage: domain.StageCheckin, Description: "cracked lens", CostEstimate: decimal.RequireFromString("35.5"),
		})
		require.NoError(t, err)

		f.clock.Set(jan(5))
		in, err := f.transactions.Checkin(ctx, f.admin, txn.ID, service.TransitionOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, in.LateDays)
		assert.Equal(t, "15.00", in.LateFee.StringFixed(2))
		assert.Equal(t, "35.50", in.DamageCharge.StringFixed(2), "in-use incidents are not charged")
	})

	t.Run("OneLateReturnNotification", func(t *testing.T) {
		msgs, err := f.store.FetchUnpublished(ctx, 100, 5)
		require.NoError(t, err)
		late := 0
		for _, m := range msgs {
			if m.Type == domain.NotifyLateReturn {
				late++
			}
		}
		assert.Equal(t, 1, late)
	})
}

func TestTransactionService_Marketplace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.asset(t, "Cinema camera", false, nil)
	client := domain.Actor{UserID: uuid.New(), OrgID: uuid.New(), Role: domain.RoleAdmin}
	listing := &domain.Listing{
		ID:              uuid.New(),
		OwnerOrgID:      f.orgID,
		Target:          assetRef(a.ID),
		DailyRate:       decimal.RequireFromString("200"),
		DiscountPercent: decimal.RequireFromString("10"),
		DepositAmount:   decimal.RequireFromString("500"),
		Blackouts:       []domain.Interval{{Start: jan(10), End: jan(12)}},
		Active:          true,
	}
	f.listings.On("GetListing", mock.Anything, listing.ID).Return(listing, nil)

	request := func(start, end float64) service.CreateTransactionRequest {
		req := f.request(assetRef(a.ID), jan(start), jan(end))
		req.Counterparty = domain.Counterparty{ClientOrgID: &client.OrgID}
		req.ListingID = &listing.ID
		return req
	}

	t.Run("BlackoutConflicts", func(t *testing.T) {
		_, err := f.transactions.Create(ctx, client, request(11, 13))
		var conflict *domain.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Len(t, conflict.Blackouts, 1)

		avail, err := f.availability.CheckListingAvailability(ctx, listing.ID, domain.Interval{Start: jan(11), End: jan(13)})
		require.NoError(t, err)
		assert.False(t, avail.Available)
	})

	t.Run("ClientBooksOwnerReserves", func(t *testing.T) {
		pending, err := f.transactions.Create(ctx, client, request(3, 5))
		require.NoError(t, err)
		assert.Equal(t, f.orgID, pending.OrgID)
		assert.Equal(t, "200", pending.Pricing.DailyRate.String())
		assert.Equal(t, "500", pending.Pricing.DepositHeld.String())

		seen, err := f.transactions.Get(ctx, client, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, pending.ID, seen.ID)

		_, err = f.transactions.Reserve(ctx, client, pending.ID)
		assert.ErrorIs(t, err, domain.ErrForbidden)

		reserved, err := f.transactions.Reserve(ctx, f.admin, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusReserved, reserved.Status)
	})

	t.Run("NeedsClientCounterparty", func(t *testing.T) {
		req := request(20, 21)
		member := uuid.New()
		req.Counterparty = domain.Counterparty{TeamMemberID: &member}
		_, err := f.transactions.Create(ctx, f.admin, req)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}
