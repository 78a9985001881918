package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/service"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func asyncReceiverPolicy(p *domain.OrgPolicy) {
	p.Checkout.Required = false
	p.Receiver = domain.ReceiverPolicy{Required: true, Method: domain.MethodScanOrCheckoff, Timing: domain.TimingAsyncLink}
	p.AsyncLinkTTLHours = 24
}

func TestVerificationService_AsyncLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPolicy(t, asyncReceiverPolicy)
	a := f.asset(t, "Camera body", false, nil)
	txn := f.reserve(t, assetRef(a.ID), jan(3), jan(4))
	f.clock.Set(jan(2))

	session, token, err := f.verification.IssueLink(ctx, f.admin, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeAsyncLink, session.Mode)
	assert.Equal(t, []uuid.UUID{a.ID}, session.ItemsToVerify)
	require.NotNil(t, session.TokenExpiresAt)
	assert.Equal(t, jan(3), *session.TokenExpiresAt)

	t.Run("SameSessionNotAllowed", func(t *testing.T) {
		_, err := f.verification.StartSession(ctx, f.admin, txn.ID, domain.GateCheckoutReceiver)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("DescribeLink", func(t *testing.T) {
		described, err := f.verification.DescribeLink(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, session.ID, described.ID)

		_, err = f.verification.DescribeLink(ctx, token+"x")
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("CheckoutDefersToOpenLink", func(t *testing.T) {
		out, err := f.transactions.Checkout(ctx, f.admin, txn.ID, service.TransitionOptions{})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCheckedOut, out.Status)
		assert.Empty(t, out.FlaggedItems)
	})

	t.Run("ReceiverReportsMissingItem", func(t *testing.T) {
		completed, err := f.verification.SubmitLink(ctx, token, service.LinkSubmission{SubmittedBy: "client@example.com"})
		require.NoError(t, err)
		assert.True(t, completed.IsCompleted())
		assert.Equal(t, []uuid.UUID{a.ID}, completed.Discrepancies())

		stored, err := f.transactions.Get(ctx, f.admin, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{a.ID}, stored.FlaggedItems)
	})

	t.Run("LinkIsSingleUse", func(t *testing.T) {
		_, err := f.verification.SubmitLink(ctx, token, service.LinkSubmission{
			Items: []service.ItemConfirmation{{ItemID: a.ID, Method: domain.ItemScan}},
		})
		var expired *domain.ExpiredLinkError
		require.ErrorAs(t, err, &expired)
		assert.True(t, expired.Used)
	})
}

func TestVerificationService_AsyncLinkUnderBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPolicy(t, func(p *domain.OrgPolicy) {
		asyncReceiverPolicy(p)
		p.DiscrepancyAction = domain.DiscrepancyBlock
	})
	a := f.asset(t, "Cine lens", false, nil)
	b := f.asset(t, "Matte box", false, nil)
	first := f.reserve(t, assetRef(a.ID), jan(3), jan(4))
	second := f.reserve(t, assetRef(b.ID), jan(3), jan(4))
	f.clock.Set(jan(2))

	_, token, err := f.verification.IssueLink(ctx, f.admin, first.ID)
	require.NoError(t, err)

	t.Run("OpenLinkRefusesCheckout", func(t *testing.T) {
		for _, force := range []bool{false, true} {
			_, err := f.transactions.Checkout(ctx, f.admin, first.ID, service.TransitionOptions{Force: force})
			var violation *domain.PolicyViolation
			require.ErrorAs(t, err, &violation)
			assert.Equal(t, domain.GateCheckoutReceiver, violation.Gate)
			assert.Equal(t, "awaiting receiver link", violation.Reason)
			assert.Equal(t, []uuid.UUID{a.ID}, violation.MissingItems)
		}

		stored, err := f.transactions.Get(ctx, f.admin, first.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusReserved, stored.Status)
	})

	t.Run("ConfirmedLinkAllowsCheckout", func(t *testing.T) {
		_, err := f.verification.SubmitLink(ctx, token, service.LinkSubmission{
			Items: []service.ItemConfirmation{{ItemID: a.ID, Method: domain.ItemCheckoff}},
		})
		require.NoError(t, err)

		out, err := f.transactions.Checkout(ctx, f.admin, first.ID, service.TransitionOptions{})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCheckedOut, out.Status)
		assert.Empty(t, out.FlaggedItems)
	})

	t.Run("ReportedMissingItemRefusesCheckout", func(t *testing.T) {
		_, token, err := f.verification.IssueLink(ctx, f.admin, second.ID)
		require.NoError(t, err)
		_, err = f.verification.SubmitLink(ctx, token, service.LinkSubmission{SubmittedBy: "client@example.com"})
		require.NoError(t, err)

		_, err = f.transactions.Checkout(ctx, f.admin, second.ID, service.TransitionOptions{})
		var violation *domain.PolicyViolation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, []uuid.UUID{b.ID}, violation.MissingItems)

		stored, err := f.transactions.Get(ctx, f.admin, second.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusReserved, stored.Status)
		assert.Empty(t, stored.FlaggedItems)
	})
}

func TestVerificationService_ExpiredLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPolicy(t, asyncReceiverPolicy)
	a := f.asset(t, "Gimbal", false, nil)
	txn := f.reserve(t, assetRef(a.ID), jan(3), jan(4))
	f.clock.Set(jan(1))

	session, token, err := f.verification.IssueLink(ctx, f.admin, txn.ID)
	require.NoError(t, err)
	f.clock.Set(jan(2).Add(time.Minute))

	t.Run("SubmitAfterExpiry", func(t *testing.T) {
		_, err := f.verification.SubmitLink(ctx, token, service.LinkSubmission{
			Items: []service.ItemConfirmation{{ItemID: a.ID, Method: domain.ItemScan}},
		})
		var expired *domain.ExpiredLinkError
		require.ErrorAs(t, err, &expired)
		assert.False(t, expired.Used)
		assert.Equal(t, jan(2), expired.ExpiredAt)

		stored, err := f.verification.GetSession(ctx, f.admin, session.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionExpired, stored.Status)
	})

	t.Run("CheckoutRefused", func(t *testing.T) {
		_, err := f.transactions.Checkout(ctx, f.admin, txn.ID, service.TransitionOptions{})
		assert.ErrorIs(t, err, domain.ErrExpiredLink)
	})

	t.Run("ForcedCheckoutFlagsItems", func(t *testing.T) {
		out, err := f.transactions.Checkout(ctx, f.admin, txn.ID, service.TransitionOptions{Force: true})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{a.ID}, out.FlaggedItems)
	})
}

func TestVerificationService_SweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPolicy(t, asyncReceiverPolicy)
	for i := 0; i < 3; i++ {
		a := f.asset(t, "Light", false, nil)
		txn := f.reserve(t, assetRef(a.ID), jan(3), jan(4))
		_, _, err := f.verification.IssueLink(ctx, f.admin, txn.ID)
		require.NoError(t, err)
	}

	n, err := f.verification.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	f.clock.Set(jan(3))
	n, err = f.verification.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestVerificationService_SessionRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPolicy(t, func(p *domain.OrgPolicy) {
		p.Checkout.Method = domain.MethodScanOnly
		p.Checkin.Method = domain.MethodSignature
		p.PackageVerification = domain.GranularityVerifyContents
	})
	pkg := f.asset(t, "Lighting package", true, nil)
	var accessories []uuid.UUID
	for i := 0; i < 4; i++ {
		accessories = append(accessories, f.asset(t, "Lamp head", false, &pkg.ID).ID)
	}
	txn := f.reserve(t, assetRef(pkg.ID), jan(3), jan(4))

	session, err := f.verification.StartSession(ctx, f.admin, txn.ID, domain.GateCheckoutSender)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeScanOnly, session.Mode)
	assert.Len(t, session.ItemsToVerify, 5)

	t.Run("CheckinGateNotOpenYet", func(t *testing.T) {
		_, err := f.verification.StartSession(ctx, f.admin, txn.ID, domain.GateCheckin)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("ScanOnlyRefusesCheckoff", func(t *testing.T) {
		_, err := f.verification.RecordItems(ctx, f.admin, session.ID, []service.ItemConfirmation{
			{ItemID: pkg.ID, Method: domain.ItemCheckoff},
		})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("UnknownItemRefused", func(t *testing.T) {
		_, err := f.verification.RecordItems(ctx, f.admin, session.ID, []service.ItemConfirmation{
			{ItemID: uuid.New(), Method: domain.ItemScan},
		})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("ConcurrentScansMerge", func(t *testing.T) {
		var wg sync.WaitGroup
		for _, id := range append([]uuid.UUID{pkg.ID}, accessories...) {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				_, err := f.verification.RecordItems(ctx, f.admin, session.ID, []service.ItemConfirmation{
					{ItemID: id, Method: domain.ItemScan},
				})
				assert.NoError(t, err)
			}(id)
		}
		wg.Wait()

		stored, err := f.verification.GetSession(ctx, f.admin, session.ID)
		require.NoError(t, err)
		assert.Len(t, stored.Events, 5)
		assert.Empty(t, stored.Discrepancies())
	})

	t.Run("CompleteOnce", func(t *testing.T) {
		_, err := f.verification.Complete(ctx, f.admin, session.ID, "")
		require.NoError(t, err)
		_, err = f.verification.Complete(ctx, f.admin, session.ID, "")
		assert.ErrorIs(t, err, domain.ErrStaleState)
	})

	t.Run("SignatureRequired", func(t *testing.T) {
		_, err := f.transactions.Checkout(ctx, f.admin, txn.ID, service.TransitionOptions{})
		require.NoError(t, err)

		checkin, err := f.verification.StartSession(ctx, f.admin, txn.ID, domain.GateCheckin)
		require.NoError(t, err)
		assert.Equal(t, domain.ModeSignature, checkin.Mode)
		_, err = f.verification.Complete(ctx, f.admin, checkin.ID, "")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		_, err = f.verification.Complete(ctx, f.admin, checkin.ID, "https://files.example.com/sig.png")
		assert.NoError(t, err)
	})

	t.Run("ListSessions", func(t *testing.T) {
		sessions, err := f.verification.ListSessions(ctx, f.admin, txn.ID)
		require.NoError(t, err)
		assert.Len(t, sessions, 2)

		outsider := domain.Actor{UserID: uuid.New(), OrgID: uuid.New(), Role: domain.RoleOwner}
		_, err = f.verification.ListSessions(ctx, outsider, txn.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
