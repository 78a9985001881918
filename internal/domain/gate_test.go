package domain

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionWith(items []uuid.UUID, verified ...uuid.UUID) *VerificationSession {
	s := &VerificationSession{
		ID:            uuid.New(),
		Gate:          GateCheckoutSender,
		Mode:          ModeScanOrCheckoff,
		Status:        SessionCompleted,
		ItemsToVerify: items,
	}
	for _, id := range verified {
		s.Events = append(s.Events, VerificationEvent{ItemID: id, Method: ItemScan})
	}
	return s
}

func TestDiscrepancies_OrderIndependent(t *testing.T) {
	items := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	verified := []uuid.UUID{items[0], items[2], items[4]}

	want := sessionWith(items, verified...).Discrepancies()
	assert.Equal(t, []uuid.UUID{items[1], items[3]}, want)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]uuid.UUID(nil), verified...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		// duplicates must not matter either
		shuffled = append(shuffled, shuffled[0])
		assert.Equal(t, want, sessionWith(items, shuffled...).Discrepancies())
	}
}

func TestEvaluateGate(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	t.Run("Not required", func(t *testing.T) {
		d, err := EvaluateGate(GateCheckoutSender, false, DiscrepancyBlock, nil, false)
		require.NoError(t, err)
		assert.Empty(t, d.Flagged)
	})

	t.Run("Block with discrepancy refuses", func(t *testing.T) {
		_, err := EvaluateGate(GateCheckoutSender, true, DiscrepancyBlock, sessionWith([]uuid.UUID{a, b}, a), false)
		var pv *PolicyViolation
		require.True(t, errors.As(err, &pv))
		assert.Equal(t, []uuid.UUID{b}, pv.MissingItems)
		assert.False(t, pv.Overridable)
		assert.ErrorIs(t, err, ErrPolicyViolation)
	})

	t.Run("Block ignores force", func(t *testing.T) {
		_, err := EvaluateGate(GateCheckoutSender, true, DiscrepancyBlock, nil, true)
		assert.ErrorIs(t, err, ErrPolicyViolation)
	})

	t.Run("Warn flags discrepancies", func(t *testing.T) {
		d, err := EvaluateGate(GateCheckin, true, DiscrepancyWarn, sessionWith([]uuid.UUID{a, b}, b), false)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{a}, d.Flagged)
		assert.False(t, d.Forced)
	})

	t.Run("Warn incomplete needs force", func(t *testing.T) {
		open := sessionWith([]uuid.UUID{a, b})
		open.Status = SessionOpen
		_, err := EvaluateGate(GateCheckin, true, DiscrepancyWarn, open, false)
		var pv *PolicyViolation
		require.True(t, errors.As(err, &pv))
		assert.True(t, pv.Overridable)

		d, err := EvaluateGate(GateCheckin, true, DiscrepancyWarn, open, true)
		require.NoError(t, err)
		assert.True(t, d.Forced)
		assert.ElementsMatch(t, []uuid.UUID{a, b}, d.Flagged)
	})
}

func TestEvaluateReceiverGate(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	now := time.Date(2026, 1, 3, 10, 0, 0, 0, time.UTC)
	policy := ReceiverPolicy{Required: true, Method: MethodSignature, Timing: TimingBoth}

	asyncSession := func(expires time.Time) *VerificationSession {
		s := sessionWith([]uuid.UUID{a, b, c})
		s.Mode = ModeAsyncLink
		s.Status = SessionOpen
		s.TokenExpiresAt = &expires
		return s
	}

	t.Run("Union of both completed sessions", func(t *testing.T) {
		syncS := sessionWith([]uuid.UUID{a, b, c}, a, b)
		asyncS := sessionWith([]uuid.UUID{a, b, c}, b, c)
		asyncS.Mode = ModeAsyncLink
		d, err := EvaluateReceiverGate(policy, DiscrepancyWarn, syncS, asyncS, now, false)
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{c, a}, d.Flagged)
	})

	t.Run("Open async link defers under warn", func(t *testing.T) {
		d, err := EvaluateReceiverGate(policy, DiscrepancyWarn, nil, asyncSession(now.Add(time.Hour)), now, false)
		require.NoError(t, err)
		assert.True(t, d.Deferred)
	})

	t.Run("Open async link refuses under block", func(t *testing.T) {
		open := asyncSession(now.Add(time.Hour))
		for _, force := range []bool{false, true} {
			d, err := EvaluateReceiverGate(policy, DiscrepancyBlock, nil, open, now, force)
			var pv *PolicyViolation
			require.True(t, errors.As(err, &pv))
			assert.Equal(t, GateCheckoutReceiver, pv.Gate)
			assert.Equal(t, "awaiting receiver link", pv.Reason)
			assert.Equal(t, []uuid.UUID{a, b, c}, pv.MissingItems)
			assert.False(t, pv.Overridable)
			assert.False(t, d.Deferred)
		}
	})

	t.Run("Expired async link", func(t *testing.T) {
		_, err := EvaluateReceiverGate(policy, DiscrepancyBlock, nil, asyncSession(now.Add(-time.Hour)), now, false)
		var expired *ExpiredLinkError
		require.True(t, errors.As(err, &expired))
	})

	t.Run("Async ignored under same_session timing", func(t *testing.T) {
		p := policy
		p.Timing = TimingSameSession
		_, err := EvaluateReceiverGate(p, DiscrepancyBlock, nil, asyncSession(now.Add(time.Hour)), now, false)
		assert.ErrorIs(t, err, ErrPolicyViolation)
	})
}
