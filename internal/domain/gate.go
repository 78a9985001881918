package domain

import (
	"time"

	"github.com/google/uuid"
)

// GateDecision is the outcome of a gate that let the transition through.
type GateDecision struct {
	Gate    Gate        `json:"gate"`
	Flagged []uuid.UUID `json:"flagged,omitempty"`
	Forced  bool        `json:"forced"`
	// Deferred is set when an async receiver link is still open under a
	// warn policy; the receiver's result is flagged on the transaction when
	// it arrives. Under block an open link refuses the transition.
	Deferred bool `json:"deferred"`
}

// EvaluateGate applies the block/warn discrepancy policy to the session
// recorded for a gate. A block-level refusal is never overridable; a warn
// level refusal (session missing or incomplete) yields to force.
func EvaluateGate(gate Gate, required bool, action DiscrepancyAction, session *VerificationSession, force bool) (GateDecision, error) {
	decision := GateDecision{Gate: gate}
	if !required {
		return decision, nil
	}
	if session == nil || !session.IsCompleted() {
		return incomplete(decision, action, session, force)
	}
	return applyDiscrepancies(decision, action, session.Discrepancies())
}

// EvaluateReceiverGate evaluates the receiver gate, which may be satisfied by
// a same-session verification, an async link, or either. When both paths
// completed, the union of their discrepancies is authoritative.
func EvaluateReceiverGate(policy ReceiverPolicy, action DiscrepancyAction, syncSession, asyncSession *VerificationSession, now time.Time, force bool) (GateDecision, error) {
	decision := GateDecision{Gate: GateCheckoutReceiver}
	if !policy.Required {
		return decision, nil
	}
	if !policy.Timing.AllowsSync() {
		syncSession = nil
	}
	if !policy.Timing.AllowsAsync() {
		asyncSession = nil
	}

	var completed []*VerificationSession
	for _, s := range []*VerificationSession{syncSession, asyncSession} {
		if s != nil && s.IsCompleted() {
			completed = append(completed, s)
		}
	}
	if len(completed) > 0 {
		return applyDiscrepancies(decision, action, unionDiscrepancies(completed...))
	}

	if asyncSession != nil {
		if !asyncSession.IsExpired(now) {
			if action == DiscrepancyBlock {
				return decision, &PolicyViolation{
					Gate:         decision.Gate,
					Reason:       "awaiting receiver link",
					MissingItems: asyncSession.ItemsToVerify,
				}
			}
			decision.Deferred = true
			return decision, nil
		}
		if !(action == DiscrepancyWarn && force) {
			expiredAt := now
			if asyncSession.TokenExpiresAt != nil {
				expiredAt = *asyncSession.TokenExpiresAt
			}
			return decision, &ExpiredLinkError{SessionID: asyncSession.ID, ExpiredAt: expiredAt}
		}
	}

	session := syncSession
	if session == nil {
		session = asyncSession
	}
	return incomplete(decision, action, session, force)
}

func incomplete(decision GateDecision, action DiscrepancyAction, session *VerificationSession, force bool) (GateDecision, error) {
	var missing []uuid.UUID
	if session != nil {
		missing = session.ItemsToVerify
	}
	if action == DiscrepancyWarn && force {
		decision.Forced = true
		decision.Flagged = append([]uuid.UUID(nil), missing...)
		return decision, nil
	}
	reason := "verification session not completed"
	if session == nil {
		reason = "required verification session missing"
	}
	return decision, &PolicyViolation{
		Gate:         decision.Gate,
		Reason:       reason,
		MissingItems: missing,
		Overridable:  action == DiscrepancyWarn,
	}
}

func applyDiscrepancies(decision GateDecision, action DiscrepancyAction, missing []uuid.UUID) (GateDecision, error) {
	if len(missing) == 0 {
		return decision, nil
	}
	if action == DiscrepancyBlock {
		return decision, &PolicyViolation{
			Gate:         decision.Gate,
			Reason:       "discrepancies found",
			MissingItems: missing,
		}
	}
	decision.Flagged = missing
	return decision, nil
}

func unionDiscrepancies(sessions ...*VerificationSession) []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, s := range sessions {
		for _, id := range s.Discrepancies() {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
