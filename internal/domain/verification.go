package domain

import (
	"time"

	"github.com/google/uuid"
)

type Gate string

const (
	GateCheckoutSender   Gate = "checkout_sender"
	GateCheckoutReceiver Gate = "checkout_receiver"
	GateCheckin          Gate = "checkin"
)

func ParseGate(s string) (Gate, error) {
	switch g := Gate(s); g {
	case GateCheckoutSender, GateCheckoutReceiver, GateCheckin:
		return g, nil
	}
	return "", Invalidf("unknown verification gate %q", s)
}

// EntryStatus is the transaction status a gate session can be opened in.
func (g Gate) EntryStatus() TransactionStatus {
	if g == GateCheckin {
		return StatusCheckedOut
	}
	return StatusReserved
}

type SessionMode string

const (
	ModeScanOnly       SessionMode = "scan_only"
	ModeScanOrCheckoff SessionMode = "scan_or_checkoff"
	ModeSignature      SessionMode = "signature"
	ModeAsyncLink      SessionMode = "async_link"
)

func ModeForMethod(m VerificationMethod) SessionMode {
	switch m {
	case MethodScanOnly:
		return ModeScanOnly
	case MethodSignature:
		return ModeSignature
	}
	return ModeScanOrCheckoff
}

type ItemMethod string

const (
	ItemScan     ItemMethod = "scan"
	ItemCheckoff ItemMethod = "checkoff"
)

func ParseItemMethod(s string) (ItemMethod, error) {
	switch m := ItemMethod(s); m {
	case ItemScan, ItemCheckoff:
		return m, nil
	}
	return "", Invalidf("unknown item verification method %q", s)
}

// Accepts reports whether an item confirmation method is allowed in a
// session of this mode. Scan-only sessions refuse manual checkoffs.
func (m SessionMode) Accepts(method ItemMethod) bool {
	if method == ItemScan {
		return true
	}
	return m != ModeScanOnly
}

type SessionStatus string

const (
	SessionOpen      SessionStatus = "open"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

type VerificationEvent struct {
	ItemID     uuid.UUID  `json:"item_id"`
	VerifiedAt time.Time  `json:"verified_at"`
	VerifiedBy string     `json:"verified_by"`
	Method     ItemMethod `json:"method"`
}

type VerificationSession struct {
	ID            uuid.UUID           `json:"id"`
	TransactionID uuid.UUID           `json:"transaction_id"`
	Gate          Gate                `json:"gate"`
	Mode          SessionMode         `json:"mode"`
	Status        SessionStatus       `json:"status"`
	ItemsToVerify []uuid.UUID         `json:"items_to_verify"`
	Events        []VerificationEvent `json:"items_verified"`
	SignatureURL  string              `json:"signature_url,omitempty"`

	TokenID        *uuid.UUID `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	TokenUsedAt    *time.Time `json:"token_used_at,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CompletedBy string     `json:"completed_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Discrepancies is items_to_verify minus the verified items, computed from
// the full event set every time so the result does not depend on the order
// in which items were confirmed.
func (s *VerificationSession) Discrepancies() []uuid.UUID {
	verified := make(map[uuid.UUID]bool, len(s.Events))
	for _, e := range s.Events {
		verified[e.ItemID] = true
	}
	out := []uuid.UUID{}
	for _, id := range s.ItemsToVerify {
		if !verified[id] {
			out = append(out, id)
		}
	}
	return out
}

// Expects reports whether id is part of the gate-entry snapshot.
func (s *VerificationSession) Expects(id uuid.UUID) bool {
	for _, item := range s.ItemsToVerify {
		if item == id {
			return true
		}
	}
	return false
}

// IsExpired evaluates link expiry lazily against now.
func (s *VerificationSession) IsExpired(now time.Time) bool {
	if s.Status == SessionExpired {
		return true
	}
	if s.Mode != ModeAsyncLink || s.TokenExpiresAt == nil || s.Status == SessionCompleted {
		return false
	}
	return !now.Before(*s.TokenExpiresAt)
}

func (s *VerificationSession) IsCompleted() bool {
	return s.Status == SessionCompleted
}
