package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidInput        = errors.New("invalid input")
	ErrConflict            = errors.New("availability conflict")
	ErrPolicyViolation     = errors.New("policy violation")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrExpiredLink         = errors.New("verification link expired")
	ErrDuplicateSettlement = errors.New("duplicate settlement")
	ErrLedgerUnavailable   = errors.New("ledger unavailable")
	// ErrStaleState is returned by a compare-and-swap write whose expected
	// version no longer matches the stored row.
	ErrStaleState = errors.New("stale state")
)

// TransactionRef identifies the holder of a conflicting reservation window.
type TransactionRef struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UnitID        uuid.UUID `json:"unit_id"`
	Window        Interval  `json:"window"`
}

// ConflictError is an expected outcome: the requested interval overlaps
// held windows or listing blackout dates.
type ConflictError struct {
	Conflicts []TransactionRef `json:"conflicts,omitempty"`
	Blackouts []Interval       `json:"blackouts,omitempty"`
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 0 && len(e.Blackouts) > 0 {
		return fmt.Sprintf("availability conflict: %d blackout period(s) overlap", len(e.Blackouts))
	}
	ids := make([]string, 0, len(e.Conflicts))
	seen := make(map[uuid.UUID]bool)
	for _, c := range e.Conflicts {
		if seen[c.TransactionID] {
			continue
		}
		seen[c.TransactionID] = true
		ids = append(ids, c.TransactionID.String())
	}
	return fmt.Sprintf("availability conflict with transaction(s) %s", strings.Join(ids, ", "))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// TransactionIDs returns the distinct conflicting transaction ids in order of appearance.
func (e *ConflictError) TransactionIDs() []uuid.UUID {
	var out []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, c := range e.Conflicts {
		if !seen[c.TransactionID] {
			seen[c.TransactionID] = true
			out = append(out, c.TransactionID)
		}
	}
	return out
}

// PolicyViolation is returned when a verification gate refuses a transition.
// Overridable is true only for warn-level guards.
type PolicyViolation struct {
	Gate         Gate        `json:"gate"`
	Reason       string      `json:"reason"`
	MissingItems []uuid.UUID `json:"missing_items,omitempty"`
	Overridable  bool        `json:"overridable"`
}

func (e *PolicyViolation) Error() string {
	if len(e.MissingItems) > 0 {
		return fmt.Sprintf("policy violation at %s gate: %s (%d item(s) unverified)", e.Gate, e.Reason, len(e.MissingItems))
	}
	return fmt.Sprintf("policy violation at %s gate: %s", e.Gate, e.Reason)
}

func (e *PolicyViolation) Unwrap() error { return ErrPolicyViolation }

type InvalidTransitionError struct {
	From   TransactionStatus `json:"from"`
	To     TransactionStatus `json:"to"`
	Reason string            `json:"reason,omitempty"`
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

type ExpiredLinkError struct {
	SessionID uuid.UUID `json:"session_id"`
	ExpiredAt time.Time `json:"expired_at"`
	Used      bool      `json:"used"`
}

func (e *ExpiredLinkError) Error() string {
	if e.Used {
		return fmt.Sprintf("verification link for session %s was already used", e.SessionID)
	}
	return fmt.Sprintf("verification link for session %s expired at %s", e.SessionID, e.ExpiredAt.Format(time.RFC3339))
}

func (e *ExpiredLinkError) Unwrap() error { return ErrExpiredLink }

// Invalidf wraps ErrInvalidInput with a formatted message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
