package domain

import (
	"time"

	"github.com/google/uuid"
)

type WindowStatus string

const (
	WindowReserved   WindowStatus = "reserved"
	WindowCheckedOut WindowStatus = "checked_out"
	WindowReleased   WindowStatus = "released"
	WindowReturned   WindowStatus = "returned"
)

// IsActive reports whether the window still blocks other reservations.
func (s WindowStatus) IsActive() bool {
	return s == WindowReserved || s == WindowCheckedOut
}

// WindowStatusFor maps a transaction status to the status of the windows
// it owns. The second result is false when the windows are untouched.
func WindowStatusFor(s TransactionStatus) (WindowStatus, bool) {
	switch s {
	case StatusReserved:
		return WindowReserved, true
	case StatusCheckedOut:
		return WindowCheckedOut, true
	case StatusCheckedIn:
		return WindowReturned, true
	case StatusCancelled:
		return WindowReleased, true
	}
	return "", false
}

// ReservationWindow is one held unit (asset, accessory, kit instance) of a
// transaction.
type ReservationWindow struct {
	ID            uuid.UUID    `json:"id"`
	TransactionID uuid.UUID    `json:"transaction_id"`
	UnitID        uuid.UUID    `json:"unit_id"`
	Window        Interval     `json:"window"`
	Status        WindowStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Availability is the answer of an availability check.
type Availability struct {
	Available bool             `json:"available"`
	Conflicts []TransactionRef `json:"conflicts"`
	Blackouts []Interval       `json:"blackouts,omitempty"`
}

// Err converts an unavailable result into a *ConflictError.
func (a Availability) Err() error {
	if a.Available {
		return nil
	}
	return &ConflictError{Conflicts: a.Conflicts, Blackouts: a.Blackouts}
}
