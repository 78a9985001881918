package domain

import (
	"time"

	"github.com/google/uuid"
)

type ExtensionStatus string

const (
	ExtensionPending      ExtensionStatus = "pending"
	ExtensionApproved     ExtensionStatus = "approved"
	ExtensionDenied       ExtensionStatus = "denied"
	ExtensionAutoApproved ExtensionStatus = "auto_approved"
)

func (s ExtensionStatus) IsFinal() bool {
	return s != ExtensionPending
}

type Extension struct {
	ID            uuid.UUID       `json:"id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	CurrentEnd    time.Time       `json:"current_end"`
	RequestedEnd  time.Time       `json:"requested_end"`
	Status        ExtensionStatus `json:"status"`
	RequestedBy   uuid.UUID       `json:"requested_by"`
	DecidedBy     *uuid.UUID      `json:"decided_by,omitempty"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AddedInterval is the only range re-checked on approval.
func (e *Extension) AddedInterval() Interval {
	return Interval{Start: e.CurrentEnd, End: e.RequestedEnd}
}

// AddedDays counts started days added by the extension.
func (e *Extension) AddedDays() int {
	return e.AddedInterval().BillableDays()
}
