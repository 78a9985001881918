package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	LedgerSourceType = "gear_transaction"
	LedgerCategory   = "gear_rental"
)

type SettlementStatus string

const (
	SettlementPendingLedger SettlementStatus = "pending_ledger"
	SettlementPosted        SettlementStatus = "posted"
)

// SettlementRecord is written once per transaction; TransactionID is the
// idempotency key both locally and in the external ledger.
type SettlementRecord struct {
	TransactionID  uuid.UUID        `json:"transaction_id"`
	OrgID          uuid.UUID        `json:"org_id"`
	Status         SettlementStatus `json:"status"`
	LateDays       int              `json:"late_days"`
	RentalCharge   decimal.Decimal  `json:"rental_charge"`
	LateFee        decimal.Decimal  `json:"late_fee"`
	DamageCharge   decimal.Decimal  `json:"damage_charge"`
	Tax            decimal.Decimal  `json:"tax"`
	Total          decimal.Decimal  `json:"total"`
	DepositHeld    decimal.Decimal  `json:"deposit_held"`
	DepositApplied decimal.Decimal  `json:"deposit_applied"`
	DepositRefund  decimal.Decimal  `json:"deposit_refund"`
	NetDue         decimal.Decimal  `json:"net_due"`
	LedgerRef      string           `json:"ledger_ref,omitempty"`
	ComputedAt     time.Time        `json:"computed_at"`
	PostedAt       *time.Time       `json:"posted_at,omitempty"`
}

// ComputeSettlement derives the charges of a checked-in transaction. It is
// a pure function of the stored transaction and incidents; wall-clock time
// only enters through the recorded check-in timestamp.
func ComputeSettlement(t *Transaction, incidents []Incident, now time.Time) *SettlementRecord {
	p := t.Pricing
	rec := &SettlementRecord{
		TransactionID: t.ID,
		OrgID:         t.OrgID,
		Status:        SettlementPendingLedger,
		LateDays:      t.LateDays,
		DepositHeld:   p.DepositHeld.Round(2),
		ComputedAt:    now,
	}

	rental := decimal.Zero
	if p.DailyRate.IsPositive() {
		days := decimal.NewFromInt(int64(t.Window.BillableDays()))
		discount := decimal.NewFromInt(1).Sub(p.DiscountPercent.Div(decimal.NewFromInt(100)))
		rental = p.DailyRate.Mul(days).Mul(discount)
	}
	rec.RentalCharge = rental.Round(2)

	rec.LateFee = LateFee(p.LateFeePerDay, t.LateDays)
	rec.DamageCharge = DamageCharge(t.ID, incidents)

	charges := rec.LateFee.Add(rec.DamageCharge)
	rec.Tax = charges.Mul(p.TaxRate).Round(2)
	rec.DepositApplied = decimal.Min(rec.DepositHeld, charges)
	rec.DepositRefund = rec.DepositHeld.Sub(rec.DepositApplied)
	rec.Total = rec.RentalCharge.Add(charges).Add(rec.Tax)
	rec.NetDue = rec.Total.Sub(rec.DepositApplied)
	return rec
}

// LateFee is the per-day fee times the late days, zero when either is not
// positive.
func LateFee(perDay decimal.Decimal, lateDays int) decimal.Decimal {
	if lateDays <= 0 || !perDay.IsPositive() {
		return decimal.Zero
	}
	return perDay.Mul(decimal.NewFromInt(int64(lateDays))).Round(2)
}

// DamageCharge sums the cost estimates of incidents reported at checkout or
// check-in. In-use incidents are recorded but not charged.
func DamageCharge(transactionID uuid.UUID, incidents []Incident) decimal.Decimal {
	damage := decimal.Zero
	for _, inc := range incidents {
		if inc.TransactionID == transactionID && inc.Stage.Chargeable() {
			damage = damage.Add(inc.CostEstimate)
		}
	}
	return damage.Round(2)
}

// LedgerEntry is what the financial ledger receives for a settlement.
// (SourceType, SourceID) is the ledger's deduplication key.
type LedgerEntry struct {
	SourceType string            `json:"source_type"`
	SourceID   string            `json:"source_id"`
	OrgID      uuid.UUID         `json:"org_id"`
	Amount     decimal.Decimal   `json:"amount"`
	Category   string            `json:"category"`
	Breakdown  map[string]string `json:"breakdown,omitempty"`
}

func (r *SettlementRecord) LedgerEntry() LedgerEntry {
	return LedgerEntry{
		SourceType: LedgerSourceType,
		SourceID:   r.TransactionID.String(),
		OrgID:      r.OrgID,
		Amount:     r.Total,
		Category:   LedgerCategory,
		Breakdown: map[string]string{
			"rental_charge":   r.RentalCharge.StringFixed(2),
			"late_fee":        r.LateFee.StringFixed(2),
			"damage_charge":   r.DamageCharge.StringFixed(2),
			"tax":             r.Tax.StringFixed(2),
			"deposit_applied": r.DepositApplied.StringFixed(2),
			"net_due":         r.NetDue.StringFixed(2),
		},
	}
}
