package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Listing is a cross-organization marketplace offer, read from the
// marketplace listing service.
type Listing struct {
	ID              uuid.UUID       `json:"id"`
	OwnerOrgID      uuid.UUID       `json:"owner_org_id"`
	Target          AssetRef        `json:"target"`
	DailyRate       decimal.Decimal `json:"daily_rate"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DepositAmount   decimal.Decimal `json:"deposit_amount"`
	LateFeePerDay   decimal.Decimal `json:"late_fee_per_day"`
	Blackouts       []Interval      `json:"blackout_dates"`
	Active          bool            `json:"active"`
}

// BlackoutsOverlapping returns the blackout periods intersecting iv.
func (l *Listing) BlackoutsOverlapping(iv Interval) []Interval {
	var out []Interval
	for _, b := range l.Blackouts {
		if b.Overlaps(iv) {
			out = append(out, b)
		}
	}
	return out
}
