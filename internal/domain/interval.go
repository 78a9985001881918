package domain

import (
	"math"
	"time"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewInterval normalizes to UTC at microsecond precision, the resolution
// of the postgres timestamp columns.
func NewInterval(start, end time.Time) (Interval, error) {
	iv := Interval{Start: start.UTC().Truncate(time.Microsecond), End: end.UTC().Truncate(time.Microsecond)}
	if err := iv.Validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

func (iv Interval) Validate() error {
	if iv.Start.IsZero() || iv.End.IsZero() {
		return Invalidf("interval start and end are required")
	}
	if !iv.End.After(iv.Start) {
		return Invalidf("interval end %s must be after start %s", iv.End.Format(time.RFC3339), iv.Start.Format(time.RFC3339))
	}
	return nil
}

// Overlaps reports whether the two half-open intervals intersect.
// Touching endpoints do not overlap.
func (iv Interval) Overlaps(o Interval) bool {
	return iv.Start.Before(o.End) && o.Start.Before(iv.End)
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// BillableDays counts started 24h periods; a 25 hour rental is two days.
func (iv Interval) BillableDays() int {
	if !iv.End.After(iv.Start) {
		return 0
	}
	return int(math.Ceil(iv.Duration().Hours() / 24))
}
