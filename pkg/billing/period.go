package billing

import (
	"fmt"
	"time"
)

// Period identifies a calendar-month billing bucket (UTC).
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the billing period containing t.
func PeriodOf(t time.Time) Period {
	u := t.UTC()
	return Period{Year: u.Year(), Month: u.Month()}
}

// CurrentPeriod returns the billing period for the current wall-clock time.
func CurrentPeriod() Period {
	return PeriodOf(time.Now())
}

// ParsePeriod parses a period in "2006-01" form.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid billing period %q: %w", s, err)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// String renders the period in "2006-01" form, the format stored in
// ledger and snapshot rows.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Start returns the first instant of the period (UTC).
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the following period (UTC).
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Previous returns the immediately preceding period.
func (p Period) Previous() Period {
	return PeriodOf(p.Start().AddDate(0, -1, 0))
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	u := t.UTC()
	return !u.Before(p.Start()) && u.Before(p.End())
}

// IsZero reports whether p is the zero value.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}
