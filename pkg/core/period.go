package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Period identifies a reporting period. Month is 1-12 for monthly data and 0
// for annual data.
type Period struct {
	Year  int
	Month int
}

// MonthlyPeriod returns a monthly period.
func MonthlyPeriod(year, month int) Period {
	return Period{Year: year, Month: month}
}

// AnnualPeriod returns an annual period.
func AnnualPeriod(year int) Period {
	return Period{Year: year}
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

// IsAnnual reports whether the period covers a whole year.
func (p Period) IsAnnual() bool {
	return p.Month == 0
}

// Valid reports whether the period is in canonical form.
func (p Period) Valid() bool {
	return p.Year >= 1000 && p.Year <= 9999 && p.Month >= 0 && p.Month <= 12
}

// AsYear returns the annual period containing p.
func (p Period) AsYear() Period {
	return Period{Year: p.Year}
}

// Index returns a monotonically increasing ordinal for monthly periods.
// Annual periods are ordered as if they were month 0 of their year.
func (p Period) Index() int {
	return p.Year*13 + p.Month
}

// Before reports whether p sorts before q.
func (p Period) Before(q Period) bool {
	return p.Index() < q.Index()
}

// MonthsSince returns the number of whole months between q and p (p - q).
// Annual periods count in years of twelve months.
func (p Period) MonthsSince(q Period) int {
	if p.IsAnnual() || q.IsAnnual() {
		return (p.Year - q.Year) * 12
	}
	return (p.Year-q.Year)*12 + (p.Month - q.Month)
}

// String returns the canonical text form: YYYY-MM or YYYY.
func (p Period) String() string {
	if p.IsZero() {
		return ""
	}
	if p.IsAnnual() {
		return fmt.Sprintf("%04d", p.Year)
	}
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// ParsePeriod parses the canonical period text produced by String.
func ParsePeriod(s string) (Period, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Period{}, fmt.Errorf("empty period")
	}
	yearPart, monthPart, hasMonth := strings.Cut(s, "-")
	year, err := strconv.Atoi(yearPart)
	if err != nil || len(yearPart) != 4 {
		return Period{}, fmt.Errorf("invalid period year %q", s)
	}
	if !hasMonth {
		return AnnualPeriod(year), nil
	}
	month, err := strconv.Atoi(monthPart)
	if err != nil || month < 1 || month > 12 {
		return Period{}, fmt.Errorf("invalid period month %q", s)
	}
	return MonthlyPeriod(year, month), nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Period) UnmarshalText(b []byte) error {
	parsed, err := ParsePeriod(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// JoinKey is the canonical (geography, period) key used to align datasets.
type JoinKey struct {
	GeoID  string
	Period Period
}

// String returns "geo@period".
func (k JoinKey) String() string {
	return k.GeoID + "@" + k.Period.String()
}

// Less orders keys by geography then period.
func (k JoinKey) Less(o JoinKey) bool {
	if k.GeoID != o.GeoID {
		return k.GeoID < o.GeoID
	}
	return k.Period.Before(o.Period)
}
