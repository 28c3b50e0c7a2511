package resolve

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// DefaultDateLayouts are tried in order when a date period rule names none.
var DefaultDateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"01-02-2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

var (
	yyyymmdd   = regexp.MustCompile(`^\d{8}$`)
	yyyymm     = regexp.MustCompile(`^(\d{4})(\d{2})$`)
	yearMonth  = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})$`)
	periodCode = regexp.MustCompile(`^M(\d{2})$`)
)

// ParsePeriod derives the canonical period of a normalized record.
func ParsePeriod(rule config.PeriodRule, rec core.CanonicalRecord) (core.Period, error) {
	switch rule.Kind {
	case config.PeriodDate:
		if rec.RawPeriod == "" {
			return fromYearMonth(rec.RawYear, rec.RawMonth)
		}
		return parseDate(rec.RawPeriod, rule.Layouts)

	case config.PeriodYearMonth:
		if rec.RawPeriod == "" {
			return fromYearMonth(rec.RawYear, rec.RawMonth)
		}
		return parseYearMonth(rec.RawPeriod)

	case config.PeriodYearPeriod:
		year, err := parseYear(rec.RawYear)
		if err != nil {
			return core.Period{}, err
		}
		m := periodCode.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(rec.RawPeriod)))
		if m == nil {
			return core.Period{}, fmt.Errorf("unknown period code %q", rec.RawPeriod)
		}
		month, _ := strconv.Atoi(m[1])
		if month == 13 {
			return core.Period{}, fmt.Errorf("period code M13 is an annual average")
		}
		if month < 1 || month > 12 {
			return core.Period{}, fmt.Errorf("unknown period code %q", rec.RawPeriod)
		}
		return core.MonthlyPeriod(year, month), nil

	case config.PeriodYear:
		raw := rec.RawYear
		if raw == "" {
			raw = rec.RawPeriod
		}
		year, err := parseYear(raw)
		if err != nil {
			return core.Period{}, err
		}
		return core.AnnualPeriod(year), nil

	default:
		return core.Period{}, fmt.Errorf("unknown period kind %q", rule.Kind)
	}
}

func parseDate(raw string, layouts []string) (core.Period, error) {
	raw = strings.TrimSpace(raw)
	if yyyymmdd.MatchString(raw) {
		t, err := time.Parse("20060102", raw)
		if err != nil {
			return core.Period{}, fmt.Errorf("invalid date %q", raw)
		}
		return checked(core.MonthlyPeriod(t.Year(), int(t.Month())))
	}
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return checked(core.MonthlyPeriod(t.Year(), int(t.Month())))
		}
	}
	return core.Period{}, fmt.Errorf("unrecognized date %q", raw)
}

func parseYearMonth(raw string) (core.Period, error) {
	raw = strings.TrimSpace(raw)
	m := yearMonth.FindStringSubmatch(raw)
	if m == nil {
		m = yyyymm.FindStringSubmatch(raw)
	}
	if m == nil {
		return core.Period{}, fmt.Errorf("unrecognized year-month %q", raw)
	}
	return fromYearMonth(m[1], m[2])
}

func fromYearMonth(rawYear, rawMonth string) (core.Period, error) {
	year, err := parseYear(rawYear)
	if err != nil {
		return core.Period{}, err
	}
	month, err := strconv.Atoi(strings.TrimSpace(rawMonth))
	if err != nil || month < 1 || month > 12 {
		return core.Period{}, fmt.Errorf("invalid month %q", rawMonth)
	}
	return core.MonthlyPeriod(year, month), nil
}

func parseYear(raw string) (int, error) {
	year, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || year < 1000 || year > 9999 {
		return 0, fmt.Errorf("invalid year %q", raw)
	}
	return year, nil
}

func checked(p core.Period) (core.Period, error) {
	if !p.Valid() {
		return core.Period{}, fmt.Errorf("period %s out of range", p)
	}
	return p, nil
}

// InWindow reports whether p lies within [start, end]. Zero bounds are open.
// Annual periods are compared by year.
func InWindow(p, start, end core.Period) bool {
	if !start.IsZero() && atGrain(p, start).Before(atGrain(start, p)) {
		return false
	}
	if !end.IsZero() && atGrain(end, p).Before(atGrain(p, end)) {
		return false
	}
	return true
}

// atGrain drops the month of p when other is annual.
func atGrain(p, other core.Period) core.Period {
	if other.IsAnnual() {
		return p.AsYear()
	}
	return p
}
