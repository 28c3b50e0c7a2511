package resolve

import (
	"testing"

	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		year    string
		month   string
		period  string
		layouts []string
		want    core.Period
		wantErr string
	}{
		{name: "yyyymmdd", kind: config.PeriodDate, period: "20230131", want: core.MonthlyPeriod(2023, 1)},
		{name: "iso date", kind: config.PeriodDate, period: "2023-02-15", want: core.MonthlyPeriod(2023, 2)},
		{name: "us date", kind: config.PeriodDate, period: "3/7/2023", want: core.MonthlyPeriod(2023, 3)},
		{name: "custom layout", kind: config.PeriodDate, period: "07.03.2023", layouts: []string{"02.01.2006"}, want: core.MonthlyPeriod(2023, 3)},
		{name: "bad date", kind: config.PeriodDate, period: "someday", wantErr: "unrecognized date"},
		{name: "invalid yyyymmdd", kind: config.PeriodDate, period: "20231341", wantErr: "invalid date"},
		{name: "date from year and month", kind: config.PeriodDate, year: "2023", month: "4", want: core.MonthlyPeriod(2023, 4)},
		{name: "year month", kind: config.PeriodYearMonth, period: "2023-09", want: core.MonthlyPeriod(2023, 9)},
		{name: "year month compact", kind: config.PeriodYearMonth, period: "202311", want: core.MonthlyPeriod(2023, 11)},
		{name: "year month columns", kind: config.PeriodYearMonth, year: "2022", month: "12", want: core.MonthlyPeriod(2022, 12)},
		{name: "year month bad month", kind: config.PeriodYearMonth, period: "2023-13", wantErr: "invalid month"},
		{name: "laus code", kind: config.PeriodYearPeriod, year: "2023", period: "M02", want: core.MonthlyPeriod(2023, 2)},
		{name: "laus annual average", kind: config.PeriodYearPeriod, year: "2023", period: "M13", wantErr: "annual average"},
		{name: "laus bad code", kind: config.PeriodYearPeriod, year: "2023", period: "Q1", wantErr: "unknown period code"},
		{name: "annual", kind: config.PeriodYear, year: "2021", want: core.AnnualPeriod(2021)},
		{name: "annual from period column", kind: config.PeriodYear, period: "2021", want: core.AnnualPeriod(2021)},
		{name: "annual bad year", kind: config.PeriodYear, year: "21", wantErr: "invalid year"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := config.PeriodRule{Kind: tt.kind, Layouts: tt.layouts}
			rec := core.CanonicalRecord{RawYear: tt.year, RawMonth: tt.month, RawPeriod: tt.period}
			got, err := ParsePeriod(rule, rec)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInWindow(t *testing.T) {
	start := core.MonthlyPeriod(2022, 7)
	end := core.MonthlyPeriod(2023, 6)

	assert.True(t, InWindow(core.MonthlyPeriod(2022, 7), start, end))
	assert.True(t, InWindow(core.MonthlyPeriod(2023, 6), start, end))
	assert.False(t, InWindow(core.MonthlyPeriod(2022, 6), start, end))
	assert.False(t, InWindow(core.MonthlyPeriod(2023, 7), start, end))
	assert.True(t, InWindow(core.AnnualPeriod(2022), start, end))
	assert.False(t, InWindow(core.AnnualPeriod(2024), start, end))
	assert.True(t, InWindow(core.MonthlyPeriod(1999, 1), core.Period{}, core.Period{}))
	assert.False(t, InWindow(core.MonthlyPeriod(2019, 12), core.AnnualPeriod(2020), core.Period{}))
}
