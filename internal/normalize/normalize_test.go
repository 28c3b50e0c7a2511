package normalize

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/internal/testutil"
	"github.com/nth190/liheap-data-engineering/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assistanceDataset() *config.DatasetConfig {
	return &config.DatasetConfig{
		Name:      "liheap",
		Role:      core.RolePrimary,
		GeoFormat: config.GeoZip,
		Grain:     config.GrainZip,
		Columns: []config.ColumnMapping{
			{Field: "geo", Aliases: []string{"Zip Code", "zip"}, Required: true},
			{Field: "period", Aliases: []string{"Pledge Date", "date"}, Required: true, Type: config.TypeDate},
			{Field: "metric:pledge_amount", Aliases: []string{"Pledge Amount", "amount"}, Required: true},
			{Field: "metric:households", Aliases: []string{"Households"}, Type: config.TypeInteger},
			{Field: "attr:city", Aliases: []string{"City"}},
		},
		Period: config.PeriodRule{Kind: config.PeriodDate},
	}
}

func raw(file string, row int, columns []string, cells ...string) core.RawRecord {
	values := make(map[string]string, len(columns))
	for i, c := range columns {
		values[c] = cells[i]
	}
	return core.RawRecord{Dataset: "liheap", SourceFile: file, Row: row, Columns: columns, Values: values}
}

func newNormalizer(t *testing.T, ds *config.DatasetConfig, workers int) *Normalizer {
	t.Helper()
	n, err := New(ds, Options{Workers: workers, Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)
	return n
}

func TestNormalize_MapsAliasesAndCoerces(t *testing.T) {
	cols := []string{"ZIP_CODE", "Pledge Date", "Pledge Amount", "Households", "City"}
	records := []core.RawRecord{
		raw("a.csv", 1, cols, "95814.0", "20230131.0", "$1,234.50", "3", "  sacramento  city "),
		raw("a.csv", 2, cols, "95815", "2023-02-01", "10", "", ""),
	}

	res, err := newNormalizer(t, assistanceDataset(), 2).Normalize(context.Background(), records)
	require.NoError(t, err)
	require.Empty(t, res.Rejected)
	require.Len(t, res.Accepted, 2)

	first := res.Accepted[0]
	assert.Equal(t, "95814", first.RawGeo)
	assert.Equal(t, "20230131", first.RawPeriod)
	assert.InDelta(t, 1234.5, *first.Metrics["pledge_amount"], 1e-9)
	assert.InDelta(t, 3, *first.Metrics["households"], 1e-9)
	assert.Equal(t, "SACRAMENTO CITY", first.Attributes["city"])
	assert.Equal(t, 1, first.Contributors)
	assert.Empty(t, first.GeoID, "geography is resolved later")

	second := res.Accepted[1]
	assert.Contains(t, second.Metrics, "households")
	assert.Nil(t, second.Metrics["households"], "optional empty metric is null")
	assert.NotContains(t, second.Attributes, "city")
}

func TestNormalize_FillsMissingCityFromSameZip(t *testing.T) {
	ds := assistanceDataset()
	ds.FillAttributes = []string{"city"}
	cols := []string{"Zip Code", "Pledge Date", "Pledge Amount", "City"}
	records := []core.RawRecord{
		raw("a.csv", 1, cols, "80202", "2023-01-05", "10", "Denver"),
		raw("a.csv", 2, cols, "80202", "2023-01-06", "10", "denver "),
		raw("a.csv", 3, cols, "80202", "2023-01-07", "10", "Aurora"),
		raw("a.csv", 4, cols, "80202", "2023-01-08", "10", ""),
		raw("a.csv", 5, cols, "80202", "2023-01-09", "10", "nan"),
		raw("a.csv", 6, cols, "80301", "2023-01-09", "10", ""),
	}

	res, err := newNormalizer(t, ds, 1).Normalize(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, res.Accepted, 6)

	assert.Equal(t, "DENVER", res.Accepted[3].Attributes["city"])
	assert.Equal(t, "DENVER", res.Accepted[4].Attributes["city"])
	assert.Equal(t, "AURORA", res.Accepted[2].Attributes["city"], "present values are kept")
	assert.NotContains(t, res.Accepted[5].Attributes, "city", "no city known for the zip")
}

func TestFillAttributes_TieGoesToFirstSortedValue(t *testing.T) {
	recs := []core.CanonicalRecord{
		{RawGeo: "95814", Attributes: map[string]string{"city": "SACRAMENTO"}},
		{RawGeo: "95814", Attributes: map[string]string{"city": "ELK GROVE"}},
		{RawGeo: "95814"},
	}
	assert.Equal(t, 1, FillAttributes(recs, []string{"city"}))
	assert.Equal(t, "ELK GROVE", recs[2].Attributes["city"])
}

func TestNormalize_MissingRequiredColumnRejectedOncePerRow(t *testing.T) {
	good := []string{"Zip Code", "Pledge Date", "Pledge Amount"}
	bad := []string{"Zip Code", "Pledge Date"}
	records := []core.RawRecord{
		raw("good.csv", 1, good, "95814", "20230101", "5"),
		raw("bad.csv", 1, bad, "95814", "20230101"),
		raw("good.csv", 2, good, "95815", "20230102", "6"),
	}

	res, err := newNormalizer(t, assistanceDataset(), 4).Normalize(context.Background(), records)
	require.NoError(t, err)

	require.Len(t, res.Accepted, 2)
	require.Len(t, res.Rejected, 1)
	rej := res.Rejected[0]
	assert.Equal(t, "bad.csv:1", rej.Ref)
	assert.Equal(t, 1, rej.Index)

	var schemaErr *core.SchemaError
	require.ErrorAs(t, rej.Err, &schemaErr)
	assert.Equal(t, "missing required column", schemaErr.Reason)
	assert.True(t, errors.Is(rej.Err, core.ErrSchema))
	assert.Equal(t, 3, res.Total())
}

func TestNormalize_RowLevelSchemaErrors(t *testing.T) {
	cols := []string{"Zip Code", "Pledge Date", "Pledge Amount", "Households"}
	tests := []struct {
		name   string
		cells  []string
		column string
		reason string
	}{
		{name: "non-numeric amount", cells: []string{"95814", "20230101", "lots", ""}, column: "Pledge Amount", reason: "not a number"},
		{name: "empty required", cells: []string{"95814", "", "5", ""}, column: "Pledge Date", reason: "empty required value"},
		{name: "fractional integer", cells: []string{"95814", "20230101", "5", "1.5"}, column: "Households", reason: "not an integer"},
		{name: "bad zip", cells: []string{"CA", "20230101", "5", ""}, column: "Zip Code", reason: "no 5-digit zip code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newNormalizer(t, assistanceDataset(), 1).Normalize(context.Background(),
				[]core.RawRecord{raw("a.csv", 7, cols, tt.cells...)})
			require.NoError(t, err)
			require.Empty(t, res.Accepted)
			require.Len(t, res.Rejected, 1)

			var schemaErr *core.SchemaError
			require.ErrorAs(t, res.Rejected[0].Err, &schemaErr)
			assert.Equal(t, tt.column, schemaErr.Column)
			assert.Equal(t, tt.reason, schemaErr.Reason)
			assert.Equal(t, "a.csv:7", schemaErr.Ref)
		})
	}
}

func TestNormalize_PreservesInputOrder(t *testing.T) {
	cols := []string{"Zip Code", "Pledge Date", "Pledge Amount"}
	var records []core.RawRecord
	for i := 1; i <= 300; i++ {
		amount := fmt.Sprint(i)
		if i%10 == 0 {
			amount = "bad"
		}
		records = append(records, raw("a.csv", i, cols, "95814", "20230101", amount))
	}

	res, err := newNormalizer(t, assistanceDataset(), 8).Normalize(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, res.Accepted, 270)
	require.Len(t, res.Rejected, 30)

	for i := 1; i < len(res.Accepted); i++ {
		assert.Less(t, res.Accepted[i-1].Row, res.Accepted[i].Row)
	}
	for i := 1; i < len(res.Rejected); i++ {
		assert.Less(t, res.Rejected[i-1].Index, res.Rejected[i].Index)
	}
}

func TestNormalize_ConvertAndPeriodFields(t *testing.T) {
	ds := &config.DatasetConfig{
		Name:      "laus",
		Role:      core.RoleReference,
		GeoFormat: config.GeoLAUSSeries,
		Grain:     config.GrainCounty,
		Columns: []config.ColumnMapping{
			{Field: "geo", Aliases: []string{"Series ID"}, Required: true},
			{Field: "year", Aliases: []string{"Year"}, Required: true},
			{Field: "period", Aliases: []string{"Period"}, Required: true},
			{Field: "metric:unemployment_rate", Aliases: []string{"Value"}, Convert: "percent_to_ratio"},
		},
		Period: config.PeriodRule{Kind: config.PeriodYearPeriod},
	}
	cols := []string{"Series ID", "Year", "Period", "Value"}
	res, err := newNormalizer(t, ds, 1).Normalize(context.Background(), []core.RawRecord{
		raw("laus.csv", 1, cols, "LAUCN080310000000003", "2023.0", "M02", "4.5"),
	})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	rec := res.Accepted[0]
	assert.Equal(t, "08031", rec.RawGeo)
	assert.Equal(t, "2023", rec.RawYear)
	assert.Equal(t, "M02", rec.RawPeriod)
	assert.InDelta(t, 0.045, *rec.Metrics["unemployment_rate"], 1e-12)
}

func TestNew_InvalidConverter(t *testing.T) {
	ds := assistanceDataset()
	ds.Columns[2].Convert = "expr:value +"
	_, err := New(ds, Options{})
	require.Error(t, err)
}

func TestNormalize_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cols := []string{"Zip Code", "Pledge Date", "Pledge Amount"}
	_, err := newNormalizer(t, assistanceDataset(), 2).Normalize(ctx,
		[]core.RawRecord{raw("a.csv", 1, cols, "95814", "20230101", "1")})
	require.ErrorIs(t, err, context.Canceled)
}
