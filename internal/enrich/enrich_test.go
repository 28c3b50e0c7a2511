package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/internal/testutil"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

func record(dataset, geo, period string, row int, metrics core.Metrics) core.CanonicalRecord {
	p, err := core.ParsePeriod(period)
	if err != nil {
		panic(err)
	}
	return core.CanonicalRecord{
		Dataset:      dataset,
		SourceFile:   dataset + ".csv",
		Row:          row,
		GeoID:        geo,
		Period:       p,
		Metrics:      metrics,
		Contributors: 1,
	}
}

func assistance(geo, period string, row int, amount float64) core.CanonicalRecord {
	return record("liheap", geo, period, row, core.Metrics{"amount": core.Float(amount)})
}

func unemployment(geo, period string, row int, rate float64) core.CanonicalRecord {
	return record("laus", geo, period, row, core.Metrics{"unemployment_rate": core.Float(rate)})
}

func lausRef(recs ...core.CanonicalRecord) Reference {
	return Reference{Config: config.ReferenceConfig{Dataset: "laus"}, Records: recs}
}

func TestEnrich_CarryForward(t *testing.T) {
	primary := []core.CanonicalRecord{
		assistance("08031", "2023-01", 1, 100),
		assistance("08031", "2023-02", 2, 200),
	}
	ref := lausRef(unemployment("08031", "2023-01", 1, 3.5))

	out, err := Enrich(context.Background(), primary, []Reference{ref}, Options{Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)
	require.Len(t, out.Records, 2)

	jan := out.Records[0]
	assert.Equal(t, core.MatchExact, jan.Matches["laus"].Kind)
	assert.False(t, jan.FillPolicyApplied)

	feb := out.Records[1]
	assert.Equal(t, core.MatchCarryForward, feb.Matches["laus"].Kind)
	assert.Equal(t, "2023-01", feb.Matches["laus"].Period.String())
	assert.True(t, feb.FillPolicyApplied)
	assert.False(t, feb.MissingEnrichment)
	require.NotNil(t, feb.Reference["unemployment_rate"])
	assert.Equal(t, 3.5, *feb.Reference["unemployment_rate"])

	require.Len(t, out.Coverage, 1)
	assert.Equal(t, Coverage{Source: "laus", Exact: 1, CarryForward: 1}, out.Coverage[0])
}

func TestEnrich_ExactMatchBeatsCarryForward(t *testing.T) {
	// Assistance has no 2023-02 row; unemployment covers all three months.
	primary := []core.CanonicalRecord{
		assistance("08031", "2023-01", 1, 100),
		assistance("08031", "2023-03", 2, 300),
	}
	ref := lausRef(
		unemployment("08031", "2023-01", 1, 3.1),
		unemployment("08031", "2023-02", 2, 3.2),
		unemployment("08031", "2023-03", 3, 3.3),
	)

	out, err := Enrich(context.Background(), primary, []Reference{ref}, Options{})
	require.NoError(t, err)

	require.Len(t, out.Records, 2, "no assistance record is fabricated for 2023-02")
	for i, want := range []float64{3.1, 3.3} {
		rec := out.Records[i]
		assert.Equal(t, core.MatchExact, rec.Matches["laus"].Kind)
		assert.False(t, rec.FillPolicyApplied)
		assert.Equal(t, want, *rec.Reference["unemployment_rate"])
	}

	// An existing 2023-02 assistance row resolves exactly.
	primary = append(primary, assistance("08031", "2023-02", 3, 200))
	out, err = Enrich(context.Background(), primary, []Reference{ref}, Options{})
	require.NoError(t, err)
	feb := out.Records[2]
	assert.Equal(t, core.MatchExact, feb.Matches["laus"].Kind)
	assert.Equal(t, 3.2, *feb.Reference["unemployment_rate"])
	assert.False(t, feb.FillPolicyApplied)
}

func TestEnrich_DuplicateReferenceKey(t *testing.T) {
	primary := []core.CanonicalRecord{assistance("08031", "2023-01", 1, 100)}
	ref := lausRef(
		unemployment("08031", "2023-01", 1, 3.1),
		unemployment("08031", "2023-01", 2, 3.4),
	)

	_, err := Enrich(context.Background(), primary, []Reference{ref}, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDuplicateKey))

	var dup *core.DuplicateKeyError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "laus", dup.Dataset)
	assert.Equal(t, "08031@2023-01", dup.Key.String())
	assert.Equal(t, []string{"laus.csv:1", "laus.csv:2"}, dup.Refs)
}

func TestEnrich_StateAggregate(t *testing.T) {
	primary := []core.CanonicalRecord{
		assistance("08031", "2023-01", 1, 100),
		assistance("06067", "2023-01", 2, 50),
	}
	ref := lausRef(
		unemployment("08005", "2023-01", 1, 2),
		unemployment("08001", "2023-01", 2, 4),
		unemployment("32003", "2023-01", 3, 9),
	)

	out, err := Enrich(context.Background(), primary, []Reference{ref},
		Options{Policies: []core.FillPolicy{core.FillStateAggregate}})
	require.NoError(t, err)

	denver := out.Records[0]
	assert.Equal(t, core.MatchStateAggregate, denver.Matches["laus"].Kind)
	assert.Equal(t, 3.0, *denver.Reference["unemployment_rate"])
	assert.True(t, denver.FillPolicyApplied)

	// No California counties in the reference: nothing borrowed from other states.
	sac := out.Records[1]
	assert.Equal(t, core.MatchMissing, sac.Matches["laus"].Kind)
	assert.True(t, sac.MissingEnrichment)
	assert.False(t, sac.FillPolicyApplied)
	v, ok := sac.Reference["unemployment_rate"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestEnrich_StateGrainReference(t *testing.T) {
	primary := []core.CanonicalRecord{
		assistance("08031", "2023-01", 1, 100),
		assistance("06067", "2023-01", 2, 50),
	}
	// State-grain reference loaded without broadcast keeps 2-digit geos.
	ref := lausRef(
		unemployment("08", "2023-01", 1, 3.5),
		unemployment("32", "2023-01", 2, 9),
	)

	out, err := Enrich(context.Background(), primary, []Reference{ref},
		Options{Policies: []core.FillPolicy{core.FillStateAggregate}})
	require.NoError(t, err)

	denver := out.Records[0]
	assert.Equal(t, core.MatchStateAggregate, denver.Matches["laus"].Kind)
	assert.Equal(t, 3.5, *denver.Reference["unemployment_rate"])
	assert.True(t, denver.FillPolicyApplied)

	assert.Equal(t, core.MatchMissing, out.Records[1].Matches["laus"].Kind)
}

func TestEnrich_RollupFunc(t *testing.T) {
	primary := []core.CanonicalRecord{assistance("08031", "2023-01", 1, 100)}
	ref := Reference{
		Config: config.ReferenceConfig{
			Dataset: "laus",
			Rollup:  map[string]core.AggFunc{"unemployment_rate": core.AggMax},
		},
		Records: []core.CanonicalRecord{
			unemployment("08005", "2023-01", 1, 2),
			unemployment("08001", "2023-01", 2, 4),
		},
	}

	out, err := Enrich(context.Background(), primary, []Reference{ref},
		Options{Policies: []core.FillPolicy{core.FillStateAggregate}})
	require.NoError(t, err)
	assert.Equal(t, 4.0, *out.Records[0].Reference["unemployment_rate"])
}

func TestEnrich_PolicyOrder(t *testing.T) {
	primary := []core.CanonicalRecord{assistance("08031", "2023-02", 1, 100)}
	ref := lausRef(
		unemployment("08031", "2023-01", 1, 3),
		unemployment("08005", "2023-02", 2, 7),
	)

	out, err := Enrich(context.Background(), primary, []Reference{ref}, Options{})
	require.NoError(t, err)
	assert.Equal(t, core.MatchCarryForward, out.Records[0].Matches["laus"].Kind)

	out, err = Enrich(context.Background(), primary, []Reference{ref},
		Options{Policies: []core.FillPolicy{core.FillStateAggregate, core.FillCarryForward}})
	require.NoError(t, err)
	assert.Equal(t, core.MatchStateAggregate, out.Records[0].Matches["laus"].Kind)
	assert.Equal(t, 7.0, *out.Records[0].Reference["unemployment_rate"])
}

func TestEnrich_MaxCarryPeriods(t *testing.T) {
	primary := []core.CanonicalRecord{
		assistance("08031", "2023-03", 1, 100),
		assistance("08031", "2023-05", 2, 100),
	}
	ref := lausRef(unemployment("08031", "2023-01", 1, 3))

	out, err := Enrich(context.Background(), primary, []Reference{ref}, Options{
		Policies:        []core.FillPolicy{core.FillCarryForward},
		MaxCarryPeriods: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, core.MatchCarryForward, out.Records[0].Matches["laus"].Kind)
	assert.Equal(t, core.MatchMissing, out.Records[1].Matches["laus"].Kind)
}

func TestEnrich_AnnualReference(t *testing.T) {
	primary := []core.CanonicalRecord{
		assistance("08031", "2021-06", 1, 100),
		assistance("08031", "2023-01", 2, 200),
	}
	ref := Reference{
		Config: config.ReferenceConfig{Dataset: "acs", Metrics: []string{"median_income"}},
		Records: []core.CanonicalRecord{
			record("acs", "08031", "2021", 1, core.Metrics{
				"median_income": core.Float(71000),
				"population":    core.Float(715000),
			}),
		},
	}

	out, err := Enrich(context.Background(), primary, []Reference{ref}, Options{})
	require.NoError(t, err)

	assert.Equal(t, core.MatchExact, out.Records[0].Matches["acs"].Kind)
	assert.Equal(t, "2021", out.Records[0].Matches["acs"].Period.String())
	assert.Equal(t, core.MatchCarryForward, out.Records[1].Matches["acs"].Kind)
	assert.Equal(t, 71000.0, *out.Records[1].Reference["median_income"])
	_, hasPopulation := out.Records[1].Reference["population"]
	assert.False(t, hasPopulation, "only selected metrics are joined")
}

func TestEnrich_BroadcastSetsFillFlag(t *testing.T) {
	primary := []core.CanonicalRecord{assistance("08031", "2023-01", 1, 100)}
	state := unemployment("08031", "2023-01", 1, 3)
	state.Broadcast = true

	out, err := Enrich(context.Background(), primary, []Reference{lausRef(state)}, Options{})
	require.NoError(t, err)
	assert.Equal(t, core.MatchBroadcast, out.Records[0].Matches["laus"].Kind)
	assert.True(t, out.Records[0].FillPolicyApplied)
	assert.Equal(t, 1, out.Coverage[0].Broadcast)
}

func TestEnrich_MetricCollision(t *testing.T) {
	primary := []core.CanonicalRecord{assistance("08031", "2023-01", 1, 100)}
	ref := Reference{
		Config:  config.ReferenceConfig{Dataset: "other"},
		Records: []core.CanonicalRecord{record("other", "08031", "2023-01", 1, core.Metrics{"amount": core.Float(1)})},
	}

	_, err := Enrich(context.Background(), primary, []Reference{ref}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `metric "amount" already provided by primary`)
}

func TestEnrich_DoesNotMutatePrimary(t *testing.T) {
	primary := []core.CanonicalRecord{assistance("08031", "2023-02", 1, 100)}
	ref := lausRef(unemployment("08031", "2023-01", 1, 3))

	out, err := Enrich(context.Background(), primary, []Reference{ref}, Options{})
	require.NoError(t, err)
	*out.Records[0].Reference["unemployment_rate"] = 99
	assert.Equal(t, 3.0, *ref.Records[0].Metrics["unemployment_rate"])
	assert.Len(t, primary[0].Metrics, 1)
}
