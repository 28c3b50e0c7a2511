package config_test

import (
	"path/filepath"
	"testing"

	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestPipeline(t *testing.T) *config.Pipeline {
	t.Helper()
	p, err := config.LoadFile(filepath.Join("..", "..", "testdata", "liheap.yaml"))
	require.NoError(t, err)
	return p
}

func TestValidate_TestdataConfig(t *testing.T) {
	p := loadTestPipeline(t)
	assert.NoError(t, p.Validate())
}

func TestValidate_ReservedNames(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *config.Pipeline)
		want   string
	}{
		{
			name: "metric named like a canonical column",
			mutate: func(p *config.Pipeline) {
				addMetricColumn(p, "laus", "metric:row")
			},
			want: `metric name "row" is reserved`,
		},
		{
			name: "metric named like a raw column",
			mutate: func(p *config.Pipeline) {
				addMetricColumn(p, "laus", "metric:raw_period")
			},
			want: `metric name "raw_period" is reserved`,
		},
		{
			name: "metric with match prefix",
			mutate: func(p *config.Pipeline) {
				addMetricColumn(p, "acs", "metric:match_rate")
			},
			want: `uses reserved prefix "match_"`,
		},
		{
			name: "metric with attribute prefix",
			mutate: func(p *config.Pipeline) {
				addMetricColumn(p, "acs", "metric:attr_share")
			},
			want: `uses reserved prefix "attr_"`,
		},
		{
			name: "metric named like an enrichment flag",
			mutate: func(p *config.Pipeline) {
				addMetricColumn(p, "acs", "metric:missing_enrichment")
			},
			want: `metric name "missing_enrichment" is reserved`,
		},
		{
			name: "consolidated metric with reference prefix",
			mutate: func(p *config.Pipeline) {
				ds := dataset(p, "liheap")
				ds.Consolidate = append(ds.Consolidate, core.MetricAggregation{
					Name: "ref_total", Source: "pledge_amount", Func: core.AggSum,
				})
			},
			want: `consolidate: metric name "ref_total" uses reserved prefix "ref_"`,
		},
		{
			name: "aggregate metric named like an aggregate column",
			mutate: func(p *config.Pipeline) {
				p.Aggregate.Metrics = append(p.Aggregate.Metrics, core.MetricAggregation{
					Name: "record_count", Source: "pledge_amount", Func: core.AggCount,
				})
			},
			want: `aggregate: metric name "record_count" is reserved`,
		},
		{
			name: "reference dataset with period prefix",
			mutate: func(p *config.Pipeline) {
				dataset(p, "acs").Name = "period_acs"
				for i := range p.Enrich.References {
					if p.Enrich.References[i].Dataset == "acs" {
						p.Enrich.References[i].Dataset = "period_acs"
					}
				}
			},
			want: `reference dataset name "period_acs" uses reserved prefix "period_"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := loadTestPipeline(t)
			tt.mutate(p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_AttributeNamesAreNotReserved(t *testing.T) {
	p := loadTestPipeline(t)
	ds := dataset(p, "liheap")
	ds.Columns = append(ds.Columns, config.ColumnMapping{Field: "attr:row", Aliases: []string{"Row"}})
	assert.NoError(t, p.Validate())
}

func TestValidate_FillAttributes(t *testing.T) {
	p := loadTestPipeline(t)
	assert.Equal(t, []string{"city"}, dataset(p, "liheap").FillAttributes)

	dataset(p, "liheap").FillAttributes = []string{"county_name"}
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `fill_attributes: unknown attribute "county_name"`)
}

func dataset(p *config.Pipeline, name string) *config.DatasetConfig {
	for i := range p.Datasets {
		if p.Datasets[i].Name == name {
			return &p.Datasets[i]
		}
	}
	return nil
}

func addMetricColumn(p *config.Pipeline, ds, field string) {
	d := dataset(p, ds)
	d.Columns = append(d.Columns, config.ColumnMapping{Field: field, Aliases: []string{"extra"}})
}
