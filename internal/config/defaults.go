package config

import (
	"runtime"

	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Default configuration values.
const (
	DefaultConfigFile         = "liheap.yaml"
	DefaultSampleRefs         = 10
	DefaultMaxRejectRatio     = 1.0
	DefaultMaxQuarantineRatio = 1.0
	DefaultMaxFatalRatio      = 0.05
	DefaultZipColumn          = "zip"
	DefaultCountyColumn       = "county"
	DefaultWeightColumn       = "weight"
)

// ApplyDefaults fills unset values of a Pipeline.
func ApplyDefaults(p *Pipeline) {
	if p == nil {
		return
	}
	if p.Workers <= 0 {
		p.Workers = runtime.GOMAXPROCS(0)
	}
	if p.SampleRefs <= 0 {
		p.SampleRefs = DefaultSampleRefs
	}
	if p.Crosswalk.ZipColumn == "" {
		p.Crosswalk.ZipColumn = DefaultZipColumn
	}
	if p.Crosswalk.CountyColumn == "" {
		p.Crosswalk.CountyColumn = DefaultCountyColumn
	}
	if p.Crosswalk.WeightColumn == "" {
		p.Crosswalk.WeightColumn = DefaultWeightColumn
	}
	for i := range p.Datasets {
		ds := &p.Datasets[i]
		if ds.Role == "" {
			ds.Role = core.RoleReference
		}
		if ds.GeoFormat == "" {
			ds.GeoFormat = GeoFIPS
		}
		if ds.Grain == "" {
			ds.Grain = GrainCounty
		}
	}
	if len(p.Aggregate.GroupBy) == 0 {
		p.Aggregate.GroupBy = []string{GroupGeo, GroupPeriod}
	}
}
