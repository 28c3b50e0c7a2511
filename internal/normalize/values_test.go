package normalize

import (
	"testing"

	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "$1,234.50", want: 1234.5},
		{in: " 42 ", want: 42},
		{in: "12.5%", want: 12.5},
		{in: "(1,000)", want: -1000},
		{in: "-3.25", want: -3.25},
		{in: "1 000", want: 1000},
		{in: "abc", wantErr: true},
		{in: "$", wantErr: true},
		{in: "NaN", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseNumber(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestParseInteger(t *testing.T) {
	got, err := ParseInteger("2023.0")
	require.NoError(t, err)
	assert.Equal(t, 2023, got)

	_, err = ParseInteger("2023.5")
	require.Error(t, err)
}

func TestCleanGeo(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		format  string
		grain   string
		want    string
		wantErr bool
	}{
		{name: "zip", raw: "95814", format: config.GeoZip, want: "95814"},
		{name: "zip float", raw: "95814.0", format: config.GeoZip, want: "95814"},
		{name: "zip plus four", raw: "95814-1234", format: config.GeoZip, want: "95814"},
		{name: "zip lost leading zero", raw: "2134", format: config.GeoZip, want: "02134"},
		{name: "zip garbage", raw: "n/a", format: config.GeoZip, wantErr: true},
		{name: "county fips", raw: "6001", format: config.GeoFIPS, grain: config.GrainCounty, want: "06001"},
		{name: "county fips float", raw: "8031.0", format: config.GeoFIPS, grain: config.GrainCounty, want: "08031"},
		{name: "state fips", raw: "6", format: config.GeoFIPS, grain: config.GrainState, want: "06"},
		{name: "state fips too long", raw: "061", format: config.GeoFIPS, grain: config.GrainState, wantErr: true},
		{name: "fips not numeric", raw: "CA", format: config.GeoFIPS, grain: config.GrainState, wantErr: true},
		{name: "laus series", raw: "LAUCN060010000000003", format: config.GeoLAUSSeries, want: "06001"},
		{name: "laus lower case", raw: "laucn080310000000003", format: config.GeoLAUSSeries, want: "08031"},
		{name: "laus too short", raw: "LAUCN06", format: config.GeoLAUSSeries, wantErr: true},
		{name: "empty", raw: " ", format: config.GeoZip, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanGeo(tt.raw, tt.format, tt.grain)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
