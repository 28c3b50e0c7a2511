package resolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCrosswalk_DominantCounty(t *testing.T) {
	cw := NewCrosswalk([]CrosswalkRow{
		{Zip: "95814", County: "06067", Weight: 0.9},
		{Zip: "95814", County: "06113", Weight: 0.1},
		{Zip: "80014", County: "08031", Weight: 0.5},
		{Zip: "80014", County: "08005", Weight: 0.5},
		{Zip: "80020", County: "08014", Weight: 0.2},
		{Zip: "80020", County: "08059", Weight: 0.7},
	})

	county, ok := cw.CountyForZip("95814")
	require.True(t, ok)
	assert.Equal(t, "06067", county)

	county, ok = cw.CountyForZip("80014")
	require.True(t, ok)
	assert.Equal(t, "08005", county, "ties go to the lowest county code")

	county, _ = cw.CountyForZip("80020")
	assert.Equal(t, "08059", county)

	_, ok = cw.CountyForZip("99999")
	assert.False(t, ok)

	assert.True(t, cw.HasCounty("06113"))
	assert.True(t, cw.HasState("08"))
	assert.False(t, cw.HasState("12"))
	assert.Equal(t, []string{"08005", "08014", "08031", "08059"}, cw.CountiesOf("08"))
	assert.Equal(t, []string{"06", "08"}, cw.States())
	state, ok := cw.StateOf("06067")
	require.True(t, ok)
	assert.Equal(t, "06", state)
}

func TestLoadCrosswalk(t *testing.T) {
	dir := t.TempDir()
	content := "ZIP,COUNTY,USPS_ZIP_PREF_STATE,TOT_RATIO\n" +
		"95814,6067,CA,0.9\n" +
		"95814.0,6113,CA,0.1\n" +
		"80014,8031,CO,1\n" +
		"bad,6001,CA,1\n" +
		"95815,x,CA,1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zip_county.csv"), []byte(content), 0o600))

	cfg := config.CrosswalkConfig{
		File:         "zip_county.csv",
		ZipColumn:    "zip",
		CountyColumn: "county",
		StateColumn:  "USPS_ZIP_PREF_STATE",
		WeightColumn: "tot_ratio",
		States:       []string{"ca"},
	}
	cw, err := LoadCrosswalk(dir, cfg)
	require.NoError(t, err)

	county, ok := cw.CountyForZip("95814")
	require.True(t, ok)
	assert.Equal(t, "06067", county)
	_, ok = cw.CountyForZip("80014")
	assert.False(t, ok, "filtered by state")
	assert.Equal(t, 2, cw.Skipped)
	assert.Len(t, cw.SHA256, 64)
	assert.Equal(t, []string{"06067", "06113"}, cw.Counties())
}

func TestLoadCrosswalk_MissingColumn(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cw.csv"), []byte("zip,fips,w\n95814,06067,1\n"), 0o600))
	_, err := LoadCrosswalk(dir, config.CrosswalkConfig{File: "cw.csv", ZipColumn: "zip", CountyColumn: "county"})
	require.ErrorIs(t, err, core.ErrIO)

	_, err = LoadCrosswalk(dir, config.CrosswalkConfig{File: "missing.csv", CountyColumn: "county"})
	require.ErrorIs(t, err, core.ErrIO)
}
