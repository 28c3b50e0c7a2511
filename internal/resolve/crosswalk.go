package resolve

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/internal/normalize"
	"github.com/nth190/liheap-data-engineering/internal/source"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// CrosswalkRow is one zip/county link with its allocation weight.
type CrosswalkRow struct {
	Zip    string
	County string
	Weight float64
}

// Crosswalk maps zip codes to their dominant county and counties to states.
// It is read-only after construction.
type Crosswalk struct {
	zipCounty     map[string]string
	countyState   map[string]string
	stateCounties map[string][]string

	// SHA256 is the digest of the source file, when loaded from disk.
	SHA256 string
	// Skipped counts source rows without a usable zip or county code.
	Skipped int
}

// NewCrosswalk builds a crosswalk. A zip linked to several counties maps to
// the one with the largest weight; ties go to the lowest county code.
func NewCrosswalk(rows []CrosswalkRow) *Crosswalk {
	c := &Crosswalk{
		zipCounty:     make(map[string]string),
		countyState:   make(map[string]string),
		stateCounties: make(map[string][]string),
	}
	best := make(map[string]float64)
	for _, r := range rows {
		if r.County != "" {
			if _, ok := c.countyState[r.County]; !ok {
				state := r.County[:2]
				c.countyState[r.County] = state
				c.stateCounties[state] = append(c.stateCounties[state], r.County)
			}
		}
		if r.Zip == "" || r.County == "" {
			continue
		}
		cur, ok := c.zipCounty[r.Zip]
		if !ok || r.Weight > best[r.Zip] || (r.Weight == best[r.Zip] && r.County < cur) {
			c.zipCounty[r.Zip] = r.County
			best[r.Zip] = r.Weight
		}
	}
	for state := range c.stateCounties {
		sort.Strings(c.stateCounties[state])
	}
	return c
}

// LoadCrosswalk reads the crosswalk file configured for the run.
func LoadCrosswalk(inputDir string, cfg config.CrosswalkConfig) (*Crosswalk, error) {
	path := cfg.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(inputDir, path)
	}
	t, err := source.ReadTable(path, source.DelimiterFor(path, ""))
	if err != nil {
		return nil, err
	}

	zipIdx := t.Index(cfg.ZipColumn)
	countyIdx := t.Index(cfg.CountyColumn)
	if countyIdx < 0 {
		return nil, core.WrapIO("parse", path, fmt.Errorf("crosswalk has no %q column", cfg.CountyColumn))
	}
	weightIdx := t.Index(cfg.WeightColumn)
	stateIdx := -1
	if cfg.StateColumn != "" {
		if stateIdx = t.Index(cfg.StateColumn); stateIdx < 0 {
			return nil, core.WrapIO("parse", path, fmt.Errorf("crosswalk has no %q column", cfg.StateColumn))
		}
	}
	keep := make(map[string]bool, len(cfg.States))
	for _, s := range cfg.States {
		keep[strings.ToUpper(strings.TrimSpace(s))] = true
	}

	var rows []CrosswalkRow
	skipped := 0
	for _, r := range t.Rows {
		county, err := normalize.CleanGeo(r.Cells[countyIdx], config.GeoFIPS, config.GrainCounty)
		if err != nil {
			skipped++
			continue
		}
		if len(keep) > 0 {
			state := county[:2]
			if stateIdx >= 0 {
				state = strings.ToUpper(strings.TrimSpace(r.Cells[stateIdx]))
			}
			if !keep[state] {
				continue
			}
		}
		row := CrosswalkRow{County: county, Weight: 1}
		if zipIdx >= 0 {
			if row.Zip, err = normalize.CleanGeo(r.Cells[zipIdx], config.GeoZip, config.GrainZip); err != nil {
				skipped++
				continue
			}
		}
		if weightIdx >= 0 {
			if w, err := normalize.ParseNumber(r.Cells[weightIdx]); err == nil {
				row.Weight = w
			}
		}
		rows = append(rows, row)
	}

	c := NewCrosswalk(rows)
	c.SHA256 = t.SHA256
	c.Skipped = skipped
	return c, nil
}

// CountyForZip returns the dominant county of a zip code.
func (c *Crosswalk) CountyForZip(zip string) (string, bool) {
	county, ok := c.zipCounty[zip]
	return county, ok
}

// HasCounty reports whether the county appears in the crosswalk.
func (c *Crosswalk) HasCounty(county string) bool {
	_, ok := c.countyState[county]
	return ok
}

// HasState reports whether any crosswalk county belongs to the state.
func (c *Crosswalk) HasState(state string) bool {
	return len(c.stateCounties[state]) > 0
}

// StateOf returns the state FIPS of a county.
func (c *Crosswalk) StateOf(county string) (string, bool) {
	state, ok := c.countyState[county]
	return state, ok
}

// CountiesOf returns the sorted counties of a state.
func (c *Crosswalk) CountiesOf(state string) []string {
	return c.stateCounties[state]
}

// Counties returns every county code, sorted.
func (c *Crosswalk) Counties() []string {
	out := make([]string, 0, len(c.countyState))
	for county := range c.countyState {
		out = append(out, county)
	}
	sort.Strings(out)
	return out
}

// States returns every state code, sorted.
func (c *Crosswalk) States() []string {
	out := make([]string, 0, len(c.stateCounties))
	for state := range c.stateCounties {
		out = append(out, state)
	}
	sort.Strings(out)
	return out
}
