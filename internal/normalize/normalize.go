// Package normalize maps raw source rows onto the canonical schema of their
// dataset family.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/internal/worker"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Options configures a Normalizer.
type Options struct {
	Workers int
	Logger  *slog.Logger
}

// Normalizer converts raw records of one dataset into unresolved canonical
// records. It is safe for concurrent use.
type Normalizer struct {
	ds         *config.DatasetConfig
	converters map[string]Converter
	workers    int
	logger     *slog.Logger
}

// New compiles the dataset's column mappings.
func New(ds *config.DatasetConfig, opts Options) (*Normalizer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	n := &Normalizer{
		ds:         ds,
		converters: make(map[string]Converter),
		workers:    opts.Workers,
		logger:     logger,
	}
	for _, m := range ds.Columns {
		if m.Kind() != config.FieldMetric {
			continue
		}
		conv, err := ParseConverter(m.Convert)
		if err != nil {
			return nil, fmt.Errorf("dataset %s field %s: %w", ds.Name, m.Field, err)
		}
		n.converters[m.Field] = conv
	}
	return n, nil
}

// schema binds canonical fields to the raw columns of one file.
type schema struct {
	columns map[string]string
	// missing is the first required mapping without a matching column.
	missing *config.ColumnMapping
}

type rowResult struct {
	rec core.CanonicalRecord
	err error
}

// Normalize converts records in input order. Rows that cannot be coerced are
// rejected with a SchemaError; each rejected row appears exactly once.
func (n *Normalizer) Normalize(ctx context.Context, records []core.RawRecord) (core.Result[core.CanonicalRecord], error) {
	schemas := make(map[string]*schema)
	for _, r := range records {
		if _, ok := schemas[r.SourceFile]; !ok {
			schemas[r.SourceFile] = n.bind(r.Columns)
			if s := schemas[r.SourceFile]; s.missing != nil {
				n.logger.Warn("required column missing",
					"dataset", n.ds.Name,
					"file", r.SourceFile,
					"field", s.missing.Field,
					"aliases", s.missing.Aliases)
			}
		}
	}

	rows, err := worker.Map(ctx, n.workers, records, func(_ context.Context, _ int, r core.RawRecord) (rowResult, error) {
		rec, err := n.normalizeRow(r, schemas[r.SourceFile])
		return rowResult{rec: rec, err: err}, nil
	})
	if err != nil {
		return core.Result[core.CanonicalRecord]{}, err
	}

	var result core.Result[core.CanonicalRecord]
	for i, row := range rows {
		if row.err != nil {
			result.Rejected = append(result.Rejected, core.Rejection{
				Dataset: n.ds.Name,
				Ref:     records[i].Ref(),
				Index:   i,
				Err:     row.err,
			})
			continue
		}
		result.Accepted = append(result.Accepted, row.rec)
	}

	if len(n.ds.FillAttributes) > 0 {
		filled := FillAttributes(result.Accepted, n.ds.FillAttributes)
		n.logger.Debug("filled missing attributes", "dataset", n.ds.Name, "filled", filled)
	}

	n.logger.Info("normalized dataset",
		"dataset", n.ds.Name,
		"rows", len(records),
		"accepted", len(result.Accepted),
		"rejected", len(result.Rejected))
	return result, nil
}

func (n *Normalizer) bind(columns []string) *schema {
	byKey := make(map[string]string, len(columns))
	for _, c := range columns {
		key := columnKey(c)
		if _, dup := byKey[key]; !dup {
			byKey[key] = c
		}
	}
	s := &schema{columns: make(map[string]string)}
	for i, m := range n.ds.Columns {
		for _, alias := range m.Aliases {
			if col, ok := byKey[columnKey(alias)]; ok {
				s.columns[m.Field] = col
				break
			}
		}
		if _, ok := s.columns[m.Field]; !ok && m.Required && s.missing == nil {
			s.missing = &n.ds.Columns[i]
		}
	}
	return s
}

// columnKey folds case, underscores and whitespace so aliases match header
// variants such as "Zip_Code" and "zip code".
func columnKey(name string) string {
	name = strings.ReplaceAll(strings.ToLower(name), "_", " ")
	return strings.Join(strings.Fields(name), " ")
}

func (n *Normalizer) normalizeRow(raw core.RawRecord, s *schema) (core.CanonicalRecord, error) {
	schemaErr := func(column, value, reason string) error {
		return &core.SchemaError{
			Dataset: n.ds.Name,
			Ref:     raw.Ref(),
			Column:  column,
			Value:   value,
			Reason:  reason,
		}
	}
	if s.missing != nil {
		return core.CanonicalRecord{}, schemaErr(strings.Join(s.missing.Aliases, "|"), "", "missing required column")
	}

	rec := core.CanonicalRecord{
		Dataset:      n.ds.Name,
		SourceFile:   raw.SourceFile,
		Row:          raw.Row,
		Metrics:      make(core.Metrics),
		Attributes:   make(map[string]string),
		Contributors: 1,
	}
	for _, m := range n.ds.Columns {
		col, bound := s.columns[m.Field]
		value := ""
		if bound {
			value = strings.TrimSpace(raw.Values[col])
		} else if len(m.Aliases) > 0 {
			col = m.Aliases[0]
		}
		if value == "" {
			if m.Required {
				return core.CanonicalRecord{}, schemaErr(col, "", "empty required value")
			}
			if m.Kind() == config.FieldMetric {
				rec.Metrics[m.Name()] = nil
			}
			continue
		}

		switch m.Kind() {
		case config.FieldGeo:
			code, err := CleanGeo(value, n.ds.GeoFormat, n.ds.Grain)
			if err != nil {
				return core.CanonicalRecord{}, schemaErr(col, value, err.Error())
			}
			rec.RawGeo = code

		case config.FieldPeriod:
			rec.RawPeriod = periodText(value, m.ValueType())

		case config.FieldYear, config.FieldMonth:
			v, err := ParseInteger(value)
			if err != nil {
				return core.CanonicalRecord{}, schemaErr(col, value, err.Error())
			}
			if m.Kind() == config.FieldYear {
				rec.RawYear = strconv.Itoa(v)
			} else {
				rec.RawMonth = strconv.Itoa(v)
			}

		case config.FieldMetric:
			v, err := n.metric(m, value)
			if err != nil {
				return core.CanonicalRecord{}, schemaErr(col, value, err.Error())
			}
			rec.Metrics[m.Name()] = core.Float(v)

		case config.FieldAttr:
			rec.Attributes[m.Name()] = cases.Upper(language.Und).String(strings.Join(strings.Fields(value), " "))
		}
	}
	return rec, nil
}

func (n *Normalizer) metric(m config.ColumnMapping, value string) (float64, error) {
	var v float64
	if m.ValueType() == config.TypeInteger {
		i, err := ParseInteger(value)
		if err != nil {
			return 0, err
		}
		v = float64(i)
	} else {
		f, err := ParseNumber(value)
		if err != nil {
			return 0, err
		}
		v = f
	}
	conv := n.converters[m.Field]
	if conv == nil {
		return v, nil
	}
	return conv(v)
}

// periodText keeps period cells as text for the resolver. Numeric cells that
// a spreadsheet export rendered as floats ("20230131.0") lose the fraction.
func periodText(value, valueType string) string {
	if valueType == config.TypeInteger || allDigits.MatchString(strings.TrimSuffix(value, ".0")) {
		return strings.TrimSuffix(value, ".0")
	}
	return value
}

// FillAttributes sets each missing attribute to the most frequent value
// among records with the same raw geography. Ties go to the value that sorts
// first. It returns the number of values filled.
func FillAttributes(recs []core.CanonicalRecord, names []string) int {
	filled := 0
	for _, name := range names {
		counts := make(map[string]map[string]int)
		for _, r := range recs {
			v := r.Attributes[name]
			if missingAttribute(v) {
				continue
			}
			if counts[r.RawGeo] == nil {
				counts[r.RawGeo] = make(map[string]int)
			}
			counts[r.RawGeo][v]++
		}
		best := make(map[string]string, len(counts))
		for geo, vs := range counts {
			var top string
			for v, c := range vs {
				if c > vs[top] || (c == vs[top] && v < top) {
					top = v
				}
			}
			best[geo] = top
		}
		for i := range recs {
			r := &recs[i]
			if !missingAttribute(r.Attributes[name]) {
				continue
			}
			if v, ok := best[r.RawGeo]; ok {
				if r.Attributes == nil {
					r.Attributes = make(map[string]string)
				}
				r.Attributes[name] = v
				filled++
			} else {
				delete(r.Attributes, name)
			}
		}
	}
	return filled
}

// missingAttribute reports an empty value or a spreadsheet NaN placeholder.
func missingAttribute(v string) bool {
	return v == "" || v == "NAN"
}
