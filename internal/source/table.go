// Package source discovers and reads raw tabular input files.
package source

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// headerScanRows is how many leading rows are searched for the header.
const headerScanRows = 10

// Table is a parsed delimited file.
type Table struct {
	// Header holds the cleaned column names.
	Header []string
	// Rows holds data rows aligned to Header. Short rows are padded.
	Rows []Row
	// Meta holds "key: value" pairs found in the preamble above the header.
	Meta map[string]string
	// SHA256 is the hex digest of the file bytes.
	SHA256 string
}

// Row is one data row with its 1-based position below the header.
type Row struct {
	Number int
	Cells  []string
}

// Index returns the position of a column in the header, or -1.
func (t *Table) Index(column string) int {
	for i, h := range t.Header {
		if strings.EqualFold(h, column) {
			return i
		}
	}
	return -1
}

// DelimiterFor returns the field delimiter for a file. An explicit setting
// ("tab", "\t", ",", ";", "|") wins over the file extension.
func DelimiterFor(path, explicit string) rune {
	switch explicit {
	case "tab", `\t`, "\t":
		return '\t'
	case "":
	default:
		return []rune(explicit)[0]
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsv", ".tab":
		return '\t'
	default:
		return ','
	}
}

// ReadTable reads and parses a delimited file.
func ReadTable(path string, delimiter rune) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.WrapIO("read", path, err)
	}
	t, err := ParseTable(bytes.NewReader(data), delimiter)
	if err != nil {
		return nil, core.WrapIO("parse", path, err)
	}
	sum := sha256.Sum256(data)
	t.SHA256 = hex.EncodeToString(sum[:])
	return t, nil
}

// ParseTable parses delimited text. The header is the first of the leading
// rows with at least three non-empty cells and at least two cells containing
// letters; rows above it are preamble.
func ParseTable(r io.Reader, delimiter rune) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var records [][]string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("file is empty")
	}

	headerIdx := DetectHeaderRow(records)
	t := &Table{
		Header: CleanHeader(records[headerIdx]),
		Meta:   preambleMeta(records[:headerIdx]),
	}
	for i, rec := range records[headerIdx+1:] {
		if blank(rec) {
			continue
		}
		cells := make([]string, len(t.Header))
		for j := range cells {
			if j < len(rec) {
				cells[j] = strings.TrimSpace(rec[j])
			}
		}
		t.Rows = append(t.Rows, Row{Number: i + 1, Cells: cells})
	}
	return t, nil
}

// DetectHeaderRow returns the index of the header row, or 0 when no row
// looks like a header.
func DetectHeaderRow(records [][]string) int {
	for i := 0; i < len(records) && i < headerScanRows; i++ {
		nonEmpty, alpha := 0, 0
		for _, cell := range records[i] {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			nonEmpty++
			if strings.ContainsFunc(cell, isASCIILetter) {
				alpha++
			}
		}
		if nonEmpty >= 3 && alpha >= 2 {
			return i
		}
	}
	return 0
}

func isASCIILetter(r rune) bool {
	return r < unicode.MaxASCII && unicode.IsLetter(r)
}

// CleanHeader trims names, collapses inner whitespace, drops a UTF-8 BOM and
// makes duplicate or empty names unique.
func CleanHeader(raw []string) []string {
	out := make([]string, len(raw))
	seen := make(map[string]int)
	for i, name := range raw {
		name = strings.TrimPrefix(name, "\ufeff")
		name = strings.Join(strings.Fields(name), " ")
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		} else {
			seen[name] = 1
		}
		out[i] = name
	}
	return out
}

// preambleMeta collects "Key: value" rows above the header.
func preambleMeta(rows [][]string) map[string]string {
	meta := make(map[string]string)
	for _, rec := range rows {
		var cells []string
		for _, c := range rec {
			if c = strings.TrimSpace(c); c != "" {
				cells = append(cells, c)
			}
		}
		if len(cells) == 0 {
			continue
		}
		key, value := cells[0], ""
		if len(cells) >= 2 {
			value = cells[1]
		} else if k, v, ok := strings.Cut(key, ":"); ok {
			key, value = k, v
		}
		key = strings.Join(strings.Fields(strings.TrimSuffix(strings.TrimSpace(key), ":")), " ")
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if _, dup := meta[key]; !dup {
			meta[key] = value
		}
	}
	return meta
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
