package artifact

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Table is a header plus string rows, the tabular form of every artifact.
type Table struct {
	Header []string
	Rows   [][]string
}

// Encode renders the table as CSV with "\n" line endings.
func (t Table) Encode() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Column returns the index of a header column, or -1.
func (t Table) Column(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// DecodeTable parses CSV produced by Encode.
func DecodeTable(data []byte) (Table, error) {
	r := csv.NewReader(bytes.NewReader(data))
	records, err := r.ReadAll()
	if err != nil {
		return Table{}, err
	}
	if len(records) == 0 {
		return Table{}, fmt.Errorf("empty table")
	}
	return Table{Header: records[0], Rows: records[1:]}, nil
}

// ReadTable loads a CSV artifact from disk.
func ReadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, core.WrapIO("read", path, err)
	}
	t, err := DecodeTable(data)
	if err != nil {
		return Table{}, core.WrapIO("parse", path, err)
	}
	return t, nil
}
