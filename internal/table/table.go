// Package table holds the in-memory tabular form shared by the join job,
// the sinks and the result resolver, plus its CSV and Parquet codecs.
package table

import (
	"fmt"
	"sort"
)

// Table is a column-ordered set of rows. Every row has len(Columns) cells;
// a nil cell is a missing value.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// New returns an empty table with the given columns.
func New(columns ...string) *Table {
	return &Table{Columns: append([]string(nil), columns...)}
}

// Len is the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Index returns the position of column, or -1.
func (t *Table) Index(column string) int {
	for i, c := range t.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

// Append adds one row. It fails when the cell count does not match.
func (t *Table) Append(cells ...any) error {
	if len(cells) != len(t.Columns) {
		return fmt.Errorf("row has %d cells, table has %d columns", len(cells), len(t.Columns))
	}
	t.Rows = append(t.Rows, cells)
	return nil
}

// Records returns the rows as column-keyed objects.
func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, 0, t.Len())
	for _, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for i, c := range t.Columns {
			rec[c] = row[i]
		}
		out = append(out, rec)
	}
	return out
}

// FromRecords builds a table from row objects. Columns are the union of all
// keys; keys listed in lead come first in that order, the rest sorted.
func FromRecords(records []map[string]any, lead ...string) *Table {
	seen := make(map[string]bool)
	var columns []string
	for _, c := range lead {
		for _, rec := range records {
			if _, ok := rec[c]; ok {
				columns = append(columns, c)
				seen[c] = true
				break
			}
		}
	}
	var rest []string
	for _, rec := range records {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				rest = append(rest, k)
			}
		}
	}
	sort.Strings(rest)
	columns = append(columns, rest...)

	t := New(columns...)
	for _, rec := range records {
		row := make([]any, len(columns))
		for i, c := range columns {
			row[i] = rec[c]
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}
