package table

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// WriteParquet encodes t as a Parquet file with one optional string column
// per table column, in table order. Non-string cells are formatted.
func WriteParquet(w io.Writer, t *Table) error {
	group := make(parquet.Group, len(t.Columns))
	for _, c := range t.Columns {
		group[c] = parquet.Optional(parquet.String())
	}
	schema := parquet.NewSchema("joined", group)

	// Group fields are ordered by name; map them back to table positions.
	leaf := make([]int, len(t.Columns))
	for i, path := range schema.Columns() {
		idx := t.Index(strings.Join(path, "."))
		if idx < 0 {
			return fmt.Errorf("parquet column %v has no table column", path)
		}
		leaf[i] = idx
	}

	pw := parquet.NewWriter(w, schema)
	rows := make([]parquet.Row, 0, len(t.Rows))
	for _, cells := range t.Rows {
		row := make(parquet.Row, len(leaf))
		for col, idx := range leaf {
			if cells[idx] == nil {
				row[col] = parquet.NullValue().Level(0, 0, col)
				continue
			}
			row[col] = parquet.ValueOf(cellString(cells[idx])).Level(0, 1, col)
		}
		rows = append(rows, row)
	}
	if _, err := pw.WriteRows(rows); err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	return pw.Close()
}

// ReadParquet decodes a flat Parquet file. Column order follows the file
// schema.
func ReadParquet(r io.ReaderAt, size int64) (*Table, error) {
	f, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	paths := f.Schema().Columns()
	columns := make([]string, len(paths))
	for i, p := range paths {
		columns[i] = strings.Join(p, ".")
	}
	t := New(columns...)

	buf := make([]parquet.Row, 128)
	for _, rg := range f.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				cells := make([]any, len(columns))
				for _, v := range row {
					if c := v.Column(); c >= 0 && c < len(cells) {
						cells[c] = cellValue(v)
					}
				}
				t.Rows = append(t.Rows, cells)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("read parquet rows: %w", err)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// DecodeParquet reads a whole Parquet stream into memory and decodes it.
func DecodeParquet(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ReadParquet(bytes.NewReader(data), int64(len(data)))
}

func cellValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	default:
		return string(v.ByteArray())
	}
}

func cellString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}
