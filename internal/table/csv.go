package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmpty is returned for input without a header row.
var ErrEmpty = errors.New("table input is empty")

// ReadCSV parses a CSV document with a header row. Cells are strings; empty
// cells become nil. A UTF-8 byte order mark on the header is dropped.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
	}

	t := New(columns...)
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		row := make([]any, len(columns))
		for i := range columns {
			if i < len(record) && record[i] != "" {
				row[i] = record[i]
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
