package joinjob

import (
	"errors"
	"fmt"
	"time"

	"github.com/rskumar/orderflow/internal/table"
)

const (
	// KeyColumn joins orders and returns.
	KeyColumn = "Order ID"
	// UpdatedOnColumn is stamped on every joined row.
	UpdatedOnColumn = "UpdatedOn"
	// ReturnPrefix renames returns columns that collide with orders columns.
	ReturnPrefix = "Return "
)

var (
	// ErrMissingKeyColumn means one input lacks the join key column.
	ErrMissingKeyColumn = errors.New("input is missing the " + KeyColumn + " column")
	// ErrEmptyInput means one input has no rows.
	ErrEmptyInput = errors.New("input has no rows")
)

// Join left-joins returns onto orders by KeyColumn. Orders without a key are
// dropped, an order with several returns yields one row per return, and
// every row is stamped with updatedOn in RFC 3339 UTC.
func Join(orders, returns *table.Table, updatedOn time.Time) (*table.Table, error) {
	if err := check("orders", orders); err != nil {
		return nil, err
	}
	if err := check("returns", returns); err != nil {
		return nil, err
	}
	ok := orders.Index(KeyColumn)
	rk := returns.Index(KeyColumn)

	taken := make(map[string]bool, len(orders.Columns)+1)
	columns := append([]string(nil), orders.Columns...)
	for _, c := range columns {
		taken[c] = true
	}
	var returnCols []int
	for i, c := range returns.Columns {
		if i == rk {
			continue
		}
		name := c
		if taken[name] {
			name = ReturnPrefix + c
		}
		taken[name] = true
		columns = append(columns, name)
		returnCols = append(returnCols, i)
	}
	columns = append(columns, UpdatedOnColumn)

	byKey := make(map[string][][]any)
	for _, row := range returns.Rows {
		if key := keyOf(row[rk]); key != "" {
			byKey[key] = append(byKey[key], row)
		}
	}

	stamp := updatedOn.UTC().Format(time.RFC3339)
	out := table.New(columns...)
	for _, order := range orders.Rows {
		key := keyOf(order[ok])
		if key == "" {
			continue
		}
		matches := byKey[key]
		if len(matches) == 0 {
			matches = [][]any{nil}
		}
		for _, ret := range matches {
			row := make([]any, 0, len(columns))
			row = append(row, order...)
			for _, i := range returnCols {
				if ret == nil {
					row = append(row, nil)
					continue
				}
				row = append(row, ret[i])
			}
			row = append(row, stamp)
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func check(name string, t *table.Table) error {
	if t == nil || t.Len() == 0 {
		return fmt.Errorf("%s: %w", name, ErrEmptyInput)
	}
	if t.Index(KeyColumn) < 0 {
		return fmt.Errorf("%s: %w", name, ErrMissingKeyColumn)
	}
	return nil
}

func keyOf(v any) string {
	if v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v)
	}
	return s
}
