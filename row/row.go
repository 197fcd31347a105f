package row

import (
	"encoding/json"
	"fmt"
	"slices"
)

// RowIndexColumn carries each row's index through the remote service so results can be reconciled
const RowIndexColumn = "_row_index"

// ReservedColumns may not appear in input data - the service uses them for generated output
var ReservedColumns = []string{"_inference", "_error", RowIndexColumn}

// Record is an unsequenced input record as produced by a Source
// Columns and Values are parallel slices
type Record struct {
	Columns []string
	Values  []any
	// if Indexed is set the record carries its own index (e.g. when resuming a partial run)
	// explicit indices must be strictly increasing
	Index   int64
	Indexed bool
}

// Row is one sequenced input record
// it is never mutated after creation
type Row struct {
	Index   int64
	columns []string
	values  []any
}

// New validates and normalises the given columns and values into a Row
func New(index int64, columns []string, values []any) (Row, error) {
	if len(columns) == 0 {
		return Row{}, &InputError{Index: index, Err: ErrNoColumns}
	}
	if len(columns) != len(values) {
		return Row{}, &InputError{Index: index, Err: fmt.Errorf("%d columns but %d values", len(columns), len(values))}
	}
	seen := make(map[string]struct{}, len(columns))
	normalised := make([]any, len(values))
	for i, c := range columns {
		if err := ValidateColumnName(c); err != nil {
			return Row{}, &InputError{Index: index, Column: c, Err: err}
		}
		if _, ok := seen[c]; ok {
			return Row{}, &InputError{Index: index, Column: c, Err: ErrDuplicateColumn}
		}
		seen[c] = struct{}{}

		v, err := normaliseValue(values[i])
		if err != nil {
			return Row{}, &InputError{Index: index, Column: c, Err: err}
		}
		normalised[i] = v
	}
	return Row{
		Index:   index,
		columns: slices.Clone(columns),
		values:  normalised,
	}, nil
}

// ValidateColumnName checks a column name is non-empty and not reserved
func ValidateColumnName(name string) error {
	if name == "" {
		return ErrEmptyColumnName
	}
	if slices.Contains(ReservedColumns, name) {
		return ErrReservedColumn
	}
	return nil
}

func (r Row) Len() int {
	return len(r.columns)
}

// Columns returns the column names in order
func (r Row) Columns() []string {
	return slices.Clone(r.columns)
}

// Value returns the i'th value
func (r Row) Value(i int) any {
	return r.values[i]
}

// Get returns the value of the named column
func (r Row) Get(column string) (any, bool) {
	i := slices.Index(r.columns, column)
	if i == -1 {
		return nil, false
	}
	return r.values[i], true
}

// normaliseValue maps supported scalar types onto nil, bool, int64, float64 or string
func normaliseValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, int64, float64, string:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case float32:
		return float64(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedValue, t.String())
		}
		return f, nil
	case []byte:
		return string(t), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}
