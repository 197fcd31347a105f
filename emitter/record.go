package emitter

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/queryboost/queryboost-go/row"
)

// inferSchema takes each column's type from its first non-null value in rows
// a column with no values at all is typed as a string
func inferSchema(columns []string, rows []row.Row) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(columns)+1)
	for i, name := range columns {
		var dt arrow.DataType = arrow.BinaryTypes.String
		for _, r := range rows {
			if t := typeOf(r.Value(i)); t != nil {
				dt = t
				break
			}
		}
		fields = append(fields, arrow.Field{Name: name, Type: dt, Nullable: true})
	}
	fields = append(fields, arrow.Field{Name: row.RowIndexColumn, Type: arrow.PrimitiveTypes.Int64})
	return arrow.NewSchema(fields, nil)
}

func typeOf(v any) arrow.DataType {
	switch v.(type) {
	case bool:
		return arrow.FixedWidthTypes.Boolean
	case int64:
		return arrow.PrimitiveTypes.Int64
	case float64:
		return arrow.PrimitiveTypes.Float64
	case string:
		return arrow.BinaryTypes.String
	}
	return nil
}

func buildRecord(mem memory.Allocator, schema *arrow.Schema, rows []row.Row) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	last := len(schema.Fields()) - 1
	for _, r := range rows {
		if r.Len() != last {
			return nil, &row.InputError{Index: r.Index, Err: row.ErrSchemaMismatch}
		}
		for i := 0; i < last; i++ {
			if err := appendValue(b.Field(i), r.Value(i)); err != nil {
				return nil, &row.InputError{Index: r.Index, Column: schema.Field(i).Name, Err: err}
			}
		}
		b.Field(last).(*array.Int64Builder).Append(r.Index)
	}
	return b.NewRecord(), nil
}

func appendValue(fb array.Builder, v any) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}
	switch fb := fb.(type) {
	case *array.Int64Builder:
		if i, ok := v.(int64); ok {
			fb.Append(i)
			return nil
		}
	case *array.Float64Builder:
		switch n := v.(type) {
		case float64:
			fb.Append(n)
			return nil
		case int64:
			fb.Append(float64(n))
			return nil
		}
	case *array.BooleanBuilder:
		if b, ok := v.(bool); ok {
			fb.Append(b)
			return nil
		}
	case *array.StringBuilder:
		if s, ok := v.(string); ok {
			fb.Append(s)
			return nil
		}
	}
	return fmt.Errorf("%w: column is %s but value is %T", row.ErrSchemaMismatch, fb.Type(), v)
}
