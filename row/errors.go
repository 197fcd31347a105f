package row

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyColumnName  = errors.New("empty column name")
	ErrReservedColumn   = errors.New("reserved column name")
	ErrDuplicateColumn  = errors.New("duplicate column name")
	ErrNoColumns        = errors.New("row has no columns")
	ErrUnsupportedValue = errors.New("unsupported value type")
	ErrSchemaMismatch   = errors.New("row does not match the columns of the first row")
	ErrIndexCollision   = errors.New("row index collision")
)

// InputError describes a malformed input row
type InputError struct {
	// Index is the index the row has (or would have been given)
	Index  int64
	Column string
	Err    error
}

func (e *InputError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("invalid input row %d, column '%s': %s", e.Index, e.Column, e.Err.Error())
	}
	return fmt.Sprintf("invalid input row %d: %s", e.Index, e.Err.Error())
}

func (e *InputError) Unwrap() error {
	return e.Err
}
