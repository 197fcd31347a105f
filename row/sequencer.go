package row

import (
	"context"
	"errors"
	"io"
	"slices"
)

// Sequencer assigns stable 0-based indices to the records of a Source and validates them
// every row is aligned to the column order of the first row
// a Sequencer is not safe for concurrent use
type Sequencer struct {
	src     Source
	columns []string
	peeked  *Row
	next    int64
	count   int64
	err     error
}

func NewSequencer(src Source) *Sequencer {
	return &Sequencer{src: src}
}

// Peek returns the next row without consuming it
func (s *Sequencer) Peek(ctx context.Context) (Row, error) {
	if s.peeked != nil {
		return *s.peeked, nil
	}
	r, err := s.read(ctx)
	if err != nil {
		return Row{}, err
	}
	s.peeked = &r
	return r, nil
}

// Next returns the next row, or io.EOF once the source is exhausted
// after any other error the sequencer keeps returning that error
func (s *Sequencer) Next(ctx context.Context) (Row, error) {
	if s.peeked != nil {
		r := *s.peeked
		s.peeked = nil
		return r, nil
	}
	return s.read(ctx)
}

// Columns returns the column order established by the first row, nil before the first row is read
func (s *Sequencer) Columns() []string {
	return slices.Clone(s.columns)
}

// Count returns the number of rows read from the source so far
func (s *Sequencer) Count() int64 {
	return s.count
}

func (s *Sequencer) read(ctx context.Context) (Row, error) {
	if s.err != nil {
		return Row{}, s.err
	}
	r, err := s.readRow(ctx)
	if err != nil {
		// cancellation is not sticky, the caller may retry with a live context
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.err = err
		}
		return Row{}, err
	}
	s.count++
	s.next = r.Index + 1
	return r, nil
}

func (s *Sequencer) readRow(ctx context.Context) (Row, error) {
	rec, err := s.src.Next(ctx)
	if err != nil {
		return Row{}, err
	}

	index := s.next
	if rec.Indexed {
		if rec.Index < s.next || rec.Index < 0 {
			return Row{}, &InputError{Index: rec.Index, Err: ErrIndexCollision}
		}
		index = rec.Index
	}

	r, err := New(index, rec.Columns, rec.Values)
	if err != nil {
		return Row{}, err
	}
	if s.columns == nil {
		s.columns = r.columns
		return r, nil
	}
	return s.align(r)
}

// align reorders the values of r to the established column order
func (s *Sequencer) align(r Row) (Row, error) {
	if slices.Equal(r.columns, s.columns) {
		return r, nil
	}
	if len(r.columns) != len(s.columns) {
		return Row{}, &InputError{Index: r.Index, Err: ErrSchemaMismatch}
	}
	values := make([]any, len(s.columns))
	for i, c := range s.columns {
		v, ok := r.Get(c)
		if !ok {
			return Row{}, &InputError{Index: r.Index, Column: c, Err: ErrSchemaMismatch}
		}
		values[i] = v
	}
	return Row{Index: r.Index, columns: s.columns, values: values}, nil
}

// All drains the sequencer, returning every remaining row
func (s *Sequencer) All(ctx context.Context) ([]Row, error) {
	var rows []Row
	for {
		r, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
}
