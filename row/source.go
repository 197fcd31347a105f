package row

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/queryboost/queryboost-go/getter"
)

// Source yields input records in a stable order
// Next returns io.EOF once the input is exhausted
type Source interface {
	Next(ctx context.Context) (Record, error)
}

// SourceFunc adapts a function to a Source
type SourceFunc func(ctx context.Context) (Record, error)

func (f SourceFunc) Next(ctx context.Context) (Record, error) {
	return f(ctx)
}

// FromRecords returns a Source over the given records
func FromRecords(records []Record) Source {
	i := 0
	return SourceFunc(func(ctx context.Context) (Record, error) {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		if i >= len(records) {
			return Record{}, io.EOF
		}
		i++
		return records[i-1], nil
	})
}

// FromSlice returns a Source over a slice of maps
// the columns of each map are taken in sorted order
func FromSlice(rows []map[string]any) Source {
	i := 0
	return SourceFunc(func(ctx context.Context) (Record, error) {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		if i >= len(rows) {
			return Record{}, io.EOF
		}
		m := rows[i]
		i++
		columns := make([]string, 0, len(m))
		for k := range m {
			columns = append(columns, k)
		}
		sort.Strings(columns)
		values := make([]any, len(columns))
		for j, c := range columns {
			values[j] = m[c]
		}
		return Record{Columns: columns, Values: values}, nil
	})
}

// FromJSONL returns a Source reading a stream of JSON objects (typically one per line)
// column order follows the key order of each object
func FromJSONL(r io.Reader) Source {
	dec := json.NewDecoder(bufio.NewReader(r))
	dec.UseNumber()
	return &jsonSource{dec: dec}
}

type jsonSource struct {
	dec *json.Decoder
	n   int64
}

func (s *jsonSource) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	tok, err := s.dec.Token()
	if errors.Is(err, io.EOF) {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, s.inputError(err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return Record{}, s.inputError(fmt.Errorf("expected a JSON object, got %v", tok))
	}

	var rec Record
	for s.dec.More() {
		keyTok, err := s.dec.Token()
		if err != nil {
			return Record{}, s.inputError(err)
		}
		key, _ := keyTok.(string)
		var v any
		if err := s.dec.Decode(&v); err != nil {
			return Record{}, s.inputError(err)
		}
		rec.Columns = append(rec.Columns, key)
		rec.Values = append(rec.Values, v)
	}
	// closing brace
	if _, err := s.dec.Token(); err != nil {
		return Record{}, s.inputError(err)
	}
	s.n++
	return rec, nil
}

func (s *jsonSource) inputError(err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &InputError{Index: s.n, Err: fmt.Errorf("malformed JSON: %w", err)}
}

// FileSource reads JSONL records from one or more files in turn
type FileSource struct {
	paths   []string
	current *os.File
	src     Source
}

// FromFile resolves source (a local path, glob or go-getter url) and reads every resolved file as JSONL
// remote inputs are downloaded under tmpDir
func FromFile(ctx context.Context, source, tmpDir string) (*FileSource, error) {
	paths, err := getter.InputFiles(ctx, source, tmpDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no input files found for %s", source)
	}
	return &FileSource{paths: paths}, nil
}

// Paths returns the resolved local files
func (f *FileSource) Paths() []string {
	return f.paths
}

func (f *FileSource) Next(ctx context.Context) (Record, error) {
	for {
		if f.src == nil {
			if len(f.paths) == 0 {
				return Record{}, io.EOF
			}
			file, err := os.Open(f.paths[0])
			if err != nil {
				return Record{}, err
			}
			f.paths = f.paths[1:]
			f.current = file
			f.src = FromJSONL(file)
		}
		rec, err := f.src.Next(ctx)
		if !errors.Is(err, io.EOF) {
			return rec, err
		}
		if err := f.Close(); err != nil {
			return Record{}, err
		}
	}
}

// Close closes the file currently being read
func (f *FileSource) Close() error {
	f.src = nil
	if f.current == nil {
		return nil
	}
	err := f.current.Close()
	f.current = nil
	return err
}
