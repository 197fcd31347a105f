// Package sqlite saves result rows into a SQLite table, one JSON document per row.
//
// Rows are keyed by (run, artifact, row_index), so any number of runs can share a table. Writing an
// artifact deletes whatever an earlier attempt of the same run stored under that name and inserts
// the new rows in a single transaction.
package sqlite

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/hashicorp/go-hclog"
	"github.com/queryboost/queryboost-go/row"
	"github.com/queryboost/queryboost-go/sink"

	_ "modernc.org/sqlite"
)

const DefaultTable = "results"

var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var _ sink.Writer = (*Writer)(nil)

type Writer struct {
	db     *sql.DB
	table  string
	run    string
	logger hclog.Logger
}

// Open opens (creating if needed) the database at path and the results table
// the rows of the writer are stored, replaced and read under the given run name
func Open(path, table, run string, logger hclog.Logger) (*Writer, error) {
	if run == "" {
		return nil, fmt.Errorf("run name is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	w := &Writer{db: db, table: table, run: run, logger: logger}
	if err := w.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return w, nil
}

func (w *Writer) migrate() error {
	_, err := w.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		run TEXT NOT NULL,
		artifact TEXT NOT NULL,
		row_index INTEGER NOT NULL,
		data TEXT NOT NULL,
		saved_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run, artifact, row_index)
	)`, w.table))
	return err
}

func (w *Writer) Close() error {
	return w.db.Close()
}

// Write replaces the rows stored for the artifact with the rows of the table
func (w *Writer) Write(ctx context.Context, table arrow.Table, artifact string) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE run = ? AND artifact = ?", w.table), w.run, artifact); err != nil {
		return fmt.Errorf("failed to clear artifact %s: %w", artifact, err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (run, artifact, row_index, data) VALUES (?, ?, ?, ?)", w.table))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	var position int64
	reader := array.NewTableReader(table, 0)
	defer reader.Release()
	for reader.Next() {
		var buf bytes.Buffer
		if err := array.RecordToJSON(reader.Record(), &buf); err != nil {
			return fmt.Errorf("failed to encode rows of %s: %w", artifact, err)
		}
		scanner := bufio.NewScanner(&buf)
		scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			index, err := rowIndex(line, position)
			if err != nil {
				return fmt.Errorf("artifact %s: %w", artifact, err)
			}
			if _, err := stmt.ExecContext(ctx, w.run, artifact, index, string(line)); err != nil {
				return fmt.Errorf("failed to insert row %d of %s: %w", index, artifact, err)
			}
			position++
		}
		if err := scanner.Err(); err != nil {
			return err
		}
	}
	if err := reader.Err(); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit artifact %s: %w", artifact, err)
	}
	w.logger.Debug("saved artifact", "table", w.table, "run", w.run, "artifact", artifact, "rows", position)
	return nil
}

// rowIndex reads _row_index from an encoded row, falling back to the row's position in the artifact
func rowIndex(line []byte, position int64) (int64, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(line, &doc); err != nil {
		return 0, err
	}
	raw, ok := doc[row.RowIndexColumn]
	if !ok || string(raw) == "null" {
		return position, nil
	}
	var index int64
	if err := json.Unmarshal(raw, &index); err != nil {
		return 0, fmt.Errorf("invalid %s %s: %w", row.RowIndexColumn, raw, err)
	}
	return index, nil
}

// Counts returns the number of rows stored by this run per artifact
func (w *Writer) Counts(ctx context.Context) (map[string]int64, error) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf("SELECT artifact, COUNT(*) FROM %s WHERE run = ? GROUP BY artifact", w.table), w.run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var artifact string
		var n int64
		if err := rows.Scan(&artifact, &n); err != nil {
			return nil, err
		}
		counts[artifact] = n
	}
	return counts, rows.Err()
}

// Rows returns the JSON documents stored by this run keyed by row index
func (w *Writer) Rows(ctx context.Context) (map[int64]string, error) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf("SELECT row_index, data FROM %s WHERE run = ?", w.table), w.run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]string{}
	for rows.Next() {
		var index int64
		var data string
		if err := rows.Scan(&index, &data); err != nil {
			return nil, err
		}
		out[index] = data
	}
	return out, rows.Err()
}
