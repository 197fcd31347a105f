// Package local saves result artifacts as parquet files in a directory.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/hashicorp/go-hclog"
	"github.com/queryboost/queryboost-go/destination"
	"github.com/queryboost/queryboost-go/sink"
	filehelpers "github.com/turbot/go-kit/files"
)

var _ sink.Writer = (*Writer)(nil)

type Writer struct {
	dir    string
	logger hclog.Logger
}

// New creates the output directory if needed
// a directory which already holds files is used anyway, with a warning
func New(dir string, logger hclog.Logger) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	existing, err := filehelpers.ListFiles(dir, &filehelpers.ListOptions{
		Flags:   filehelpers.AllFlat,
		Include: []string{filepath.Join(dir, "*")},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory %s: %w", dir, err)
	}
	if len(existing) > 0 {
		logger.Warn("output directory already contains files", "dir", dir, "count", len(existing))
	}
	return &Writer{dir: dir, logger: logger}, nil
}

func (w *Writer) Dir() string {
	return w.dir
}

// Path returns the file an artifact is written to
func (w *Writer) Path(artifact string) string {
	return filepath.Join(w.dir, destination.FileName(artifact))
}

// Write encodes the table into a temporary file in the output directory and renames it into place,
// replacing any earlier write of the same artifact
func (w *Writer) Write(ctx context.Context, table arrow.Table, artifact string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(w.dir, "."+artifact+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	// once renamed this is a no-op
	defer os.Remove(tmp.Name())

	if err := destination.WriteParquet(tmp, table); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode %s: %w", artifact, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}

	path := w.Path(artifact)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	w.logger.Debug("saved artifact", "path", path, "rows", table.NumRows())
	return nil
}
