package sink

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// Writer persists one artifact
// Write must be idempotent for a given name: a retried or repeated write replaces the artifact
type Writer interface {
	Write(ctx context.Context, table arrow.Table, name string) error
}

// WriterFunc adapts a function to a Writer
type WriterFunc func(ctx context.Context, table arrow.Table, name string) error

func (f WriterFunc) Write(ctx context.Context, table arrow.Table, name string) error {
	return f(ctx, table, name)
}

// ArtifactName is the default naming scheme: part-00000, part-00001, ...
func ArtifactName(seq int) string {
	return fmt.Sprintf("part-%05d", seq)
}
