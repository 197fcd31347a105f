// Package destination holds the sink.Writer implementations results can be saved to.
//
// The file based destinations write one parquet file per artifact, named <artifact>.parquet.
// Every destination replaces an artifact when it is written again, so a retried flush never
// leaves a partial or duplicated copy behind.
package destination

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

const ParquetExtension = ".parquet"

// rows per parquet row group
const rowGroupRows = 64 * 1024

// FileName returns the file an artifact is stored in
func FileName(artifact string) string {
	return artifact + ParquetExtension
}

// WriteParquet encodes the table as a snappy compressed parquet file
func WriteParquet(w io.Writer, table arrow.Table) error {
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	return pqarrow.WriteTable(table, w, rowGroupRows, props, pqarrow.DefaultWriterProps())
}
