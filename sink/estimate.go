package sink

import "github.com/apache/arrow-go/v18/arrow"

// Estimator returns the approximate in-memory size of a record in bytes
type Estimator func(arrow.Record) int64

const bufferAlignment = 64

// EstimateRecordBytes sums the buffers of every column, including child and dictionary data,
// each rounded up to the 64 byte alignment Arrow allocates with
func EstimateRecordBytes(rec arrow.Record) int64 {
	var total int64
	for _, col := range rec.Columns() {
		total += dataBytes(col.Data())
	}
	return total
}

func dataBytes(d arrow.ArrayData) int64 {
	if d == nil {
		return 0
	}
	var n int64
	for _, b := range d.Buffers() {
		if b != nil {
			n += align(int64(b.Len()))
		}
	}
	for _, c := range d.Children() {
		n += dataBytes(c)
	}
	if d.DataType().ID() == arrow.DICTIONARY {
		n += dataBytes(d.Dictionary())
	}
	return n
}

func align(n int64) int64 {
	return (n + bufferAlignment - 1) &^ (bufferAlignment - 1)
}
