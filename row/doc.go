// Package row turns arbitrary input collections into an ordered, indexed sequence of rows.
//
// A [Source] yields unsequenced [Record] values in a stable order; a [Sequencer] validates them,
// aligns every record to the columns of the first one and assigns each a stable 0-based index.
// Input problems (reserved or duplicate column names, unsupported values, schema drift, index
// collisions) are reported as [*InputError] before any network interaction takes place.
package row
