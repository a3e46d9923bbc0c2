// Package chunk splits dataset tables into bounded-size write batches.
package chunk

import "github.com/orneryd/trialgraph/pkg/dataset"

// DefaultSize is the target number of rows per chunk.
const DefaultSize = 100

// Chunk is a contiguous run of a table's rows. Index is the chunk's ordinal
// position within its table.
type Chunk struct {
	Index int
	Rows  []dataset.Row
}

// Len returns the number of rows in the chunk.
func (c Chunk) Len() int {
	return len(c.Rows)
}

// Split divides table into max(1, N/target) contiguous chunks of N/numChunks
// rows each, with the N%numChunks tail rows appended to the last chunk.
//
// An empty table yields exactly one empty chunk, so every table produces at
// least one unit of work. A non-positive target yields a single chunk holding
// the whole table. Chunks share the table's backing array; concatenating
// them in order reproduces the table.
//
// Example:
//
//	chunks := chunk.Split(table, 100) // 250 rows -> [125 125], 253 rows -> [126 127]
func Split(table *dataset.Table, target int) []Chunk {
	rows := tableRows(table)
	n := len(rows)
	if n == 0 {
		return []Chunk{{Index: 0, Rows: []dataset.Row{}}}
	}
	if target <= 0 {
		return []Chunk{{Index: 0, Rows: rows}}
	}

	numChunks := max(1, n/target)
	base := n / numChunks

	chunks := make([]Chunk, numChunks)
	for i := range chunks {
		start := i * base
		end := start + base
		if i == numChunks-1 {
			end = n
		}
		chunks[i] = Chunk{Index: i, Rows: rows[start:end:end]}
	}
	return chunks
}

// Sizes returns the chunk sizes Split would produce for n rows.
func Sizes(n, target int) []int {
	if n == 0 {
		return []int{0}
	}
	if target <= 0 {
		return []int{n}
	}
	numChunks := max(1, n/target)
	base := n / numChunks
	sizes := make([]int, numChunks)
	for i := range sizes {
		sizes[i] = base
	}
	sizes[numChunks-1] += n % numChunks
	return sizes
}

func tableRows(table *dataset.Table) []dataset.Row {
	if table == nil {
		return nil
	}
	return table.Rows
}
