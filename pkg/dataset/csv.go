package dataset

import (
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"
)

// DecodeCSV reads a comma-separated dataset with a header row.
//
// A column whose non-empty cells all parse as numbers is numeric (float64);
// any other column keeps its cells as strings. Columns named in textColumns
// are always strings. Empty cells are nil in both.
func DecodeCSV(path string, r io.Reader, textColumns ...string) (*Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, formatErr(path, "empty file", err)
	}
	if err != nil {
		return nil, formatErr(path, "bad header", err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	records, err := cr.ReadAll()
	if err != nil {
		return nil, formatErr(path, "bad record", err)
	}

	text := make(map[string]bool, len(textColumns))
	for _, c := range textColumns {
		text[c] = true
	}
	numeric := make([]bool, len(columns))
	for i, col := range columns {
		numeric[i] = !text[col] && numericColumn(records, i)
	}

	rows := make([]Row, len(records))
	for n, rec := range records {
		row := make(Row, len(columns))
		for i, col := range columns {
			cell := strings.TrimSpace(rec[i])
			switch {
			case cell == "":
				row[col] = nil
			case numeric[i]:
				f, _ := strconv.ParseFloat(cell, 64)
				row[col] = f
			default:
				row[col] = cell
			}
		}
		rows[n] = row
	}

	return &Table{Path: path, Columns: columns, Rows: rows}, nil
}

func numericColumn(records [][]string, col int) bool {
	seen := false
	for _, rec := range records {
		cell := strings.TrimSpace(rec[col])
		if cell == "" {
			continue
		}
		if _, err := strconv.ParseFloat(cell, 64); err != nil {
			return false
		}
		seen = true
	}
	return seen
}
