// Package dataset reads tabular clinical-trial datasets into memory.
//
// A dataset is one file (SAS transport or CSV) holding homogeneous rows: every
// row carries the same columns, and each value is a string, a float64, or nil
// for a missing observation. Tables are read whole; they are created per load
// task and never cached.
//
// Example Usage:
//
//	src := dataset.NewFileSource(nil)
//	table, err := src.Read(ctx, "data/adsl.xpt")
//	if err != nil {
//		return err
//	}
//	if err := table.Require("USUBJID", "ARM"); err != nil {
//		return err // *dataset.DataFormatError
//	}
//	fmt.Printf("%d rows\n", table.Len())
package dataset

import (
	"context"
	"fmt"
	"strings"
)

// Row maps a column name to its scalar value.
type Row map[string]any

// Table is an ordered sequence of rows read from one dataset.
type Table struct {
	// Path is the location the table was read from.
	Path string

	// Columns lists column names in file order.
	Columns []string

	// Rows holds the records in file order.
	Rows []Row
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// HasColumn reports whether the table declares the named column.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Require fails with a *DataFormatError naming every requested column the
// table does not declare.
func (t *Table) Require(columns ...string) error {
	var missing []string
	for _, c := range columns {
		if !t.HasColumn(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &DataFormatError{
		Path:   t.Path,
		Reason: "missing columns " + strings.Join(missing, ", "),
	}
}

// Source reads one dataset identified by a path.
type Source interface {
	Read(ctx context.Context, path string) (*Table, error)
}

// DataFormatError reports a dataset that could not be read as a table, or
// that lacks columns its consumer needs.
type DataFormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DataFormatError) Error() string {
	msg := fmt.Sprintf("dataset %s: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DataFormatError) Unwrap() error {
	return e.Err
}

func formatErr(path, reason string, err error) error {
	return &DataFormatError{Path: path, Reason: reason, Err: err}
}
