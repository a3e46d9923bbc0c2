// Package metrics records load progress: rows written per operation, chunk
// latencies and task outcomes per stage.
//
// Components depend on the Recorder interface. Nop is the default; the
// Prometheus recorder collects into its own registry and, when a Pushgateway
// URL is configured, pushes it on Flush at the end of a run.
package metrics

import (
	"context"
	"time"
)

// Row outcomes recorded by RecordRows.
const (
	RowsAttempted = "attempted"
	RowsCommitted = "committed"
	RowsFailed    = "failed"
)

// Task statuses recorded by RecordTask.
const (
	TaskSucceeded = "succeeded"
	TaskDegraded  = "degraded"
	TaskFailed    = "failed"
)

// Recorder receives load metrics. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// RecordRows adds n rows with the given outcome for an operation.
	RecordRows(operation, outcome string, n int)

	// RecordChunk records one chunk write and its duration. err is the
	// transport-level failure, if any.
	RecordChunk(operation string, err error, d time.Duration)

	// RecordTask counts a finished stage task.
	RecordTask(stage, status string)

	// Flush delivers collected metrics, if the backend needs it.
	Flush(ctx context.Context) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordRows(string, string, int)            {}
func (Nop) RecordChunk(string, error, time.Duration) {}
func (Nop) RecordTask(string, string)                {}
func (Nop) Flush(context.Context) error              { return nil }

var _ Recorder = Nop{}
