package pipeline

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/orneryd/trialgraph/pkg/metrics"
	"github.com/orneryd/trialgraph/pkg/writeop"
)

// MaxRecordedErrors caps the row errors kept per task. The count is always
// exact.
const MaxRecordedErrors = 100

// TaskReport tallies one task's chunks.
type TaskReport struct {
	Stage    Stage
	Function string
	Tag      string
	Path     string

	Rows      int
	Chunks    int
	Attempted int
	Started   int
	Committed int

	RowErrors int
	Errors    []string

	// FailedChunks counts chunks lost to a *writeop.GraphWriteError.
	FailedChunks int
	ChunkErrors  []error

	// Err is set when the task could not start: the dataset was unreadable
	// or lacked required columns.
	Err error

	Duration time.Duration
}

func newTaskReport(t StageTask) *TaskReport {
	return &TaskReport{Stage: t.Stage, Function: t.Function, Tag: t.Tag, Path: t.Path}
}

func (r *TaskReport) add(res writeop.WriteResult, err error) {
	r.Attempted += res.Attempted
	r.Started += res.Started
	r.Committed += res.Committed
	r.RowErrors += len(res.Errors)
	if room := MaxRecordedErrors - len(r.Errors); room > 0 {
		r.Errors = append(r.Errors, res.Errors[:min(room, len(res.Errors))]...)
	}
	if err != nil {
		r.FailedChunks++
		r.ChunkErrors = append(r.ChunkErrors, err)
	}
}

// Status classifies the task for metrics and display.
func (r *TaskReport) Status() string {
	switch {
	case r.Err != nil:
		return metrics.TaskFailed
	case r.FailedChunks > 0 || r.RowErrors > 0:
		return metrics.TaskDegraded
	default:
		return metrics.TaskSucceeded
	}
}

// StageReport collects the task reports of one stage in plan order.
type StageReport struct {
	Stage    Stage
	Tasks    []*TaskReport
	Duration time.Duration
}

// Totals sums the stage's tasks.
func (s StageReport) Totals() TaskReport {
	t := TaskReport{Stage: s.Stage}
	for _, r := range s.Tasks {
		t.Rows += r.Rows
		t.Chunks += r.Chunks
		t.Attempted += r.Attempted
		t.Started += r.Started
		t.Committed += r.Committed
		t.RowErrors += r.RowErrors
		t.FailedChunks += r.FailedChunks
	}
	return t
}

// FailedTasks counts tasks that never wrote.
func (s StageReport) FailedTasks() int {
	n := 0
	for _, r := range s.Tasks {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Report is the outcome of a run.
type Report struct {
	Nodes    StageReport
	Edges    StageReport
	Started  time.Time
	Duration time.Duration

	// SchemaErr is set when key constraints could not be declared before
	// the node stage.
	SchemaErr error
}

// Tasks returns every task report, node stage first.
func (r *Report) Tasks() []*TaskReport {
	out := make([]*TaskReport, 0, len(r.Nodes.Tasks)+len(r.Edges.Tasks))
	out = append(out, r.Nodes.Tasks...)
	return append(out, r.Edges.Tasks...)
}

// Degraded reports whether any row, chunk or task failed.
func (r *Report) Degraded() bool {
	if r.SchemaErr != nil {
		return true
	}
	for _, t := range r.Tasks() {
		if t.Status() != metrics.TaskSucceeded {
			return true
		}
	}
	return false
}

// Print writes a per-task table followed by stage totals.
func (r *Report) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tFUNCTION\tPATH\tCHUNKS\tATTEMPTED\tCOMMITTED\tROW ERRORS\tFAILED CHUNKS\tSTATUS")
	for _, t := range r.Tasks() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			t.Stage, t.Function, t.Path, t.Chunks, t.Attempted, t.Committed, t.RowErrors, t.FailedChunks, t.Status())
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, s := range []StageReport{r.Nodes, r.Edges} {
		tot := s.Totals()
		fmt.Fprintf(w, "%s: %d tasks (%d failed), %d/%d rows committed, %d row errors, %d failed chunks in %s\n",
			s.Stage, len(s.Tasks), s.FailedTasks(), tot.Committed, tot.Attempted, tot.RowErrors, tot.FailedChunks,
			s.Duration.Round(time.Millisecond))
	}
	if r.SchemaErr != nil {
		fmt.Fprintf(w, "schema: %v\n", r.SchemaErr)
	}
	for _, t := range r.Tasks() {
		if t.Err != nil {
			fmt.Fprintf(w, "task %s %s: %v\n", t.Function, t.Path, t.Err)
		}
		for _, err := range t.ChunkErrors {
			fmt.Fprintf(w, "  %v\n", err)
		}
	}
	return nil
}
