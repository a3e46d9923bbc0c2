package writeop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/orneryd/trialgraph/pkg/chunk"
	"github.com/orneryd/trialgraph/pkg/graph"
	"github.com/orneryd/trialgraph/pkg/logging"
	"github.com/orneryd/trialgraph/pkg/metrics"
)

// DefaultTimeout bounds a single store call.
const DefaultTimeout = 5 * time.Minute

// WriteResult reports one chunk's execution.
type WriteResult struct {
	Operation string
	Chunk     int

	// Attempted counts the rows sent to the store, after distinct_on and
	// categorical reduction.
	Attempted int
	Started   int
	Committed int

	// Errors holds row-level failures in row order.
	Errors []string

	Duration time.Duration
}

// Empty reports a successful chunk that wrote nothing.
func (r WriteResult) Empty() bool {
	return r.Committed == 0 && len(r.Errors) == 0
}

// GraphWriteError is a transport-level failure of one chunk: the store was
// unreachable, the call timed out or the run was cancelled. No row outcome
// is known for that chunk.
type GraphWriteError struct {
	Operation string
	Chunk     int
	Err       error
}

func (e *GraphWriteError) Error() string {
	return fmt.Sprintf("write %s chunk %d: %v", e.Operation, e.Chunk, e.Err)
}

func (e *GraphWriteError) Unwrap() error {
	return e.Err
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// Database is used when an operation does not name one.
	Database string

	// Timeout bounds each store call. Zero means DefaultTimeout.
	Timeout time.Duration

	Logger  *log.Logger
	Metrics metrics.Recorder
}

// Executor runs operations against one store. It is safe for concurrent use.
type Executor struct {
	store   graph.Store
	opts    ExecutorOptions
	logger  *log.Logger
	metrics metrics.Recorder
}

// NewExecutor creates an executor writing to store.
func NewExecutor(store graph.Store, opts ExecutorOptions) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	e := &Executor{store: store, opts: opts, logger: opts.Logger, metrics: opts.Metrics}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.metrics == nil {
		e.metrics = metrics.Nop{}
	}
	return e
}

// Execute writes one chunk with op in a single store call.
//
// Row-level failures land in WriteResult.Errors. A transport failure or a
// timeout returns a *GraphWriteError along with the partial result (operation,
// chunk and attempted count).
func (e *Executor) Execute(ctx context.Context, op *Operation, c chunk.Chunk) (WriteResult, error) {
	start := time.Now()
	res := WriteResult{Operation: op.Name(), Chunk: c.Index}

	params := op.params(c.Rows)
	defer release(params)
	res.Attempted = len(params)

	if len(params) == 0 {
		e.logger.Debug("empty chunk", "operation", op.Name(), "chunk", c.Index)
		return res, nil
	}

	database := op.Database()
	if database == "" {
		database = e.opts.Database
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	outcomes, err := e.store.Execute(callCtx, op.GraphOperation(), params, database)
	res.Duration = time.Since(start)
	e.metrics.RecordChunk(op.Name(), err, res.Duration)
	e.metrics.RecordRows(op.Name(), metrics.RowsAttempted, res.Attempted)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", e.opts.Timeout, err)
		}
		return res, &GraphWriteError{Operation: op.Name(), Chunk: c.Index, Err: err}
	}

	for _, o := range outcomes {
		if o.Started {
			res.Started++
		}
		if o.Committed {
			res.Committed++
			continue
		}
		msg := o.Error
		if msg == "" {
			msg = "not committed"
		}
		res.Errors = append(res.Errors, o.Subject+": "+msg)
	}

	e.metrics.RecordRows(op.Name(), metrics.RowsCommitted, res.Committed)
	e.metrics.RecordRows(op.Name(), metrics.RowsFailed, len(res.Errors))
	e.logger.Debug("chunk written",
		"operation", op.Name(), "chunk", c.Index,
		"attempted", res.Attempted, "committed", res.Committed,
		"errors", len(res.Errors), "took", res.Duration)
	return res, nil
}

// EnsureSchema declares key uniqueness for ops when the store supports it,
// grouping operations by target database. Stores without schema support
// are left alone.
func (e *Executor) EnsureSchema(ctx context.Context, ops []*Operation) error {
	ensurer, ok := e.store.(graph.SchemaEnsurer)
	if !ok {
		return nil
	}

	var order []string
	byDB := make(map[string][]*graph.Operation)
	for _, op := range ops {
		database := op.Database()
		if database == "" {
			database = e.opts.Database
		}
		if _, ok := byDB[database]; !ok {
			order = append(order, database)
		}
		byDB[database] = append(byDB[database], op.GraphOperation())
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	for _, database := range order {
		if err := ensurer.EnsureSchema(callCtx, byDB[database], database); err != nil {
			return err
		}
		e.logger.Info("schema ensured", "database", database, "operations", len(byDB[database]))
	}
	return nil
}
