package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/orneryd/trialgraph/pkg/chunk"
	"github.com/orneryd/trialgraph/pkg/dataset"
	"github.com/orneryd/trialgraph/pkg/logging"
	"github.com/orneryd/trialgraph/pkg/metrics"
	"github.com/orneryd/trialgraph/pkg/writeop"
)

// ErrAlreadyRun is returned by Run on an orchestrator that has left Idle.
var ErrAlreadyRun = errors.New("pipeline: orchestrator already run")

// State is the orchestrator's lifecycle position.
type State int

const (
	Idle State = iota
	NodesStage
	EdgesStage
	Completed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case NodesStage:
		return "nodes"
	case EdgesStage:
		return "edges"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Options configures an Orchestrator.
type Options struct {
	// ChunkSize is the target rows per chunk. Zero means chunk.DefaultSize.
	ChunkSize int

	// MaxConcurrentWrites bounds in-flight chunk writes across a stage.
	// Zero means unbounded.
	MaxConcurrentWrites int

	Logger  *log.Logger
	Metrics metrics.Recorder
}

// Orchestrator runs a Plan once.
type Orchestrator struct {
	plan    *Plan
	source  dataset.Source
	exec    *writeop.Executor
	opts    Options
	logger  *log.Logger
	metrics metrics.Recorder

	mu    sync.Mutex
	state State
}

// New creates an orchestrator for plan. Datasets are read through source and
// chunks written through exec.
func New(plan *Plan, source dataset.Source, exec *writeop.Executor, opts Options) *Orchestrator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunk.DefaultSize
	}
	o := &Orchestrator{plan: plan, source: source, exec: exec, opts: opts, logger: opts.Logger, metrics: opts.Metrics}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.metrics == nil {
		o.metrics = metrics.Nop{}
	}
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) enter(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Run executes the node stage, waits for every node task, then executes the
// edge stage. It returns an error only when called twice; load failures are
// recorded in the Report. Cancelling ctx turns outstanding chunk writes into
// failed chunks and the run still completes.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	o.mu.Lock()
	if o.state != Idle {
		o.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	o.state = NodesStage
	o.mu.Unlock()

	var sem *semaphore.Weighted
	if o.opts.MaxConcurrentWrites > 0 {
		sem = semaphore.NewWeighted(int64(o.opts.MaxConcurrentWrites))
	}

	report := &Report{Started: time.Now()}
	o.logger.Info("run started", "node_tasks", len(o.plan.Nodes), "edge_tasks", len(o.plan.Edges),
		"chunk_size", o.opts.ChunkSize, "max_concurrent_writes", o.opts.MaxConcurrentWrites)

	if err := o.exec.EnsureSchema(ctx, stageOperations(o.plan.Nodes)); err != nil {
		report.SchemaErr = err
		o.logger.Error("ensuring schema failed, concurrent upserts may duplicate nodes", "err", err)
	}

	report.Nodes = o.runStage(ctx, StageNodes, o.plan.Nodes, sem)
	o.enter(EdgesStage)
	report.Edges = o.runStage(ctx, StageEdges, o.plan.Edges, sem)
	o.enter(Completed)

	report.Duration = time.Since(report.Started)
	o.logger.Info("run completed", "degraded", report.Degraded(), "took", report.Duration)
	return report, nil
}

// stageOperations returns the distinct operations of tasks in plan order.
func stageOperations(tasks []StageTask) []*writeop.Operation {
	seen := make(map[*writeop.Operation]bool, len(tasks))
	ops := make([]*writeop.Operation, 0, len(tasks))
	for _, t := range tasks {
		if !seen[t.Op] {
			seen[t.Op] = true
			ops = append(ops, t.Op)
		}
	}
	return ops
}

// taskHandle is a started task. wait blocks until the task has finished and
// returns its report.
type taskHandle struct {
	task   StageTask
	report *TaskReport
	done   chan struct{}
}

func (h *taskHandle) wait() *TaskReport {
	<-h.done
	return h.report
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage, tasks []StageTask, sem *semaphore.Weighted) StageReport {
	start := time.Now()
	o.logger.Info("stage started", "stage", stage, "tasks", len(tasks))

	handles := make([]*taskHandle, len(tasks))
	for i, t := range tasks {
		h := &taskHandle{task: t, report: newTaskReport(t), done: make(chan struct{})}
		handles[i] = h
		go func() {
			defer close(h.done)
			o.runTask(ctx, h.task, h.report, sem)
		}()
	}

	sr := StageReport{Stage: stage, Tasks: make([]*TaskReport, len(handles))}
	for i, h := range handles {
		r := h.wait()
		sr.Tasks[i] = r
		o.metrics.RecordTask(string(stage), r.Status())
		if r.Err != nil {
			o.logger.Error("task failed", "stage", stage, "function", r.Function, "path", r.Path, "err", r.Err)
		}
	}
	sr.Duration = time.Since(start)

	tot := sr.Totals()
	o.logger.Info("stage completed", "stage", stage,
		"tasks", len(sr.Tasks), "failed_tasks", sr.FailedTasks(),
		"attempted", tot.Attempted, "committed", tot.Committed,
		"row_errors", tot.RowErrors, "failed_chunks", tot.FailedChunks,
		"took", sr.Duration)
	return sr
}

func (o *Orchestrator) runTask(ctx context.Context, t StageTask, r *TaskReport, sem *semaphore.Weighted) {
	start := time.Now()
	defer func() { r.Duration = time.Since(start) }()

	table, err := o.source.Read(ctx, t.Path)
	if err != nil {
		r.Err = err
		return
	}
	if err := table.Require(t.Op.Columns()...); err != nil {
		r.Err = err
		return
	}
	r.Rows = table.Len()

	chunks := chunk.Split(table, o.opts.ChunkSize)
	r.Chunks = len(chunks)

	type chunkResult struct {
		res writeop.WriteResult
		err error
	}
	results := make([]chunkResult, len(chunks))

	var g errgroup.Group
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					results[i] = chunkResult{
						res: writeop.WriteResult{Operation: t.Function, Chunk: c.Index},
						err: &writeop.GraphWriteError{Operation: t.Function, Chunk: c.Index, Err: err},
					}
					return nil
				}
				defer sem.Release(1)
			}
			res, err := o.exec.Execute(ctx, t.Op, c)
			results[i] = chunkResult{res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, cr := range results {
		if cr.err != nil {
			o.logger.Warn("chunk failed", "function", t.Function, "path", t.Path, "err", cr.err)
		}
		r.add(cr.res, cr.err)
	}
	o.logger.Debug("task completed", "stage", t.Stage, "function", t.Function, "path", t.Path,
		"chunks", r.Chunks, "committed", r.Committed, "row_errors", r.RowErrors, "failed_chunks", r.FailedChunks)
}
