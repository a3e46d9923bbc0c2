// Package pipeline turns a pipeline definition into stage tasks and runs them
// against a graph store in two barrier-separated stages.
//
// Every node task runs first, concurrently. Edge tasks start only after every
// node task has finished, so edge endpoints written by this run are in place
// before anything tries to match them. Failures are isolated per chunk and per
// task; a run always completes and returns a Report.
//
// Example Usage:
//
//	reg, err := pipeline.RegistryFor(cfg)
//	plan, err := pipeline.Build(cfg, reg, pipeline.BuildOptions{})
//	orch := pipeline.New(plan, source, executor, pipeline.Options{ChunkSize: 100})
//	report, err := orch.Run(ctx)
//	if report.Degraded() {
//		// some rows, chunks or tasks failed
//	}
package pipeline

import (
	"sort"
	"strings"

	"github.com/orneryd/trialgraph/pkg/writeop"
)

// Stage names one half of a run.
type Stage string

const (
	StageNodes Stage = "nodes"
	StageEdges Stage = "edges"
)

// StageTask is one (dataset, operation) pair scheduled in a stage.
type StageTask struct {
	Stage    Stage
	Path     string
	Function string
	Tag      string
	Op       *writeop.Operation
}

// Fanout maps an entity-type prefix to the dataset files an entry with a
// matching tag expands to.
type Fanout map[string][]string

// DefaultFanout expands visit entries over every dataset that carries a
// VISIT column.
func DefaultFanout() Fanout {
	return Fanout{
		"visit": {"adlbc.xpt", "adlbh.xpt", "advs.xpt", "adadas.xpt", "adcibc.xpt"},
	}
}

// match returns the longest prefix of tag present in f.
func (f Fanout) match(tag string) (string, bool) {
	best, found := "", false
	for prefix := range f {
		if strings.HasPrefix(tag, prefix) && (!found || len(prefix) > len(best)) {
			best, found = prefix, true
		}
	}
	return best, found
}

// Expand returns the tasks for one entry. A task whose tag starts with a
// fan-out prefix becomes one task per listed file, with the file name
// appended to the entry's path; any other task is returned as is.
func Expand(task StageTask, fanout Fanout) []StageTask {
	prefix, ok := fanout.match(task.Tag)
	if !ok {
		return []StageTask{task}
	}
	files := fanout[prefix]
	out := make([]StageTask, len(files))
	for i, file := range files {
		t := task
		t.Path = task.Path + file
		out[i] = t
	}
	return out
}

// Prefixes lists the fan-out prefixes in sorted order.
func (f Fanout) Prefixes() []string {
	out := make([]string, 0, len(f))
	for p := range f {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
