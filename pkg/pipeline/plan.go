package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/orneryd/trialgraph/pkg/config"
)

// Plan is the resolved, expanded task list of one pipeline.
type Plan struct {
	Nodes []StageTask
	Edges []StageTask
}

// Len returns the total number of tasks.
func (p *Plan) Len() int {
	return len(p.Nodes) + len(p.Edges)
}

// Tasks returns the tasks of one stage.
func (p *Plan) Tasks(s Stage) []StageTask {
	if s == StageEdges {
		return p.Edges
	}
	return p.Nodes
}

// KeyColumns lists every column any task uses for identity, sorted. Text
// decoders keep these columns as strings so the same key reads alike from
// every file.
func (p *Plan) KeyColumns() []string {
	set := make(map[string]bool)
	for _, t := range append(append([]StageTask(nil), p.Nodes...), p.Edges...) {
		for _, c := range t.Op.KeyColumns() {
			set[c] = true
		}
	}
	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// BuildOptions adjusts plan construction.
type BuildOptions struct {
	// DataRoot is prepended to relative dataset paths. The pipeline's own
	// data_root wins when set.
	DataRoot string
}

// Build resolves every entry of cfg against reg and expands fan-out entries.
// All problems are reported together.
func Build(cfg *config.Pipeline, reg *Registry, opts BuildOptions) (*Plan, error) {
	fanout := Fanout(cfg.Fanout)
	if cfg.Fanout == nil {
		fanout = DefaultFanout()
	}
	root := opts.DataRoot
	if cfg.DataRoot != "" {
		root = cfg.DataRoot
	}

	var errs []error
	resolve := func(stage Stage, section string, entries []config.PipelineEntry) []StageTask {
		var tasks []StageTask
		for i, e := range entries {
			op, ok := reg.Lookup(e.Function)
			if !ok {
				errs = append(errs, fmt.Errorf("%s[%d]: unknown function %q", section, i, e.Function))
				continue
			}
			if op.IsEdge() != (stage == StageEdges) {
				errs = append(errs, fmt.Errorf("%s[%d]: %s is %s, not allowed in the %s stage", section, i, e.Function, op.Kind(), stage))
				continue
			}
			base := StageTask{Stage: stage, Path: e.FilePath, Function: e.Function, Tag: e.Tag(), Op: op}
			for _, t := range Expand(base, fanout) {
				t.Path = withRoot(root, t.Path)
				tasks = append(tasks, t)
			}
		}
		return tasks
	}

	plan := &Plan{
		Nodes: resolve(StageNodes, "create_nodes_functions", cfg.Nodes),
		Edges: resolve(StageEdges, "create_edges_functions", cfg.Edges),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return plan, nil
}

func withRoot(root, path string) string {
	if root == "" || filepath.IsAbs(path) || strings.HasPrefix(path, "s3://") {
		return path
	}
	return strings.TrimSuffix(root, "/") + "/" + path
}
