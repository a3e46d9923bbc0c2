package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/trialgraph/pkg/dataset"
	"github.com/orneryd/trialgraph/pkg/graph"
	"github.com/orneryd/trialgraph/pkg/metrics"
	"github.com/orneryd/trialgraph/pkg/storage"
	"github.com/orneryd/trialgraph/pkg/writeop"
)

const scenarioPipeline = `
fanout:
  visit: [advs.xpt]
create_nodes_functions:
  - {file_path: data/adsl.xpt, function: create_patients_nodes, node_type: patient}
  - {file_path: data/, function: create_visit_nodes, node_type: visit}
  - {file_path: data/advs.xpt, function: create_vitalsigns_nodes, node_type: vital_signs}
create_edges_functions:
  - {file_path: data/advs.xpt, function: create_patient_vitalsign_relationship, edge_type: patient_vital_signs}
  - {file_path: data/, function: create_patient_visit_relationship, edge_type: visit_attendance}
`

func adsl() *dataset.Table {
	return &dataset.Table{
		Path:    "data/adsl.xpt",
		Columns: []string{"USUBJID", "AGE", "ARM", "SEX", "BMIBL", "TRT01PN"},
		Rows: []dataset.Row{
			{"USUBJID": "01-701-1015", "AGE": 63.0, "ARM": "Placebo", "SEX": "F", "BMIBL": 25.1, "TRT01PN": 0.0},
			{"USUBJID": "01-701-1023", "AGE": 64.0, "ARM": "Placebo", "SEX": "M", "BMIBL": 30.4, "TRT01PN": 0.0},
			{"USUBJID": "01-701-1028", "AGE": 71.0, "ARM": "Xanomeline High Dose", "SEX": "M", "BMIBL": 31.4, "TRT01PN": 81.0},
		},
	}
}

func advs() *dataset.Table {
	t := &dataset.Table{
		Path:    "data/advs.xpt",
		Columns: []string{"USUBJID", "VISIT", "PARAM", "AVAL", "CHG"},
	}
	for _, subj := range []string{"01-701-1015", "01-701-1023", "01-701-1028"} {
		for i, visit := range []string{"BASELINE", "WEEK 2"} {
			t.Rows = append(t.Rows, dataset.Row{
				"USUBJID": subj, "VISIT": visit, "PARAM": "Pulse Rate (beats/min)",
				"AVAL": 70.0 + float64(i), "CHG": float64(i),
			})
		}
	}
	return t
}

// fakeSource serves in-memory tables by path.
type fakeSource struct {
	mu     sync.Mutex
	tables map[string]*dataset.Table
	reads  []string
}

func newSource(tables ...*dataset.Table) *fakeSource {
	s := &fakeSource{tables: make(map[string]*dataset.Table)}
	for _, t := range tables {
		s.tables[t.Path] = t
	}
	return s
}

func (s *fakeSource) Read(_ context.Context, path string) (*dataset.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, path)
	t, ok := s.tables[path]
	if !ok {
		return nil, &dataset.DataFormatError{Path: path, Reason: "cannot open", Err: fs.ErrNotExist}
	}
	return t, nil
}

// recordingStore wraps a store, recording the kind of every call and failing
// the calls selected by fail.
type recordingStore struct {
	graph.Store
	delay time.Duration
	fail  func(op *graph.Operation) error

	mu    sync.Mutex
	kinds []graph.Kind
}

func (s *recordingStore) Execute(ctx context.Context, op *graph.Operation, params []graph.Param, database string) ([]graph.Outcome, error) {
	if s.delay > 0 && op.Kind == graph.KindNodeUpsert {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.kinds = append(s.kinds, op.Kind)
	s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(op); err != nil {
			return nil, err
		}
	}
	return s.Store.Execute(ctx, op, params, database)
}

type harness struct {
	engine *storage.MemoryEngine
	store  *recordingStore
	source *fakeSource
	plan   *Plan
}

func newHarness(t *testing.T, doc string, tables ...*dataset.Table) *harness {
	t.Helper()
	p := parse(t, doc)
	reg, err := RegistryFor(p)
	require.NoError(t, err)
	plan, err := Build(p, reg, BuildOptions{})
	require.NoError(t, err)

	engine := storage.NewMemoryEngine()
	embedded := graph.NewEmbeddedStore(engine, graph.EmbeddedOptions{})
	t.Cleanup(func() { embedded.Close(context.Background()) })

	return &harness{
		engine: engine,
		store:  &recordingStore{Store: embedded},
		source: newSource(tables...),
		plan:   plan,
	}
}

func (h *harness) run(t *testing.T, opts Options) *Report {
	t.Helper()
	exec := writeop.NewExecutor(h.store, writeop.ExecutorOptions{})
	report, err := New(h.plan, h.source, exec, opts).Run(context.Background())
	require.NoError(t, err)
	return report
}

func (h *harness) stats(t *testing.T) *storage.GraphStats {
	t.Helper()
	stats, err := storage.CollectStats(h.engine)
	require.NoError(t, err)
	return stats
}

func TestRun_PatientsAndVisits(t *testing.T) {
	h := newHarness(t, scenarioPipeline, adsl(), advs())

	report := h.run(t, Options{ChunkSize: 2, MaxConcurrentWrites: 3})
	assert.False(t, report.Degraded())
	require.Len(t, report.Nodes.Tasks, 3)
	require.Len(t, report.Edges.Tasks, 2)
	assert.Equal(t, 3, report.Nodes.Tasks[0].Rows)
	assert.Equal(t, 3, report.Nodes.Tasks[2].Chunks, "6 rows in chunks of 2")

	stats := h.stats(t)
	assert.Equal(t, int64(3), stats.ByLabel["Patient"])
	assert.Equal(t, int64(2), stats.ByLabel["Visit"])
	assert.Equal(t, int64(6), stats.ByLabel["VitalSign"])
	assert.Equal(t, int64(6), stats.ByEdgeType["MEASURED_VITALSIGN"])
	assert.Equal(t, int64(6), stats.ByEdgeType["MEASURED_IN_VISIT"])
	assert.Equal(t, int64(6), stats.ByEdgeType["ATTENDED_VISIT"])

	edges := report.Edges.Totals()
	assert.Equal(t, 12, edges.Attempted)
	assert.Equal(t, 12, edges.Committed)

	// A second run updates nodes in place. Merged edges stay put; plain
	// measurement edges are created again.
	report = h.run(t, Options{ChunkSize: 2})
	assert.False(t, report.Degraded())
	stats = h.stats(t)
	assert.Equal(t, int64(3), stats.ByLabel["Patient"])
	assert.Equal(t, int64(2), stats.ByLabel["Visit"])
	assert.Equal(t, int64(6), stats.ByLabel["VitalSign"])
	assert.Equal(t, int64(6), stats.ByEdgeType["ATTENDED_VISIT"])
	assert.Equal(t, int64(12), stats.ByEdgeType["MEASURED_VITALSIGN"])
}

const visitFanoutPipeline = `
fanout:
  visit: [adlbc.xpt, advs.xpt]
create_nodes_functions:
  - {file_path: data/adsl.xpt, function: create_patients_nodes, node_type: patient}
  - {file_path: data/, function: create_visit_nodes, node_type: visit}
create_edges_functions:
  - {file_path: data/, function: create_patient_visit_relationship, edge_type: visit_attendance}
`

// visitTable repeats every visit for each subject, twice per visit, so the
// same Visit node is upserted from many chunks of both files at once.
func visitTable(path string, subjects, visits []string) *dataset.Table {
	t := &dataset.Table{Path: path, Columns: []string{"USUBJID", "VISIT", "PARAM", "AVAL"}}
	for _, subj := range subjects {
		for _, visit := range visits {
			for i := 0; i < 2; i++ {
				t.Rows = append(t.Rows, dataset.Row{"USUBJID": subj, "VISIT": visit, "PARAM": "P", "AVAL": float64(i)})
			}
		}
	}
	return t
}

func TestRun_VisitFanoutOnBadger(t *testing.T) {
	p := parse(t, visitFanoutPipeline)
	reg, err := RegistryFor(p)
	require.NoError(t, err)
	plan, err := Build(p, reg, BuildOptions{})
	require.NoError(t, err)
	require.Len(t, plan.Nodes, 3, "patients plus one visit task per fan-out file")

	var subjects []string
	patients := &dataset.Table{Path: "data/adsl.xpt", Columns: []string{"USUBJID", "AGE", "ARM", "SEX", "BMIBL", "TRT01PN"}}
	for i := 0; i < 60; i++ {
		id := fmt.Sprintf("01-701-%04d", 1000+i)
		subjects = append(subjects, id)
		patients.Rows = append(patients.Rows, dataset.Row{
			"USUBJID": id, "AGE": 60.0, "ARM": "Placebo", "SEX": "F", "BMIBL": 25.0, "TRT01PN": 0.0,
		})
	}
	shared := []string{"SCREENING 1", "BASELINE", "WEEK 2", "WEEK 4", "WEEK 8", "WEEK 12", "WEEK 16", "WEEK 24"}
	labs := visitTable("data/adlbc.xpt", subjects, append([]string{"UNSCHEDULED 1.1", "AMBUL ECG REMOVAL"}, shared...))
	vitals := visitTable("data/advs.xpt", subjects, append(shared, "END OF TREATMENT"))
	const wantVisits = 11

	engine, err := storage.NewBadgerEngineInMemory()
	require.NoError(t, err)
	store := graph.NewEmbeddedStore(engine, graph.EmbeddedOptions{})
	t.Cleanup(func() { store.Close(context.Background()) })

	exec := writeop.NewExecutor(store, writeop.ExecutorOptions{})
	report, err := New(plan, newSource(patients, labs, vitals), exec, Options{MaxConcurrentWrites: 16}).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Degraded())
	for _, task := range report.Tasks() {
		assert.Zero(t, task.RowErrors, "%s %s: %v", task.Function, task.Path, task.Errors)
		assert.Zero(t, task.FailedChunks, "%s %s", task.Function, task.Path)
	}

	stats, err := storage.CollectStats(engine)
	require.NoError(t, err)
	assert.Equal(t, int64(60), stats.ByLabel["Patient"])
	assert.Equal(t, int64(wantVisits), stats.ByLabel["Visit"])
	assert.Equal(t, int64(60*wantVisits), stats.ByEdgeType["ATTENDED_VISIT"])
}

// schemaStore adds EnsureSchema to a recordingStore.
type schemaStore struct {
	*recordingStore
	err     error
	ensured []string
}

func (s *schemaStore) EnsureSchema(_ context.Context, ops []*graph.Operation, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		s.ensured = append(s.ensured, op.Name)
	}
	s.kinds = append(s.kinds, "schema")
	return s.err
}

func TestRun_EnsuresSchemaBeforeNodes(t *testing.T) {
	h := newHarness(t, scenarioPipeline, adsl(), advs())
	store := &schemaStore{recordingStore: h.store}
	exec := writeop.NewExecutor(store, writeop.ExecutorOptions{})

	report, err := New(h.plan, h.source, exec, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Degraded())

	assert.Equal(t, []string{"create_patients_nodes", "create_visit_nodes", "create_vitalsigns_nodes"}, store.ensured,
		"one entry per node operation, fan-out tasks share theirs")
	require.NotEmpty(t, store.kinds)
	assert.Equal(t, graph.Kind("schema"), store.kinds[0])
}

func TestRun_SchemaFailureDegradesRun(t *testing.T) {
	h := newHarness(t, scenarioPipeline, adsl(), advs())
	store := &schemaStore{recordingStore: h.store, err: errors.New("Neo.ClientError.Schema.EquivalentSchemaRuleAlreadyExists")}
	exec := writeop.NewExecutor(store, writeop.ExecutorOptions{})

	report, err := New(h.plan, h.source, exec, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Degraded())
	assert.ErrorIs(t, report.SchemaErr, store.err)
	assert.Equal(t, int64(3), h.stats(t).ByLabel["Patient"], "loading continues without constraints")

	var buf bytes.Buffer
	require.NoError(t, report.Print(&buf))
	assert.Contains(t, buf.String(), "schema: Neo.ClientError.Schema.EquivalentSchemaRuleAlreadyExists")
}

func TestRun_EdgesWaitForNodes(t *testing.T) {
	h := newHarness(t, scenarioPipeline, adsl(), advs())
	h.store.delay = 10 * time.Millisecond

	h.run(t, Options{ChunkSize: 1})

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	firstEdge := -1
	for i, k := range h.store.kinds {
		if k == graph.KindEdgeCreate && firstEdge < 0 {
			firstEdge = i
		}
		if k == graph.KindNodeUpsert {
			assert.True(t, firstEdge < 0, "node write %d after an edge write", i)
		}
	}
	assert.Greater(t, firstEdge, 0)
}

func TestRun_ChunkFailureIsIsolated(t *testing.T) {
	h := newHarness(t, scenarioPipeline, adsl(), advs())
	var patientCalls atomic.Int32
	boom := errors.New("connection reset by peer")
	h.store.fail = func(op *graph.Operation) error {
		if op.Name == "create_patients_nodes" && patientCalls.Add(1) == 1 {
			return boom
		}
		return nil
	}

	report := h.run(t, Options{ChunkSize: 1})
	assert.True(t, report.Degraded())

	patients := report.Nodes.Tasks[0]
	assert.Equal(t, metrics.TaskDegraded, patients.Status())
	assert.Equal(t, 3, patients.Chunks)
	assert.Equal(t, 1, patients.FailedChunks)
	assert.Equal(t, 2, patients.Committed)
	require.Len(t, patients.ChunkErrors, 1)
	var gwe *writeop.GraphWriteError
	require.ErrorAs(t, patients.ChunkErrors[0], &gwe)
	assert.ErrorIs(t, gwe, boom)

	for _, task := range report.Nodes.Tasks[1:] {
		assert.Equal(t, metrics.TaskSucceeded, task.Status(), task.Function)
	}
	assert.Equal(t, int64(2), h.stats(t).ByLabel["Patient"])

	// Edges for the missing patient fail per row; the rest commit.
	measured := report.Edges.Tasks[0]
	assert.Equal(t, 4, measured.Committed)
	assert.Equal(t, 2, measured.RowErrors)
	assert.Contains(t, measured.Errors[0], "no matching endpoint nodes")
}

func TestRun_MissingDataset(t *testing.T) {
	vs := advs()
	vs.Columns = []string{"USUBJID", "VISIT", "PARAM", "AVAL"}
	h := newHarness(t, scenarioPipeline, vs)

	report := h.run(t, Options{})
	assert.True(t, report.Degraded())

	patients := report.Nodes.Tasks[0]
	assert.Equal(t, metrics.TaskFailed, patients.Status())
	assert.ErrorIs(t, patients.Err, fs.ErrNotExist)

	var dfe *dataset.DataFormatError
	measured := report.Edges.Tasks[0]
	require.ErrorAs(t, measured.Err, &dfe)
	assert.Contains(t, dfe.Reason, "CHG")

	assert.Equal(t, metrics.TaskSucceeded, report.Nodes.Tasks[1].Status())
	assert.Equal(t, 1, report.Nodes.FailedTasks())
	assert.Equal(t, 1, report.Edges.FailedTasks())
	assert.Equal(t, int64(6), h.stats(t).ByLabel["VitalSign"])
}

func TestRun_Cancelled(t *testing.T) {
	h := newHarness(t, scenarioPipeline, adsl(), advs())
	exec := writeop.NewExecutor(h.store, writeop.ExecutorOptions{})
	orch := New(h.plan, h.source, exec, Options{MaxConcurrentWrites: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Completed, orch.State())
	assert.True(t, report.Degraded())

	for _, task := range report.Tasks() {
		require.NoError(t, task.Err)
		assert.Equal(t, task.Chunks, task.FailedChunks, task.Function)
		for _, err := range task.ChunkErrors {
			var gwe *writeop.GraphWriteError
			assert.ErrorAs(t, err, &gwe)
			assert.ErrorIs(t, err, context.Canceled)
		}
	}
	n, _ := h.engine.NodeCount()
	assert.Zero(t, n)
}

func TestRun_Twice(t *testing.T) {
	h := newHarness(t, scenarioPipeline, adsl(), advs())
	exec := writeop.NewExecutor(h.store, writeop.ExecutorOptions{})
	orch := New(h.plan, h.source, exec, Options{})
	assert.Equal(t, Idle, orch.State())

	_, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, orch.State())

	_, err = orch.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestRun_Metrics(t *testing.T) {
	h := newHarness(t, scenarioPipeline, adsl(), advs())
	rec, err := metrics.NewPrometheus("test", "")
	require.NoError(t, err)

	h.run(t, Options{Metrics: rec})

	n, err := testutil.GatherAndCount(rec.Registry(), "trialgraph_tasks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one succeeded series per stage")
}

func TestReport_Print(t *testing.T) {
	h := newHarness(t, scenarioPipeline, adsl())
	report := h.run(t, Options{})

	var buf bytes.Buffer
	require.NoError(t, report.Print(&buf))
	out := buf.String()
	assert.Contains(t, out, "create_patients_nodes")
	assert.Contains(t, out, "nodes: 3 tasks (2 failed)")
	assert.Contains(t, out, "task create_vitalsigns_nodes data/advs.xpt")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "nodes", NodesStage.String())
	assert.Equal(t, "edges", EdgesStage.String())
	assert.Equal(t, "completed", Completed.String())
}
