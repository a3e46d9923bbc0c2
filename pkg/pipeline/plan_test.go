package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/trialgraph/pkg/config"
	"github.com/orneryd/trialgraph/pkg/writeop"
)

func parse(t *testing.T, doc string) *config.Pipeline {
	t.Helper()
	p, err := config.ParsePipeline(strings.NewReader(doc))
	require.NoError(t, err)
	return p
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	d := writeop.Descriptor{
		Name: "create_site_nodes", Kind: writeop.CategoricalNodeUpsert,
		Labels: []string{"Site"}, Key: []writeop.Field{{Property: "Name", Column: "SITEID"}},
	}
	require.NoError(t, reg.RegisterDescriptor(d))

	op, ok := reg.Lookup("create_site_nodes")
	require.True(t, ok)
	assert.Equal(t, writeop.CategoricalNodeUpsert, op.Kind())

	d.Labels = []string{"Center"}
	require.NoError(t, reg.RegisterDescriptor(d))
	op, _ = reg.Lookup("create_site_nodes")
	assert.Equal(t, []string{"Center"}, op.Descriptor().Labels, "later registration replaces")

	_, ok = reg.Lookup("nope")
	assert.False(t, ok)
	assert.Error(t, reg.RegisterDescriptor(writeop.Descriptor{Name: "bad"}))
	assert.Equal(t, []string{"create_site_nodes"}, reg.Names())
}

func TestRegistryFor(t *testing.T) {
	p := parse(t, `
create_nodes_functions:
  - {file_path: a, function: create_patients_nodes}
`)
	reg, err := RegistryFor(p)
	require.NoError(t, err)
	assert.Len(t, reg.Names(), 17)

	p = parse(t, `
catalog: false
operations:
  - name: create_patients_nodes
    kind: node_upsert
    labels: [Subject]
    key: [USUBJID]
create_nodes_functions:
  - {file_path: a, function: create_patients_nodes}
`)
	reg, err = RegistryFor(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"create_patients_nodes"}, reg.Names())
	op, _ := reg.Lookup("create_patients_nodes")
	assert.Equal(t, []string{"Subject"}, op.Descriptor().Labels)

	p = parse(t, `
operations:
  - {name: broken, kind: node_upsert}
create_nodes_functions:
  - {file_path: a, function: broken}
`)
	_, err = RegistryFor(p)
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	p := parse(t, `
create_nodes_functions:
  - {file_path: data/adsl.xpt, function: create_patients_nodes, node_type: patient}
  - {file_path: data/, function: create_visit_nodes, node_type: visit}
create_edges_functions:
  - {file_path: s3://trials/adsl.xpt, function: create_patient_treatment_relationship, edge_type: patient_treatment}
  - {file_path: /abs/adae.xpt, function: create_patient_adverseevent_relationship, edge_type: patient_adverse_event}
`)
	reg, err := RegistryFor(p)
	require.NoError(t, err)

	plan, err := Build(p, reg, BuildOptions{DataRoot: "/srv/cdisc/"})
	require.NoError(t, err)
	require.Len(t, plan.Nodes, 6)
	assert.Equal(t, "/srv/cdisc/data/adsl.xpt", plan.Nodes[0].Path)
	assert.Equal(t, "/srv/cdisc/data/adlbc.xpt", plan.Nodes[1].Path)
	assert.Equal(t, StageNodes, plan.Nodes[1].Stage)
	require.Len(t, plan.Edges, 2)
	assert.Equal(t, "s3://trials/adsl.xpt", plan.Edges[0].Path)
	assert.Equal(t, "/abs/adae.xpt", plan.Edges[1].Path)
	assert.Equal(t, 8, plan.Len())
	assert.Equal(t, plan.Edges, plan.Tasks(StageEdges))
}

func TestBuild_PipelineOverrides(t *testing.T) {
	p := parse(t, `
data_root: s3://bucket/study
fanout:
  visit: [advs.xpt]
create_nodes_functions:
  - {file_path: data/, function: create_visit_nodes, node_type: visit}
`)
	reg, err := RegistryFor(p)
	require.NoError(t, err)

	plan, err := Build(p, reg, BuildOptions{DataRoot: "/ignored"})
	require.NoError(t, err)
	require.Len(t, plan.Nodes, 1)
	assert.Equal(t, "s3://bucket/study/data/advs.xpt", plan.Nodes[0].Path)
}

func TestBuild_Errors(t *testing.T) {
	p := parse(t, `
create_nodes_functions:
  - {file_path: a, function: create_unicorn_nodes}
  - {file_path: a, function: create_patient_visit_relationship}
create_edges_functions:
  - {file_path: a, function: create_patients_nodes}
`)
	reg, err := RegistryFor(p)
	require.NoError(t, err)

	_, err = Build(p, reg, BuildOptions{})
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown function "create_unicorn_nodes"`)
	assert.Contains(t, msg, "create_nodes_functions[1]: create_patient_visit_relationship is edge_create, not allowed in the nodes stage")
	assert.Contains(t, msg, "create_edges_functions[0]")
}

func TestPlan_KeyColumns(t *testing.T) {
	p := parse(t, scenarioPipeline)
	reg, err := RegistryFor(p)
	require.NoError(t, err)
	plan, err := Build(p, reg, BuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"PARAM", "USUBJID", "VISIT"}, plan.KeyColumns())
}
