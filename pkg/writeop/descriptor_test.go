package writeop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/trialgraph/pkg/graph"
)

const chemlabYAML = `
name: create_chemlab_nodes
kind: node_upsert
labels: [Parameter, Chemistry]
key:
  - USUBJID
  - VISIT
  - {property: Parameter, column: PARAM}
  - {property: Dataset, value: adlbc}
properties:
  - {property: Laboratory, column: PARCAT1}
  - {property: Value, column: AVAL}
  - {property: Reference, value: ''}
`

func TestDescriptor_UnmarshalYAML(t *testing.T) {
	var d Descriptor
	require.NoError(t, yaml.Unmarshal([]byte(chemlabYAML), &d))

	assert.Equal(t, "create_chemlab_nodes", d.Name)
	assert.Equal(t, NodeUpsert, d.Kind)
	require.Len(t, d.Key, 4)
	assert.Equal(t, Field{Property: "USUBJID", Column: "USUBJID"}, d.Key[0])
	assert.Equal(t, Field{Property: "Parameter", Column: "PARAM"}, d.Key[2])
	assert.Equal(t, Field{Property: "Dataset", Value: "adlbc", HasValue: true}, d.Key[3])
	assert.Equal(t, Field{Property: "Reference", Value: "", HasValue: true}, d.Properties[2])

	op, err := New(d)
	require.NoError(t, err)
	assert.Equal(t, []string{"AVAL", "PARAM", "PARCAT1", "USUBJID", "VISIT"}, op.Columns())
	assert.Equal(t, "USUBJID", op.subject)

	g := op.GraphOperation()
	assert.Equal(t, graph.KindNodeUpsert, g.Kind)
	assert.Equal(t, []string{"USUBJID", "VISIT", "Parameter", "Dataset"}, g.Node.Keys)
}

func TestField_MarshalYAML(t *testing.T) {
	out, err := yaml.Marshal([]Field{
		{Property: "USUBJID", Column: "USUBJID"},
		{Property: "Value", Column: "AVAL"},
		{Property: "Dataset", Value: "adlbc", HasValue: true},
	})
	require.NoError(t, err)

	var back []Field
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, "USUBJID", back[0].Column)
	assert.Equal(t, "AVAL", back[1].Column)
	assert.True(t, back[2].HasValue)
	assert.Equal(t, "adlbc", back[2].Value)
}

func TestNew_Edge(t *testing.T) {
	op, err := New(Descriptor{
		Name: "create_patient_visit_relationship",
		Kind: EdgeCreate,
		Match: []NodeRef{
			{Alias: "p", Labels: []string{"Patient"}, Key: []Field{{Property: "USUBJID", Column: "USUBJID"}}},
			{Alias: "v", Labels: []string{"Visit"}, Key: []Field{{Property: "Name", Column: "VISIT"}}},
		},
		Edges:      []EdgeSpec{{Type: "ATTENDED_VISIT", From: "p", To: "v", Merge: true}},
		DistinctOn: []string{"USUBJID", "VISIT"},
	})
	require.NoError(t, err)

	assert.True(t, op.IsEdge())
	assert.Equal(t, []string{"USUBJID", "VISIT"}, op.Columns())
	assert.True(t, op.GraphOperation().Edges[0].Merge)
}

func TestNew_Invalid(t *testing.T) {
	col := func(name string) Field { return Field{Property: name, Column: name} }
	patient := NodeRef{Alias: "p", Labels: []string{"Patient"}, Key: []Field{col("USUBJID")}}

	tests := []struct {
		name string
		d    Descriptor
	}{
		{"no name", Descriptor{Kind: NodeUpsert, Labels: []string{"A"}, Key: []Field{col("k")}}},
		{"no kind", Descriptor{Name: "x", Labels: []string{"A"}, Key: []Field{col("k")}}},
		{"unknown kind", Descriptor{Name: "x", Kind: "delete"}},
		{"no labels", Descriptor{Name: "x", Kind: NodeUpsert, Key: []Field{col("k")}}},
		{"no key", Descriptor{Name: "x", Kind: NodeUpsert, Labels: []string{"A"}}},
		{"field without source", Descriptor{Name: "x", Kind: NodeUpsert, Labels: []string{"A"}, Key: []Field{{Property: "k"}}}},
		{"field with both sources", Descriptor{Name: "x", Kind: NodeUpsert, Labels: []string{"A"},
			Key: []Field{{Property: "k", Column: "k", Value: 1, HasValue: true}}}},
		{"property set twice", Descriptor{Name: "x", Kind: NodeUpsert, Labels: []string{"A"},
			Key: []Field{col("k")}, Properties: []Field{col("k")}}},
		{"node kind with edges", Descriptor{Name: "x", Kind: NodeUpsert, Labels: []string{"A"}, Key: []Field{col("k")},
			Match: []NodeRef{patient}}},
		{"categorical without column", Descriptor{Name: "x", Kind: CategoricalNodeUpsert, Labels: []string{"A"},
			Key: []Field{{Property: "k", Value: "v", HasValue: true}}}},
		{"categorical with two columns", Descriptor{Name: "x", Kind: CategoricalNodeUpsert, Labels: []string{"A"},
			Key: []Field{col("a"), col("b")}}},
		{"categorical with column property", Descriptor{Name: "x", Kind: CategoricalNodeUpsert, Labels: []string{"A"},
			Key: []Field{col("a")}, Properties: []Field{col("b")}}},
		{"edge with labels", Descriptor{Name: "x", Kind: EdgeCreate, Labels: []string{"A"},
			Match: []NodeRef{patient}, Edges: []EdgeSpec{{Type: "T", From: "p", To: "p"}}}},
		{"edge unknown alias", Descriptor{Name: "x", Kind: EdgeCreate,
			Match: []NodeRef{patient}, Edges: []EdgeSpec{{Type: "T", From: "p", To: "q"}}}},
		{"edge bad property", Descriptor{Name: "x", Kind: EdgeCreate,
			Match: []NodeRef{patient}, Edges: []EdgeSpec{{Type: "T", From: "p", To: "p", Properties: []Field{{Column: ""}}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.d)
			assert.Error(t, err)
		})
	}
}

func TestField_UnmarshalYAMLConstants(t *testing.T) {
	var fields []Field
	require.NoError(t, yaml.Unmarshal([]byte(`
- {property: Dataset, value: adlbc}
- {property: Reference, value: ''}
- {property: Dose, value: 54}
- {property: Value, column: AVAL}
`), &fields))

	require.Len(t, fields, 4)
	assert.Equal(t, Field{Property: "Dataset", Value: "adlbc", HasValue: true}, fields[0])
	assert.Equal(t, Field{Property: "Reference", Value: "", HasValue: true}, fields[1])
	assert.Equal(t, Field{Property: "Dose", Value: 54, HasValue: true}, fields[2])
	assert.Equal(t, Field{Property: "Value", Column: "AVAL"}, fields[3], "no value key means no constant")
}

func TestOperation_KeyColumns(t *testing.T) {
	assert.Equal(t, []string{"USUBJID"}, patientsOp(t).KeyColumns())
	assert.Equal(t, []string{"VISIT"}, visitsOp(t).KeyColumns())
	assert.Equal(t, []string{"USUBJID", "VISIT"}, attendedOp(t).KeyColumns())
	assert.Equal(t, []string{"AGE", "BMIBL", "USUBJID"}, patientsOp(t).Columns(), "properties are not key columns")
}
