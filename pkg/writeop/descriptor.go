// Package writeop turns declarative write descriptors into graph operations
// and executes them chunk by chunk.
//
// A Descriptor names the labels, key fields and property fields of a node
// write, or the endpoint references and edge patterns of an edge write. New
// compiles it into an Operation, which is immutable and shared by every
// chunk. An Executor runs an Operation against a graph.Store and reports the
// outcome as a WriteResult.
package writeop

import (
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/trialgraph/pkg/graph"
)

// Kind is the write shape of a descriptor.
type Kind string

const (
	// NodeUpsert matches or creates one node per row on its key fields.
	NodeUpsert Kind = "node_upsert"

	// CategoricalNodeUpsert reduces the chunk to the distinct non-null
	// values of its key column, then upserts one node per value.
	CategoricalNodeUpsert Kind = "categorical_node_upsert"

	// EdgeCreate matches endpoint nodes per row and writes relationships
	// between them.
	EdgeCreate Kind = "edge_create"
)

// Field maps a graph property to a row column or to a constant.
//
// In YAML a field is either a mapping ({property: Value, column: AVAL} or
// {property: Dataset, value: adlbc}) or a bare column name, which is used
// as the property name too.
type Field struct {
	Property string
	Column   string
	Value    any

	// HasValue marks a constant field; Value may legitimately be empty.
	HasValue bool
}

type rawField struct {
	Property string    `yaml:"property"`
	Column   string    `yaml:"column"`
	Value    yaml.Node `yaml:"value"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *Field) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*f = Field{Property: node.Value, Column: node.Value}
		return nil
	}

	var raw rawField
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*f = Field{Property: raw.Property, Column: raw.Column}
	// A zero Kind means the value key was absent.
	if raw.Value.Kind != 0 {
		f.HasValue = true
		if err := raw.Value.Decode(&f.Value); err != nil {
			return fmt.Errorf("field %s: %w", raw.Property, err)
		}
	}
	if f.Property == "" {
		f.Property = f.Column
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (f Field) MarshalYAML() (any, error) {
	if !f.HasValue && f.Property == f.Column {
		return f.Column, nil
	}
	m := map[string]any{"property": f.Property}
	if f.HasValue {
		m["value"] = f.Value
	} else {
		m["column"] = f.Column
	}
	return m, nil
}

func (f Field) validate(where string) error {
	if f.Property == "" {
		return fmt.Errorf("%s: field without property name", where)
	}
	if f.HasValue == (f.Column != "") {
		return fmt.Errorf("%s: field %s needs exactly one of column or value", where, f.Property)
	}
	return nil
}

// NodeRef addresses an existing node by labels and key fields.
type NodeRef struct {
	Alias  string   `yaml:"alias"`
	Labels []string `yaml:"labels"`
	Key    []Field  `yaml:"key"`
}

// EdgeSpec describes one relationship written per row.
type EdgeSpec struct {
	Type       string  `yaml:"type"`
	From       string  `yaml:"from"`
	To         string  `yaml:"to"`
	Merge      bool    `yaml:"merge,omitempty"`
	Properties []Field `yaml:"properties,omitempty"`
}

// Descriptor declares one write operation.
type Descriptor struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`

	// Labels, Key and Properties describe node kinds.
	Labels     []string `yaml:"labels,omitempty"`
	Key        []Field  `yaml:"key,omitempty"`
	Properties []Field  `yaml:"properties,omitempty"`

	// Match and Edges describe EdgeCreate.
	Match []NodeRef  `yaml:"match,omitempty"`
	Edges []EdgeSpec `yaml:"edges,omitempty"`

	// DistinctOn drops rows repeating an earlier row's values in these
	// columns before anything is written.
	DistinctOn []string `yaml:"distinct_on,omitempty"`

	// Database overrides the run's target database.
	Database string `yaml:"database,omitempty"`

	// Subject is the column identifying a row in error messages. It
	// defaults to the first column-mapped key field.
	Subject string `yaml:"subject,omitempty"`
}

// Operation is a compiled Descriptor. It is immutable and safe for
// concurrent use.
type Operation struct {
	desc    Descriptor
	graphOp *graph.Operation

	// categorical is the key field whose distinct values are upserted.
	categorical Field
	subject     string
	columns     []string
	keyColumns  []string
}

// New validates d and compiles it.
func New(d Descriptor) (*Operation, error) {
	if d.Name == "" {
		return nil, errors.New("write operation has no name")
	}

	op := &Operation{desc: d}
	var err error
	switch d.Kind {
	case NodeUpsert, CategoricalNodeUpsert:
		err = op.compileNode()
	case EdgeCreate:
		err = op.compileEdge()
	case "":
		err = fmt.Errorf("operation %s: missing kind", d.Name)
	default:
		err = fmt.Errorf("operation %s: unknown kind %q", d.Name, d.Kind)
	}
	if err != nil {
		return nil, err
	}
	if err := op.graphOp.Validate(); err != nil {
		return nil, err
	}

	op.columns = op.collectColumns()
	op.keyColumns = op.collectKeyColumns()
	if d.Subject != "" {
		op.subject = d.Subject
	}
	return op, nil
}

func (op *Operation) compileNode() error {
	d := op.desc
	if len(d.Match) > 0 || len(d.Edges) > 0 {
		return fmt.Errorf("operation %s: %s cannot match or create edges", d.Name, d.Kind)
	}
	if len(d.Key) == 0 {
		return fmt.Errorf("operation %s: no key fields", d.Name)
	}

	seen := make(map[string]bool, len(d.Key)+len(d.Properties))
	keys := make([]string, 0, len(d.Key))
	for _, f := range append(append([]Field(nil), d.Key...), d.Properties...) {
		if err := f.validate("operation " + d.Name); err != nil {
			return err
		}
		if seen[f.Property] {
			return fmt.Errorf("operation %s: property %s set twice", d.Name, f.Property)
		}
		seen[f.Property] = true
	}
	for _, f := range d.Key {
		keys = append(keys, f.Property)
		if op.subject == "" && f.Column != "" {
			op.subject = f.Column
		}
	}

	if d.Kind == CategoricalNodeUpsert {
		var cols []Field
		for _, f := range d.Key {
			if f.Column != "" {
				cols = append(cols, f)
			}
		}
		if len(cols) != 1 {
			return fmt.Errorf("operation %s: categorical upsert needs exactly one column-mapped key field, got %d", d.Name, len(cols))
		}
		for _, f := range d.Properties {
			if !f.HasValue {
				return fmt.Errorf("operation %s: categorical upsert property %s must be a constant", d.Name, f.Property)
			}
		}
		op.categorical = cols[0]
	}

	op.graphOp = &graph.Operation{
		Name: d.Name,
		Kind: graph.KindNodeUpsert,
		Node: graph.NodePattern{Labels: d.Labels, Keys: keys},
	}
	return nil
}

func (op *Operation) compileEdge() error {
	d := op.desc
	if len(d.Labels) > 0 || len(d.Key) > 0 || len(d.Properties) > 0 {
		return fmt.Errorf("operation %s: edge_create takes match and edges, not labels, key or properties", d.Name)
	}

	g := &graph.Operation{Name: d.Name, Kind: graph.KindEdgeCreate}
	for _, m := range d.Match {
		keys := make([]string, 0, len(m.Key))
		for _, f := range m.Key {
			if err := f.validate(fmt.Sprintf("operation %s match %s", d.Name, m.Alias)); err != nil {
				return err
			}
			keys = append(keys, f.Property)
			if op.subject == "" && f.Column != "" {
				op.subject = f.Column
			}
		}
		g.Match = append(g.Match, graph.NodePattern{Alias: m.Alias, Labels: m.Labels, Keys: keys})
	}
	for _, e := range d.Edges {
		for _, f := range e.Properties {
			if err := f.validate(fmt.Sprintf("operation %s edge %s", d.Name, e.Type)); err != nil {
				return err
			}
		}
		g.Edges = append(g.Edges, graph.EdgePattern{Type: e.Type, From: e.From, To: e.To, Merge: e.Merge})
	}
	op.graphOp = g
	return nil
}

func (op *Operation) collectColumns() []string {
	set := make(map[string]bool)
	add := func(fields []Field) {
		for _, f := range fields {
			if f.Column != "" {
				set[f.Column] = true
			}
		}
	}
	d := op.desc
	add(d.Key)
	add(d.Properties)
	for _, m := range d.Match {
		add(m.Key)
	}
	for _, e := range d.Edges {
		add(e.Properties)
	}
	for _, c := range d.DistinctOn {
		set[c] = true
	}
	if d.Subject != "" {
		set[d.Subject] = true
	}

	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// collectKeyColumns lists the columns that feed node identity or row
// deduplication.
func (op *Operation) collectKeyColumns() []string {
	set := make(map[string]bool)
	d := op.desc
	for _, f := range d.Key {
		if f.Column != "" {
			set[f.Column] = true
		}
	}
	for _, m := range d.Match {
		for _, f := range m.Key {
			if f.Column != "" {
				set[f.Column] = true
			}
		}
	}
	for _, c := range d.DistinctOn {
		set[c] = true
	}

	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Name returns the operation name.
func (op *Operation) Name() string { return op.desc.Name }

// Kind returns the descriptor kind.
func (op *Operation) Kind() Kind { return op.desc.Kind }

// Database returns the descriptor's database override, if any.
func (op *Operation) Database() string { return op.desc.Database }

// Descriptor returns a copy of the source descriptor.
func (op *Operation) Descriptor() Descriptor { return op.desc }

// Columns lists every dataset column the operation reads, sorted.
func (op *Operation) Columns() []string {
	return append([]string(nil), op.columns...)
}

// KeyColumns lists the columns used as node keys, endpoint keys or
// distinct_on, sorted.
func (op *Operation) KeyColumns() []string {
	return append([]string(nil), op.keyColumns...)
}

// IsEdge reports whether the operation writes relationships.
func (op *Operation) IsEdge() bool { return op.desc.Kind == EdgeCreate }

// GraphOperation returns the compiled store operation.
func (op *Operation) GraphOperation() *graph.Operation { return op.graphOp }
