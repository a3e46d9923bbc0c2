// Package graph defines the graph store contract used by load operations and
// its two implementations: an embedded store backed by pkg/storage engines and
// a Neo4j store driven over Bolt.
//
// A store executes one parameterized Operation over a batch of Params. The
// batch is applied in sub-batches (inner transactions); a failing sub-batch
// is reported per row and execution continues with the next one. Execute only
// returns an error for transport-level failures: connectivity, a closed store,
// or a cancelled context.
package graph

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// DefaultSubBatchSize is the number of rows applied per inner transaction.
const DefaultSubBatchSize = 10000

// ErrStoreClosed is returned by Execute after Close.
var ErrStoreClosed = errors.New("graph store closed")

// Kind is the write shape of an Operation.
type Kind string

const (
	// KindNodeUpsert matches a node on its key properties or creates it,
	// then sets the remaining properties.
	KindNodeUpsert Kind = "node_upsert"

	// KindEdgeCreate matches existing endpoint nodes and creates (or, per
	// edge pattern, merges) relationships between them.
	KindEdgeCreate Kind = "edge_create"
)

// NodePattern addresses nodes by labels and the property names forming their
// entity key.
type NodePattern struct {
	Alias  string
	Labels []string
	Keys   []string
}

// EdgePattern describes one relationship written per row.
type EdgePattern struct {
	Type  string
	From  string
	To    string
	Merge bool
}

// Operation is a parameterized batch write. It is immutable once built and
// may be executed concurrently.
type Operation struct {
	Name string
	Kind Kind

	// Node is the upserted node for KindNodeUpsert.
	Node NodePattern

	// Match and Edges describe KindEdgeCreate.
	Match []NodePattern
	Edges []EdgePattern
}

// Param is one bound row of an Operation.
type Param struct {
	// Subject identifies the row in outcomes and error messages.
	Subject string

	// Key and Props carry identity and non-identity node properties.
	Key   map[string]any
	Props map[string]any

	// Match maps an endpoint alias to its key property values.
	Match map[string]map[string]any

	// EdgeProps holds per-edge properties, parallel to Operation.Edges.
	EdgeProps []map[string]any
}

// Outcome reports what happened to one row.
type Outcome struct {
	Subject   string
	Started   bool
	Committed bool
	Error     string
}

// Store executes operations against a graph database. Implementations must
// be safe for concurrent use.
//
// Execute checks ctx between rows. Once ctx is done it stops, returns the
// context error and discards the outcomes of rows already written.
type Store interface {
	Execute(ctx context.Context, op *Operation, params []Param, database string) ([]Outcome, error)
	Close(ctx context.Context) error
}

// SchemaEnsurer is implemented by stores that need node key uniqueness
// declared before concurrent upserts. EnsureSchema is idempotent.
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context, ops []*Operation, database string) error
}

var (
	identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	relVarRE     = regexp.MustCompile(`^r[0-9]+$`)
)

// reserved names are bound by the generated Cypher.
var reserved = map[string]bool{"row": true, "s": true, "matched": true, "flags": true, "n": true, "f": true, "_": true}

// Validate checks that the operation is well formed for its kind.
func (op *Operation) Validate() error {
	if op.Name == "" {
		return errors.New("operation has no name")
	}
	switch op.Kind {
	case KindNodeUpsert:
		return op.Node.validate(op.Name, false)
	case KindEdgeCreate:
		return op.validateEdges()
	default:
		return fmt.Errorf("operation %s: unknown kind %q", op.Name, op.Kind)
	}
}

func (op *Operation) validateEdges() error {
	if len(op.Match) == 0 {
		return fmt.Errorf("operation %s: no endpoint nodes to match", op.Name)
	}
	if len(op.Edges) == 0 {
		return fmt.Errorf("operation %s: no edges", op.Name)
	}
	aliases := make(map[string]bool, len(op.Match))
	for _, m := range op.Match {
		if err := m.validate(op.Name, true); err != nil {
			return err
		}
		if aliases[m.Alias] {
			return fmt.Errorf("operation %s: duplicate alias %q", op.Name, m.Alias)
		}
		aliases[m.Alias] = true
	}
	for _, e := range op.Edges {
		if e.Type == "" {
			return fmt.Errorf("operation %s: edge without type", op.Name)
		}
		if !aliases[e.From] || !aliases[e.To] {
			return fmt.Errorf("operation %s: edge %s references unknown alias (%q -> %q)", op.Name, e.Type, e.From, e.To)
		}
	}
	return nil
}

func (p NodePattern) validate(op string, needAlias bool) error {
	if needAlias {
		if !identifierRE.MatchString(p.Alias) || reserved[p.Alias] || relVarRE.MatchString(p.Alias) {
			return fmt.Errorf("operation %s: invalid alias %q", op, p.Alias)
		}
	}
	if len(p.Labels) == 0 {
		return fmt.Errorf("operation %s: node pattern %q has no labels", op, p.Alias)
	}
	if len(p.Keys) == 0 {
		return fmt.Errorf("operation %s: node pattern %q has no key properties", op, p.Alias)
	}
	for _, l := range p.Labels {
		if l == "" {
			return fmt.Errorf("operation %s: empty label", op)
		}
	}
	return nil
}

// subBatches calls fn for consecutive windows of at most size params.
func subBatches(params []Param, size int, fn func(start, end int) error) error {
	if size <= 0 {
		size = DefaultSubBatchSize
	}
	for start := 0; start < len(params); start += size {
		end := min(start+size, len(params))
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}
