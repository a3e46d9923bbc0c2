// Package storage provides the embedded property-graph engines that back
// trialgraph's in-process graph store.
//
// The storage layer follows the Neo4j labeled-property-graph model so a
// loaded graph can be exported as Neo4j JSON and imported into a server later.
//
// Design Principles:
//   - Neo4j JSON export compatibility
//   - Idempotent upserts keyed by caller-supplied IDs
//   - Thread-safe implementations
//   - Testability through the Engine interface
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	created, err := engine.UpsertNode(&storage.Node{
//		ID:     storage.NodeID("patient-01-701-1015"),
//		Labels: []string{"Patient"},
//		Properties: map[string]any{
//			"USUBJID": "01-701-1015",
//			"AGE":     63.0,
//		},
//	})
//
//	// Running the same upsert again updates properties but creates nothing.
//	created, err = engine.UpsertNode(node) // created == false
package storage

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidEdge   = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed = errors.New("storage closed")
)

// NodeID is a strongly-typed unique identifier for graph nodes.
//
// The graph store derives node IDs from entity keys, so equal keys always
// address the same node.
type NodeID string

// EdgeID is a strongly-typed unique identifier for graph edges (relationships).
type EdgeID string

// Node represents a graph node (vertex) in the labeled property graph.
//
// Fields:
//   - ID: Unique identifier (must be unique across all nodes)
//   - Labels: Type tags like ["Parameter", "Chemistry"] (Neo4j :Parameter:Chemistry)
//   - Properties: Key-value data (JSON-serializable scalars)
//   - CreatedAt / UpdatedAt: first and last write times
//
// Example:
//
//	node := &storage.Node{
//		ID:     storage.NodeID("n-4f1c..."),
//		Labels: []string{"Parameter", "Chemistry"},
//		Properties: map[string]any{
//			"USUBJID":   "01-701-1015",
//			"VISIT":     "WEEK 2",
//			"Parameter": "Albumin (g/L)",
//			"Dataset":   "adlbc",
//			"Value":     39.0,
//		},
//	}
//
// Thread Safety:
//
//	Engines copy nodes on the way in and out; a Node value itself is not
//	safe for concurrent mutation.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"-"`
	UpdatedAt  time.Time      `json:"-"`
}

// Edge represents a directed relationship between two nodes.
//
// The arrow matters: (Patient)-[:ATTENDED_VISIT]->(Visit) is not the same
// relationship as (Visit)-[:ATTENDED_VISIT]->(Patient).
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"startNode"`
	EndNode    NodeID         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"-"`
	UpdatedAt  time.Time      `json:"-"`
}

// Engine defines the storage engine interface used by the embedded graph store.
//
// All Engine implementations MUST be:
//   - Thread-safe for concurrent access
//   - Atomic per call: an upsert either fully applies or not at all
//   - Copying: returned values never alias stored state
//
// Implementations:
//   - MemoryEngine: in-memory, for tests and throwaway loads
//   - BadgerEngine: persistent on-disk storage (BadgerDB)
//
// Example Usage:
//
//	var engine storage.Engine = storage.NewMemoryEngine()
//	defer engine.Close()
//
//	engine.UpsertNode(&storage.Node{ID: "p1", Labels: []string{"Patient"}})
//	engine.UpsertNode(&storage.Node{ID: "t1", Labels: []string{"Treatment"}})
//	engine.CreateEdge(&storage.Edge{
//		ID:        "e1",
//		StartNode: "p1",
//		EndNode:   "t1",
//		Type:      "WAS_TREATED",
//	})
type Engine interface {
	// Node operations
	CreateNode(node *Node) error
	GetNode(id NodeID) (*Node, error)
	// UpsertNode creates the node, or merges labels and properties into the
	// existing node with the same ID. created reports which happened.
	UpsertNode(node *Node) (created bool, err error)

	// Edge operations
	CreateEdge(edge *Edge) error
	GetEdge(id EdgeID) (*Edge, error)
	// UpsertEdge creates the edge, or merges properties into the existing
	// edge with the same ID. Both endpoints must exist.
	UpsertEdge(edge *Edge) (created bool, err error)

	// Queries
	GetNodesByLabel(label string) ([]*Node, error)
	GetOutgoingEdges(nodeID NodeID) ([]*Edge, error)
	GetIncomingEdges(nodeID NodeID) ([]*Edge, error)
	AllNodes() ([]*Node, error)
	AllEdges() ([]*Edge, error)

	// Stats
	NodeCount() (int64, error)
	EdgeCount() (int64, error)

	// Lifecycle
	Close() error
}

// mergeLabels returns existing with any labels from add not already present,
// preserving order.
func mergeLabels(existing, add []string) []string {
	out := append([]string(nil), existing...)
	for _, l := range add {
		found := false
		for _, e := range out {
			if normalizeLabel(e) == normalizeLabel(l) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, l)
		}
	}
	return out
}

// mergeProperties applies SET n += props semantics: keys in add overwrite
// keys in existing, other keys are kept.
func mergeProperties(existing, add map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(add))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}

func copyNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	copied := &Node{
		ID:         n.ID,
		Labels:     make([]string, len(n.Labels)),
		Properties: make(map[string]any, len(n.Properties)),
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.UpdatedAt,
	}
	copy(copied.Labels, n.Labels)
	for k, v := range n.Properties {
		copied.Properties[k] = v
	}
	return copied
}

func copyEdge(e *Edge) *Edge {
	if e == nil {
		return nil
	}
	copied := &Edge{
		ID:         e.ID,
		StartNode:  e.StartNode,
		EndNode:    e.EndNode,
		Type:       e.Type,
		Properties: make(map[string]any, len(e.Properties)),
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
	for k, v := range e.Properties {
		copied.Properties[k] = v
	}
	return copied
}

func validateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	return nil
}

func validateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}
	if edge.Type == "" || edge.StartNode == "" || edge.EndNode == "" {
		return ErrInvalidData
	}
	return nil
}
