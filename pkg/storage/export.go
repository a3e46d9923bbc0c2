package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Neo4jExport represents the Neo4j JSON export format.
// This is compatible with `CALL apoc.import.json()`.
type Neo4jExport struct {
	Nodes         []Neo4jNode         `json:"nodes"`
	Relationships []Neo4jRelationship `json:"relationships"`
}

// Neo4jNode is the Neo4j JSON export format for nodes.
type Neo4jNode struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// Neo4jRelationship is the Neo4j JSON export format for relationships.
type Neo4jRelationship struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	StartNode  string         `json:"startNode"`
	EndNode    string         `json:"endNode"`
}

// ToNeo4jExport converts nodes and edges to the Neo4j JSON export format.
//
// Output is sorted by ID so that exports of the same graph are byte-identical.
//
// Example:
//
//	nodes, _ := engine.AllNodes()
//	edges, _ := engine.AllEdges()
//	export := storage.ToNeo4jExport(nodes, edges)
//
//	// Import into Neo4j:
//	// CALL apoc.import.json("file:///graph.json")
func ToNeo4jExport(nodes []*Node, edges []*Edge) *Neo4jExport {
	export := &Neo4jExport{
		Nodes:         make([]Neo4jNode, len(nodes)),
		Relationships: make([]Neo4jRelationship, len(edges)),
	}

	for i, n := range nodes {
		export.Nodes[i] = Neo4jNode{
			ID:         string(n.ID),
			Labels:     n.Labels,
			Properties: n.Properties,
		}
	}
	for i, e := range edges {
		export.Relationships[i] = Neo4jRelationship{
			ID:         string(e.ID),
			Type:       e.Type,
			Properties: e.Properties,
			StartNode:  string(e.StartNode),
			EndNode:    string(e.EndNode),
		}
	}

	sort.Slice(export.Nodes, func(i, j int) bool { return export.Nodes[i].ID < export.Nodes[j].ID })
	sort.Slice(export.Relationships, func(i, j int) bool {
		return export.Relationships[i].ID < export.Relationships[j].ID
	})
	return export
}

// WriteNeo4jExport writes every node and edge in engine as indented Neo4j JSON.
func WriteNeo4jExport(engine Engine, w io.Writer) (*Neo4jExport, error) {
	nodes, err := engine.AllNodes()
	if err != nil {
		return nil, fmt.Errorf("getting nodes: %w", err)
	}
	edges, err := engine.AllEdges()
	if err != nil {
		return nil, fmt.Errorf("getting edges: %w", err)
	}

	export := ToNeo4jExport(nodes, edges)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(export); err != nil {
		return nil, fmt.Errorf("encoding JSON: %w", err)
	}
	return export, nil
}

// GraphStats tallies nodes per label and edges per relationship type.
type GraphStats struct {
	Nodes      int64
	Edges      int64
	ByLabel    map[string]int64
	ByEdgeType map[string]int64
}

// CollectStats scans engine once for nodes and once for edges.
func CollectStats(engine Engine) (*GraphStats, error) {
	nodes, err := engine.AllNodes()
	if err != nil {
		return nil, err
	}
	edges, err := engine.AllEdges()
	if err != nil {
		return nil, err
	}

	stats := &GraphStats{
		Nodes:      int64(len(nodes)),
		Edges:      int64(len(edges)),
		ByLabel:    make(map[string]int64),
		ByEdgeType: make(map[string]int64),
	}
	for _, n := range nodes {
		for _, l := range n.Labels {
			stats.ByLabel[l]++
		}
	}
	for _, e := range edges {
		stats.ByEdgeType[e.Type]++
	}
	return stats, nil
}
