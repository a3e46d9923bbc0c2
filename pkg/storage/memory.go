package storage

import (
	"strings"
	"sync"
	"time"
)

// normalizeLabel converts a label to lowercase for case-insensitive matching,
// the way Neo4j tooling tends to treat label lookups.
func normalizeLabel(label string) string {
	return strings.ToLower(label)
}

// MemoryEngine is a thread-safe in-memory graph storage implementation.
//
// Use Cases:
//   - Unit and pipeline tests (no disk I/O, fast cleanup)
//   - Dry runs of a load to check counts before writing to Neo4j
//   - Small datasets that fit entirely in RAM
//
// Features:
//   - Thread-safe: all operations use an RWMutex
//   - Indexed: label, outgoing and incoming edge indexes
//   - Deep copies: returned values never alias stored state
//
// Performance Characteristics:
//   - Node or edge lookup by ID: O(1)
//   - Node lookup by label: O(k) where k = nodes with that label
//   - Outgoing/incoming edges: O(degree)
type MemoryEngine struct {
	mu sync.RWMutex

	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	// Indexes for efficient lookups
	nodesByLabel  map[string]map[NodeID]struct{}
	outgoingEdges map[NodeID]map[EdgeID]struct{}
	incomingEdges map[NodeID]map[EdgeID]struct{}

	closed bool
	now    func() time.Time
}

// NewMemoryEngine creates a new empty in-memory storage engine.
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	store := graph.NewEmbeddedStore(engine, graph.EmbeddedOptions{})
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:         make(map[NodeID]*Node),
		edges:         make(map[EdgeID]*Edge),
		nodesByLabel:  make(map[string]map[NodeID]struct{}),
		outgoingEdges: make(map[NodeID]map[EdgeID]struct{}),
		incomingEdges: make(map[NodeID]map[EdgeID]struct{}),
		now:           time.Now,
	}
}

// CreateNode creates a new node in the storage.
//
// Returns:
//   - nil on success
//   - ErrInvalidData if node is nil
//   - ErrInvalidID if ID is empty
//   - ErrAlreadyExists if a node with this ID exists
//   - ErrStorageClosed if engine is closed
func (m *MemoryEngine) CreateNode(node *Node) error {
	if err := validateNode(node); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.nodes[node.ID]; exists {
		return ErrAlreadyExists
	}

	stored := copyNode(node)
	stamp(&stored.CreatedAt, &stored.UpdatedAt, m.now())
	m.putNodeUnlocked(stored)
	return nil
}

// GetNode retrieves a node by its unique ID.
//
// Returns a deep copy of the node, or ErrNotFound.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	node, exists := m.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

// UpsertNode creates the node, or merges its labels and properties into the
// existing node with the same ID. The check and the write happen under one
// lock, so concurrent upserts of the same ID create exactly one node.
//
// Example:
//
//	created, _ := engine.UpsertNode(&storage.Node{ID: "v1", Labels: []string{"Visit"},
//		Properties: map[string]any{"Name": "WEEK 2"}})
//	// created == true
//	created, _ = engine.UpsertNode(&storage.Node{ID: "v1", Labels: []string{"Visit"},
//		Properties: map[string]any{"Name": "WEEK 2"}})
//	// created == false, node count unchanged
func (m *MemoryEngine) UpsertNode(node *Node) (bool, error) {
	if err := validateNode(node); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStorageClosed
	}

	now := m.now()
	existing, exists := m.nodes[node.ID]
	if !exists {
		stored := copyNode(node)
		stamp(&stored.CreatedAt, &stored.UpdatedAt, now)
		m.putNodeUnlocked(stored)
		return true, nil
	}

	merged := &Node{
		ID:         existing.ID,
		Labels:     mergeLabels(existing.Labels, node.Labels),
		Properties: mergeProperties(existing.Properties, node.Properties),
		CreatedAt:  existing.CreatedAt,
		UpdatedAt:  now,
	}
	m.putNodeUnlocked(merged)
	return false, nil
}

// CreateEdge creates a new edge. Both endpoints must already exist.
//
// Returns:
//   - ErrAlreadyExists if an edge with this ID exists
//   - ErrInvalidEdge if the start or end node is missing
func (m *MemoryEngine) CreateEdge(edge *Edge) error {
	if err := validateEdge(edge); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[edge.ID]; exists {
		return ErrAlreadyExists
	}
	if !m.endpointsExistUnlocked(edge) {
		return ErrInvalidEdge
	}

	stored := copyEdge(edge)
	stamp(&stored.CreatedAt, &stored.UpdatedAt, m.now())
	m.putEdgeUnlocked(stored)
	return nil
}

// GetEdge retrieves an edge by ID.
func (m *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edge, exists := m.edges[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyEdge(edge), nil
}

// UpsertEdge creates the edge or merges properties into the existing one.
func (m *MemoryEngine) UpsertEdge(edge *Edge) (bool, error) {
	if err := validateEdge(edge); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStorageClosed
	}
	if !m.endpointsExistUnlocked(edge) {
		return false, ErrInvalidEdge
	}

	now := m.now()
	existing, exists := m.edges[edge.ID]
	if !exists {
		stored := copyEdge(edge)
		stamp(&stored.CreatedAt, &stored.UpdatedAt, now)
		m.putEdgeUnlocked(stored)
		return true, nil
	}

	merged := copyEdge(existing)
	merged.Properties = mergeProperties(existing.Properties, edge.Properties)
	merged.UpdatedAt = now
	m.edges[edge.ID] = merged
	return false, nil
}

// GetNodesByLabel returns all nodes carrying the label (case-insensitive).
func (m *MemoryEngine) GetNodesByLabel(label string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := m.nodesByLabel[normalizeLabel(label)]
	nodes := make([]*Node, 0, len(ids))
	for id := range ids {
		if node := m.nodes[id]; node != nil {
			nodes = append(nodes, copyNode(node))
		}
	}
	return nodes, nil
}

// GetOutgoingEdges returns edges starting at nodeID.
func (m *MemoryEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return m.edgesFromIndex(m.outgoingEdges, nodeID)
}

// GetIncomingEdges returns edges ending at nodeID.
func (m *MemoryEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return m.edgesFromIndex(m.incomingEdges, nodeID)
}

func (m *MemoryEngine) edgesFromIndex(index map[NodeID]map[EdgeID]struct{}, nodeID NodeID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := index[nodeID]
	edges := make([]*Edge, 0, len(ids))
	for id := range ids {
		if edge := m.edges[id]; edge != nil {
			edges = append(edges, copyEdge(edge))
		}
	}
	return edges, nil
}

// AllNodes returns all nodes in the memory engine.
func (m *MemoryEngine) AllNodes() ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	nodes := make([]*Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		nodes = append(nodes, copyNode(node))
	}
	return nodes, nil
}

// AllEdges returns all edges in the memory engine.
func (m *MemoryEngine) AllEdges() ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edges := make([]*Edge, 0, len(m.edges))
	for _, edge := range m.edges {
		edges = append(edges, copyEdge(edge))
	}
	return edges, nil
}

// NodeCount returns the number of stored nodes.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of stored edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// Close marks the engine closed and drops all data.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.nodes = nil
	m.edges = nil
	m.nodesByLabel = nil
	m.outgoingEdges = nil
	m.incomingEdges = nil
	return nil
}

// putNodeUnlocked stores node and refreshes its label index entries.
// Caller must hold the write lock.
func (m *MemoryEngine) putNodeUnlocked(node *Node) {
	if old := m.nodes[node.ID]; old != nil {
		for _, label := range old.Labels {
			delete(m.nodesByLabel[normalizeLabel(label)], node.ID)
		}
	}
	m.nodes[node.ID] = node
	for _, label := range node.Labels {
		normal := normalizeLabel(label)
		if m.nodesByLabel[normal] == nil {
			m.nodesByLabel[normal] = make(map[NodeID]struct{})
		}
		m.nodesByLabel[normal][node.ID] = struct{}{}
	}
}

// putEdgeUnlocked stores a new edge and indexes it on both endpoints.
// Caller must hold the write lock.
func (m *MemoryEngine) putEdgeUnlocked(edge *Edge) {
	m.edges[edge.ID] = edge

	if m.outgoingEdges[edge.StartNode] == nil {
		m.outgoingEdges[edge.StartNode] = make(map[EdgeID]struct{})
	}
	m.outgoingEdges[edge.StartNode][edge.ID] = struct{}{}

	if m.incomingEdges[edge.EndNode] == nil {
		m.incomingEdges[edge.EndNode] = make(map[EdgeID]struct{})
	}
	m.incomingEdges[edge.EndNode][edge.ID] = struct{}{}
}

func (m *MemoryEngine) endpointsExistUnlocked(edge *Edge) bool {
	_, start := m.nodes[edge.StartNode]
	_, end := m.nodes[edge.EndNode]
	return start && end
}

// stamp sets creation and update times, keeping a caller-supplied CreatedAt.
func stamp(created, updated *time.Time, now time.Time) {
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

var _ Engine = (*MemoryEngine)(nil)
