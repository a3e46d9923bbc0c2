package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/zeebo/xxh3"
)

// Key prefixes for BadgerDB storage organization.
// Single-byte prefixes keep keys short and scans cheap.
const (
	prefixNode          = byte(0x01) // nodes:nodeID -> Node
	prefixEdge          = byte(0x02) // edges:edgeID -> Edge
	prefixLabelIndex    = byte(0x03) // label:labelName:nodeID -> []byte{}
	prefixOutgoingIndex = byte(0x04) // outgoing:nodeID:edgeID -> []byte{}
	prefixIncomingIndex = byte(0x05) // incoming:nodeID:edgeID -> []byte{}
)

// maxConflictRetries bounds how often a write re-runs after a Badger
// transaction conflict with a concurrent writer.
const maxConflictRetries = 64

// maxConflictBackoff caps the sleep between conflict retries.
const maxConflictBackoff = 20 * time.Millisecond

// keyStripes is the number of mutexes writes to the same ID are
// serialized on.
const keyStripes = 256

// BadgerEngine provides persistent storage using BadgerDB.
//
// Features:
//   - ACID transactions for every write
//   - Persistent storage to disk
//   - Secondary indexes for label and adjacency scans
//   - Thread-safe concurrent access
//
// Key Structure:
//   - Nodes: 0x01 + nodeID -> JSON(Node)
//   - Edges: 0x02 + edgeID -> JSON(Edge)
//   - Label Index: 0x03 + label + 0x00 + nodeID -> empty
//   - Outgoing Index: 0x04 + nodeID + 0x00 + edgeID -> empty
//   - Incoming Index: 0x05 + nodeID + 0x00 + edgeID -> empty
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/trialgraph")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex // guards closed
	closed bool
	now    func() time.Time

	// keyLocks serialize read-modify-write transactions on the same
	// node or edge ID.
	keyLocks [keyStripes]sync.Mutex
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, Badger logging is silenced.
	Logger badger.Logger

	// LowMemory shrinks memtables and caches for constrained hosts.
	LowMemory bool
}

// NewBadgerEngine creates a persistent storage engine with default settings.
//
// Parameters:
//   - dataDir: Directory path for storing data files. Created if it doesn't exist.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/trialgraph")
//	if err != nil {
//		return fmt.Errorf("failed to open database: %w", err)
//	}
//	defer engine.Close()
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		DataDir: dataDir,
	})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom configuration.
//
// Example 1 - In-Memory Database for Testing:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		InMemory: true,
//	})
//
// Example 2 - Routing Badger logs to the application logger:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		DataDir: cfg.Graph.DataDir,
//		Logger:  logging.Badger(logger),
//	})
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	// A nil logger silences Badger.
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).     // 16MB instead of 64MB
			WithValueLogFileSize(64 << 20). // 64MB instead of 1GB
			WithNumMemtables(2).            // 2 instead of 5
			WithNumLevelZeroTables(2).      // 2 instead of 5
			WithNumLevelZeroTablesStall(4). // 4 instead of 15
			WithBlockCacheSize(32 << 20).   // 32MB block cache
			WithIndexCacheSize(16 << 20)    // 16MB index cache
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerEngine{db: db, now: time.Now}, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		InMemory: true,
	})
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

// labelIndexKey: prefix + label (lowercase) + 0x00 + nodeID
func labelIndexKey(label string, nodeID NodeID) []byte {
	key := labelIndexPrefix(label)
	return append(key, []byte(nodeID)...)
}

func labelIndexPrefix(label string) []byte {
	normal := normalizeLabel(label)
	key := make([]byte, 0, len(normal)+2)
	key = append(key, prefixLabelIndex)
	key = append(key, []byte(normal)...)
	return append(key, 0x00)
}

// adjacencyKey: prefix + nodeID + 0x00 + edgeID
func adjacencyKey(prefix byte, nodeID NodeID, edgeID EdgeID) []byte {
	key := adjacencyPrefix(prefix, nodeID)
	return append(key, []byte(edgeID)...)
}

func adjacencyPrefix(prefix byte, nodeID NodeID) []byte {
	key := make([]byte, 0, len(nodeID)+2)
	key = append(key, prefix)
	key = append(key, []byte(nodeID)...)
	return append(key, 0x00)
}

// ============================================================================
// Serialization
// ============================================================================

// serializableNode is the JSON-serializable form of a Node.
type serializableNode struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
}

// serializableEdge is the JSON-serializable form of an Edge.
type serializableEdge struct {
	ID         string         `json:"id"`
	StartNode  string         `json:"startNode"`
	EndNode    string         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
}

func encodeNode(n *Node) ([]byte, error) {
	return json.Marshal(serializableNode{
		ID:         string(n.ID),
		Labels:     n.Labels,
		Properties: n.Properties,
		CreatedAt:  n.CreatedAt.UnixNano(),
		UpdatedAt:  n.UpdatedAt.UnixNano(),
	})
}

func decodeNode(data []byte) (*Node, error) {
	var sn serializableNode
	if err := json.Unmarshal(data, &sn); err != nil {
		return nil, err
	}
	if sn.Properties == nil {
		sn.Properties = map[string]any{}
	}
	return &Node{
		ID:         NodeID(sn.ID),
		Labels:     sn.Labels,
		Properties: sn.Properties,
		CreatedAt:  nanosToTime(sn.CreatedAt),
		UpdatedAt:  nanosToTime(sn.UpdatedAt),
	}, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	return json.Marshal(serializableEdge{
		ID:         string(e.ID),
		StartNode:  string(e.StartNode),
		EndNode:    string(e.EndNode),
		Type:       e.Type,
		Properties: e.Properties,
		CreatedAt:  e.CreatedAt.UnixNano(),
		UpdatedAt:  e.UpdatedAt.UnixNano(),
	})
}

func decodeEdge(data []byte) (*Edge, error) {
	var se serializableEdge
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, err
	}
	if se.Properties == nil {
		se.Properties = map[string]any{}
	}
	return &Edge{
		ID:         EdgeID(se.ID),
		StartNode:  NodeID(se.StartNode),
		EndNode:    NodeID(se.EndNode),
		Type:       se.Type,
		Properties: se.Properties,
		CreatedAt:  nanosToTime(se.CreatedAt),
		UpdatedAt:  nanosToTime(se.UpdatedAt),
	}, nil
}

func nanosToTime(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ============================================================================
// Transaction helpers
// ============================================================================

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// lockKey takes the stripe lock for id and returns its unlock.
func (b *BadgerEngine) lockKey(id string) func() {
	m := &b.keyLocks[xxh3.HashString(id)%keyStripes]
	m.Lock()
	return m.Unlock
}

// update runs fn in a read-write transaction, re-running it with jittered
// backoff when Badger reports a conflict with a concurrent transaction.
func (b *BadgerEngine) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(conflictBackoff(attempt))
	}
	return err
}

// conflictBackoff doubles from 100µs up to maxConflictBackoff, sleeping a
// random duration between half and all of that step.
func conflictBackoff(attempt int) time.Duration {
	step := maxConflictBackoff
	if attempt < 8 {
		step = min(100*time.Microsecond<<attempt, maxConflictBackoff)
	}
	return step/2 + time.Duration(rand.Int63n(int64(step/2+1)))
}

func getNodeTxn(txn *badger.Txn, id NodeID) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var node *Node
	err = item.Value(func(val []byte) error {
		node, err = decodeNode(val)
		return err
	})
	return node, err
}

func getEdgeTxn(txn *badger.Txn, id EdgeID) (*Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var edge *Edge
	err = item.Value(func(val []byte) error {
		edge, err = decodeEdge(val)
		return err
	})
	return edge, err
}

func putNodeTxn(txn *badger.Txn, node *Node) error {
	data, err := encodeNode(node)
	if err != nil {
		return fmt.Errorf("failed to encode node: %w", err)
	}
	if err := txn.Set(nodeKey(node.ID), data); err != nil {
		return err
	}
	for _, label := range node.Labels {
		if err := txn.Set(labelIndexKey(label, node.ID), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func putEdgeTxn(txn *badger.Txn, edge *Edge, index bool) error {
	data, err := encodeEdge(edge)
	if err != nil {
		return fmt.Errorf("failed to encode edge: %w", err)
	}
	if err := txn.Set(edgeKey(edge.ID), data); err != nil {
		return err
	}
	if !index {
		return nil
	}
	if err := txn.Set(adjacencyKey(prefixOutgoingIndex, edge.StartNode, edge.ID), []byte{}); err != nil {
		return err
	}
	return txn.Set(adjacencyKey(prefixIncomingIndex, edge.EndNode, edge.ID), []byte{})
}

func endpointsExistTxn(txn *badger.Txn, edge *Edge) error {
	for _, id := range []NodeID{edge.StartNode, edge.EndNode} {
		_, err := txn.Get(nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrInvalidEdge
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Node Operations
// ============================================================================

// CreateNode creates a new node in persistent storage.
func (b *BadgerEngine) CreateNode(node *Node) error {
	if err := validateNode(node); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	stored := copyNode(node)
	stamp(&stored.CreatedAt, &stored.UpdatedAt, b.now())
	defer b.lockKey(string(node.ID))()

	return b.update(func(txn *badger.Txn) error {
		_, err := txn.Get(nodeKey(node.ID))
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putNodeTxn(txn, stored)
	})
}

// GetNode retrieves a node by ID.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var node *Node
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		node, err = getNodeTxn(txn, id)
		return err
	})
	return node, err
}

// UpsertNode creates the node or merges labels and properties into the
// stored one, inside a single Badger transaction.
func (b *BadgerEngine) UpsertNode(node *Node) (bool, error) {
	if err := validateNode(node); err != nil {
		return false, err
	}
	if err := b.checkOpen(); err != nil {
		return false, err
	}

	defer b.lockKey(string(node.ID))()

	var created bool
	err := b.update(func(txn *badger.Txn) error {
		now := b.now()
		existing, err := getNodeTxn(txn, node.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			created = true
			stored := copyNode(node)
			stamp(&stored.CreatedAt, &stored.UpdatedAt, now)
			return putNodeTxn(txn, stored)
		case err != nil:
			return err
		}

		created = false
		existing.Labels = mergeLabels(existing.Labels, node.Labels)
		existing.Properties = mergeProperties(existing.Properties, node.Properties)
		existing.UpdatedAt = now
		return putNodeTxn(txn, existing)
	})
	return created, err
}

// ============================================================================
// Edge Operations
// ============================================================================

// CreateEdge creates a new edge between two existing nodes.
func (b *BadgerEngine) CreateEdge(edge *Edge) error {
	if err := validateEdge(edge); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	stored := copyEdge(edge)
	stamp(&stored.CreatedAt, &stored.UpdatedAt, b.now())
	defer b.lockKey(string(edge.ID))()

	return b.update(func(txn *badger.Txn) error {
		_, err := txn.Get(edgeKey(edge.ID))
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := endpointsExistTxn(txn, edge); err != nil {
			return err
		}
		return putEdgeTxn(txn, stored, true)
	})
}

// GetEdge retrieves an edge by ID.
func (b *BadgerEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edge *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		edge, err = getEdgeTxn(txn, id)
		return err
	})
	return edge, err
}

// UpsertEdge creates the edge or merges properties into the stored one.
func (b *BadgerEngine) UpsertEdge(edge *Edge) (bool, error) {
	if err := validateEdge(edge); err != nil {
		return false, err
	}
	if err := b.checkOpen(); err != nil {
		return false, err
	}

	defer b.lockKey(string(edge.ID))()

	var created bool
	err := b.update(func(txn *badger.Txn) error {
		if err := endpointsExistTxn(txn, edge); err != nil {
			return err
		}
		now := b.now()
		existing, err := getEdgeTxn(txn, edge.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			created = true
			stored := copyEdge(edge)
			stamp(&stored.CreatedAt, &stored.UpdatedAt, now)
			return putEdgeTxn(txn, stored, true)
		case err != nil:
			return err
		}

		created = false
		existing.Properties = mergeProperties(existing.Properties, edge.Properties)
		existing.UpdatedAt = now
		return putEdgeTxn(txn, existing, false)
	})
	return created, err
}

// ============================================================================
// Queries
// ============================================================================

// GetNodesByLabel returns all nodes with the given label.
func (b *BadgerEngine) GetNodesByLabel(label string) ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := labelIndexPrefix(label)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := NodeID(it.Item().KeyCopy(nil)[len(prefix):])
			node, err := getNodeTxn(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			nodes = append(nodes, node)
		}
		return nil
	})
	return nodes, err
}

// GetOutgoingEdges returns edges starting at nodeID.
func (b *BadgerEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacentEdges(prefixOutgoingIndex, nodeID)
}

// GetIncomingEdges returns edges ending at nodeID.
func (b *BadgerEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacentEdges(prefixIncomingIndex, nodeID)
}

func (b *BadgerEngine) adjacentEdges(indexPrefix byte, nodeID NodeID) ([]*Edge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := adjacencyPrefix(indexPrefix, nodeID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := EdgeID(it.Item().KeyCopy(nil)[len(prefix):])
			edge, err := getEdgeTxn(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			edges = append(edges, edge)
		}
		return nil
	})
	return edges, err
}

// AllNodes returns every stored node.
func (b *BadgerEngine) AllNodes() ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.scan(prefixNode, func(val []byte) error {
		node, err := decodeNode(val)
		if err != nil {
			return err
		}
		nodes = append(nodes, node)
		return nil
	})
	return nodes, err
}

// AllEdges returns every stored edge.
func (b *BadgerEngine) AllEdges() ([]*Edge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.scan(prefixEdge, func(val []byte) error {
		edge, err := decodeEdge(val)
		if err != nil {
			return err
		}
		edges = append(edges, edge)
		return nil
	})
	return edges, err
}

func (b *BadgerEngine) scan(prefix byte, fn func(val []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// NodeCount returns the total number of nodes.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.count(prefixNode)
}

// EdgeCount returns the total number of edges.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.count(prefixEdge)
}

func (b *BadgerEngine) count(prefix byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close closes the underlying database. Further calls return ErrStorageClosed.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

var _ Engine = (*BadgerEngine)(nil)
