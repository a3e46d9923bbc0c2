package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jConfig configures the Bolt connection.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string

	// Database is used when Execute is called without one.
	Database string

	MaxConnectionPoolSize int
	ConnectionTimeout     time.Duration

	// SubBatchSize is the IN TRANSACTIONS batch size.
	SubBatchSize int
}

// cypherRunner runs one auto-commit statement and returns all records.
type cypherRunner interface {
	run(ctx context.Context, database, cypher string, params map[string]any) ([]*neo4j.Record, error)
	close(ctx context.Context) error
}

// Neo4jStore executes operations as generated Cypher against a Neo4j server.
//
// CALL { ... } IN TRANSACTIONS only runs in auto-commit transactions, so each
// Execute opens a session and uses Run rather than a managed transaction. The
// driver's connection pool makes the store safe for concurrent Execute calls.
type Neo4jStore struct {
	cfg    Neo4jConfig
	runner cypherRunner
	logger *log.Logger
	closed atomic.Bool

	mu         sync.Mutex
	statements map[*Operation]string
}

// NewNeo4jStore connects to Neo4j and verifies connectivity.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig, logger *log.Logger) (*Neo4jStore, error) {
	if cfg.URI == "" {
		return nil, errors.New("neo4j: URI is required")
	}

	auth := neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(c *neo4j.Config) {
		if cfg.MaxConnectionPoolSize > 0 {
			c.MaxConnectionPoolSize = cfg.MaxConnectionPoolSize
		}
		if cfg.ConnectionTimeout > 0 {
			c.ConnectionAcquisitionTimeout = cfg.ConnectionTimeout
			c.SocketConnectTimeout = cfg.ConnectionTimeout
		}
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j: creating driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: connecting to %s: %w", cfg.URI, err)
	}

	return newNeo4jStore(cfg, &driverRunner{driver: driver}, logger), nil
}

func newNeo4jStore(cfg Neo4jConfig, runner cypherRunner, logger *log.Logger) *Neo4jStore {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if cfg.SubBatchSize <= 0 {
		cfg.SubBatchSize = DefaultSubBatchSize
	}
	return &Neo4jStore{
		cfg:        cfg,
		runner:     runner,
		logger:     logger,
		statements: make(map[*Operation]string),
	}
}

// Execute implements Store.
func (s *Neo4jStore) Execute(ctx context.Context, op *Operation, params []Param, database string) ([]Outcome, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if len(params) == 0 {
		return nil, nil
	}

	cypher, err := s.statement(op)
	if err != nil {
		return nil, err
	}
	if database == "" {
		database = s.cfg.Database
	}

	records, err := s.runner.run(ctx, database, cypher, map[string]any{"rows": cypherRows(op, params)})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("cypher batch executed", "operation", op.Name, "rows", len(params), "records", len(records))
	return outcomesFromRecords(op, records), nil
}

// EnsureSchema creates one uniqueness constraint per distinct label and key
// set among the node upsert operations in ops.
func (s *Neo4jStore) EnsureSchema(ctx context.Context, ops []*Operation, database string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if database == "" {
		database = s.cfg.Database
	}

	seen := make(map[string]bool)
	for _, op := range ops {
		if op.Kind != KindNodeUpsert {
			continue
		}
		if err := op.Validate(); err != nil {
			return err
		}
		cypher := ConstraintCypher(op.Node)
		if seen[cypher] {
			continue
		}
		seen[cypher] = true
		if _, err := s.runner.run(ctx, database, cypher, nil); err != nil {
			return fmt.Errorf("neo4j: constraint for %s: %w", op.Name, err)
		}
		s.logger.Debug("constraint ensured", "operation", op.Name, "label", op.Node.Labels[0], "keys", op.Node.Keys)
	}
	return nil
}

func (s *Neo4jStore) statement(op *Operation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.statements[op]; ok {
		return c, nil
	}
	c, err := Cypher(op, s.cfg.SubBatchSize)
	if err != nil {
		return "", err
	}
	s.statements[op] = c
	return c, nil
}

// outcomesFromRecords maps REPORT STATUS records to outcomes. An edge row
// whose endpoints did not all match commits nothing and gets an error.
func outcomesFromRecords(op *Operation, records []*neo4j.Record) []Outcome {
	outcomes := make([]Outcome, 0, len(records))
	for _, rec := range records {
		o := Outcome{
			Subject:   recordString(rec, "subject"),
			Started:   recordBool(rec, "started"),
			Committed: recordBool(rec, "committed"),
			Error:     recordString(rec, "errorMessage"),
		}
		if op.Kind == KindEdgeCreate && o.Committed && o.Error == "" && !recordBool(rec, "matched") {
			o.Committed = false
			o.Error = "no matching endpoint nodes"
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func recordString(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func recordBool(rec *neo4j.Record, key string) bool {
	v, ok := rec.Get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Close closes the driver and its connection pool.
func (s *Neo4jStore) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.runner.close(ctx)
}

type driverRunner struct {
	driver neo4j.DriverWithContext
}

func (r *driverRunner) run(ctx context.Context, database, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return result.Collect(ctx)
}

func (r *driverRunner) close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

var (
	_ Store         = (*Neo4jStore)(nil)
	_ SchemaEnsurer = (*Neo4jStore)(nil)
)
