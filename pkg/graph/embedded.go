package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/orneryd/trialgraph/pkg/storage"
)

// EmbeddedOptions configures an EmbeddedStore.
type EmbeddedOptions struct {
	// SubBatchSize is the number of rows per inner batch. Zero means
	// DefaultSubBatchSize.
	SubBatchSize int

	// Database, when set, is the only database name the store accepts.
	Database string

	// Logger receives debug output. Nil discards it.
	Logger *log.Logger
}

// EmbeddedStore interprets operations directly against a storage.Engine.
//
// Node IDs are derived from entity keys (see NodeIdentity), so a node upsert
// is a single engine UpsertNode call and endpoint matching for edges is a
// lookup by ID. Plain-create edges get random IDs; merged edges get an ID
// derived from (start, type, end).
//
// Row-level problems (a null key, a missing endpoint) are reported in the
// row's Outcome. Any other engine error fails the rest of its sub-batch,
// and execution continues with the next sub-batch.
type EmbeddedStore struct {
	engine storage.Engine
	opts   EmbeddedOptions
	logger *log.Logger
	closed atomic.Bool
}

// NewEmbeddedStore wraps engine. The store owns the engine and closes it on
// Close.
func NewEmbeddedStore(engine storage.Engine, opts EmbeddedOptions) *EmbeddedStore {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if opts.SubBatchSize <= 0 {
		opts.SubBatchSize = DefaultSubBatchSize
	}
	return &EmbeddedStore{engine: engine, opts: opts, logger: logger}
}

// Engine returns the underlying storage engine.
func (s *EmbeddedStore) Engine() storage.Engine {
	return s.engine
}

// rowError marks failures confined to one row.
type rowError struct {
	msg string
}

func (e *rowError) Error() string { return e.msg }

// Execute implements Store.
func (s *EmbeddedStore) Execute(ctx context.Context, op *Operation, params []Param, database string) ([]Outcome, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if s.opts.Database != "" && database != "" && database != s.opts.Database {
		return nil, fmt.Errorf("unknown database %q", database)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(params))
	err := subBatches(params, s.opts.SubBatchSize, func(start, end int) error {
		var batchErr error
		for _, p := range params[start:end] {
			if err := ctx.Err(); err != nil {
				return err
			}
			if batchErr != nil {
				outcomes = append(outcomes, Outcome{Subject: p.Subject, Started: true, Error: batchErr.Error()})
				continue
			}

			err := s.apply(op, p)
			var re *rowError
			switch {
			case err == nil:
				outcomes = append(outcomes, Outcome{Subject: p.Subject, Started: true, Committed: true})
			case errors.As(err, &re):
				outcomes = append(outcomes, Outcome{Subject: p.Subject, Started: true, Error: re.msg})
			case errors.Is(err, storage.ErrStorageClosed):
				return err
			default:
				batchErr = err
				outcomes = append(outcomes, Outcome{Subject: p.Subject, Started: true, Error: err.Error()})
			}
		}

		if batchErr != nil {
			s.logger.Warn("sub-batch failed", "operation", op.Name, "rows", end-start, "err", batchErr)
		} else {
			s.logger.Debug("sub-batch applied", "operation", op.Name, "rows", end-start)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (s *EmbeddedStore) apply(op *Operation, p Param) error {
	switch op.Kind {
	case KindNodeUpsert:
		return s.upsertNode(op, p)
	case KindEdgeCreate:
		return s.createEdges(op, p)
	default:
		return fmt.Errorf("operation %s: unknown kind %q", op.Name, op.Kind)
	}
}

func (s *EmbeddedStore) upsertNode(op *Operation, p Param) error {
	id, err := NodeIdentity(op.Node.Labels, op.Node.Keys, p.Key)
	if err != nil {
		return &rowError{msg: "cannot merge node: " + err.Error()}
	}

	props := make(map[string]any, len(p.Key)+len(p.Props))
	for k, v := range p.Props {
		props[k] = v
	}
	for _, k := range op.Node.Keys {
		props[k] = p.Key[k]
	}

	_, err = s.engine.UpsertNode(&storage.Node{
		ID:         id,
		Labels:     op.Node.Labels,
		Properties: props,
	})
	return err
}

func (s *EmbeddedStore) createEdges(op *Operation, p Param) error {
	ids := make(map[string]storage.NodeID, len(op.Match))
	var missing []string
	for _, m := range op.Match {
		id, err := NodeIdentity(m.Labels, m.Keys, p.Match[m.Alias])
		if err != nil {
			missing = append(missing, m.Alias)
			continue
		}
		_, err = s.engine.GetNode(id)
		if errors.Is(err, storage.ErrNotFound) {
			missing = append(missing, m.Alias)
			continue
		}
		if err != nil {
			return err
		}
		ids[m.Alias] = id
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &rowError{msg: "no matching endpoint nodes: " + strings.Join(missing, ", ")}
	}

	for i, e := range op.Edges {
		edge := &storage.Edge{
			StartNode:  ids[e.From],
			EndNode:    ids[e.To],
			Type:       e.Type,
			Properties: edgeProps(p, i),
		}
		var err error
		if e.Merge {
			edge.ID = MergedEdgeIdentity(edge.StartNode, e.Type, edge.EndNode)
			_, err = s.engine.UpsertEdge(edge)
		} else {
			edge.ID = storage.EdgeID("e-" + uuid.NewString())
			err = s.engine.CreateEdge(edge)
		}
		if errors.Is(err, storage.ErrInvalidEdge) {
			return &rowError{msg: fmt.Sprintf("%s: %v", e.Type, err)}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func edgeProps(p Param, i int) map[string]any {
	if i < len(p.EdgeProps) && p.EdgeProps[i] != nil {
		return p.EdgeProps[i]
	}
	return map[string]any{}
}

// Close closes the store and its engine.
func (s *EmbeddedStore) Close(context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.engine.Close()
}

var _ Store = (*EmbeddedStore)(nil)
