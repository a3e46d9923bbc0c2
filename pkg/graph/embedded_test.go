package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/trialgraph/pkg/storage"
)

var (
	patientOp = &Operation{
		Name: "patients",
		Kind: KindNodeUpsert,
		Node: NodePattern{Labels: []string{"Patient"}, Keys: []string{"USUBJID"}},
	}
	visitOp = &Operation{
		Name: "visits",
		Kind: KindNodeUpsert,
		Node: NodePattern{Labels: []string{"Visit"}, Keys: []string{"Name"}},
	}
	attendedOp = &Operation{
		Name: "attended",
		Kind: KindEdgeCreate,
		Match: []NodePattern{
			{Alias: "p", Labels: []string{"Patient"}, Keys: []string{"USUBJID"}},
			{Alias: "v", Labels: []string{"Visit"}, Keys: []string{"Name"}},
		},
		Edges: []EdgePattern{{Type: "ATTENDED_VISIT", From: "p", To: "v", Merge: true}},
	}
	seenOp = &Operation{
		Name:  "seen",
		Kind:  KindEdgeCreate,
		Match: attendedOp.Match,
		Edges: []EdgePattern{{Type: "SEEN_AT", From: "p", To: "v"}},
	}
)

func patientParam(id string, age float64) Param {
	return Param{
		Subject: id,
		Key:     map[string]any{"USUBJID": id},
		Props:   map[string]any{"AGE": age},
	}
}

func visitParam(name string) Param {
	return Param{Subject: name, Key: map[string]any{"Name": name}}
}

func attendParam(id, visit string) Param {
	return Param{
		Subject: id,
		Match: map[string]map[string]any{
			"p": {"USUBJID": id},
			"v": {"Name": visit},
		},
		EdgeProps: []map[string]any{{"Order": 1.0}},
	}
}

func committed(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Committed {
			n++
		}
	}
	return n
}

func newTestStore(t *testing.T, opts EmbeddedOptions) (*EmbeddedStore, *storage.MemoryEngine) {
	t.Helper()
	engine := storage.NewMemoryEngine()
	store := NewEmbeddedStore(engine, opts)
	t.Cleanup(func() { store.Close(context.Background()) })
	return store, engine
}

func TestEmbeddedStore_NodeUpsertIsIdempotent(t *testing.T) {
	store, engine := newTestStore(t, EmbeddedOptions{})
	ctx := context.Background()
	params := []Param{patientParam("S1", 63), patientParam("S2", 64), patientParam("S1", 65)}

	for i := 0; i < 2; i++ {
		outcomes, err := store.Execute(ctx, patientOp, params, "")
		require.NoError(t, err)
		require.Len(t, outcomes, 3)
		assert.Equal(t, 3, committed(outcomes))
	}

	count, err := engine.NodeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	id, err := NodeIdentity([]string{"Patient"}, []string{"USUBJID"}, map[string]any{"USUBJID": "S1"})
	require.NoError(t, err)
	node, err := engine.GetNode(id)
	require.NoError(t, err)
	assert.Equal(t, 65.0, node.Properties["AGE"])
	assert.Equal(t, "S1", node.Properties["USUBJID"])
}

func TestEmbeddedStore_NullKeyIsRowError(t *testing.T) {
	store, engine := newTestStore(t, EmbeddedOptions{})

	outcomes, err := store.Execute(context.Background(), visitOp, []Param{
		visitParam("WEEK 2"),
		{Subject: "blank", Key: map[string]any{"Name": nil}},
		visitParam("WEEK 4"),
	}, "")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.True(t, outcomes[0].Committed)
	assert.False(t, outcomes[1].Committed)
	assert.True(t, outcomes[1].Started)
	assert.Contains(t, outcomes[1].Error, "Name")
	assert.True(t, outcomes[2].Committed)

	count, _ := engine.NodeCount()
	assert.Equal(t, int64(2), count)
}

func TestEmbeddedStore_MissingEndpointIsRowError(t *testing.T) {
	store, engine := newTestStore(t, EmbeddedOptions{})
	ctx := context.Background()

	_, err := store.Execute(ctx, patientOp, []Param{patientParam("S1", 60)}, "")
	require.NoError(t, err)
	_, err = store.Execute(ctx, visitOp, []Param{visitParam("WEEK 2")}, "")
	require.NoError(t, err)

	outcomes, err := store.Execute(ctx, attendedOp, []Param{
		attendParam("S1", "WEEK 2"),
		attendParam("S9", "WEEK 2"),
		attendParam("S1", "WEEK 8"),
	}, "")
	require.NoError(t, err, "missing endpoints must not be a transport failure")
	require.Len(t, outcomes, 3)

	assert.True(t, outcomes[0].Committed)
	assert.Equal(t, "no matching endpoint nodes: p", outcomes[1].Error)
	assert.Equal(t, "no matching endpoint nodes: v", outcomes[2].Error)
	assert.False(t, outcomes[1].Committed)

	edges, _ := engine.EdgeCount()
	assert.Equal(t, int64(1), edges)
}

func TestEmbeddedStore_CreateVersusMergeEdges(t *testing.T) {
	store, engine := newTestStore(t, EmbeddedOptions{})
	ctx := context.Background()

	_, err := store.Execute(ctx, patientOp, []Param{patientParam("S1", 60)}, "")
	require.NoError(t, err)
	_, err = store.Execute(ctx, visitOp, []Param{visitParam("WEEK 2")}, "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = store.Execute(ctx, attendedOp, []Param{attendParam("S1", "WEEK 2")}, "")
		require.NoError(t, err)
		_, err = store.Execute(ctx, seenOp, []Param{attendParam("S1", "WEEK 2")}, "")
		require.NoError(t, err)
	}

	stats, err := storage.CollectStats(engine)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ByEdgeType["ATTENDED_VISIT"], "merged edges are idempotent")
	assert.Equal(t, int64(2), stats.ByEdgeType["SEEN_AT"], "plain create duplicates on rerun")
}

// flakyEngine fails UpsertNode for one ID with a storage-level error.
type flakyEngine struct {
	*storage.MemoryEngine
	failID storage.NodeID
}

func (f *flakyEngine) UpsertNode(node *storage.Node) (bool, error) {
	if node.ID == f.failID {
		return false, errors.New("disk full")
	}
	return f.MemoryEngine.UpsertNode(node)
}

func TestEmbeddedStore_SubBatchFailureIsContained(t *testing.T) {
	failID, err := NodeIdentity([]string{"Patient"}, []string{"USUBJID"}, map[string]any{"USUBJID": "S1"})
	require.NoError(t, err)
	engine := &flakyEngine{MemoryEngine: storage.NewMemoryEngine(), failID: failID}
	store := NewEmbeddedStore(engine, EmbeddedOptions{SubBatchSize: 2})
	defer store.Close(context.Background())

	outcomes, err := store.Execute(context.Background(), patientOp, []Param{
		patientParam("S1", 1), patientParam("S2", 2),
		patientParam("S3", 3), patientParam("S4", 4),
	}, "")
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	assert.Equal(t, "disk full", outcomes[0].Error)
	assert.Equal(t, "disk full", outcomes[1].Error, "rest of the failed sub-batch is not applied")
	assert.True(t, outcomes[2].Committed)
	assert.True(t, outcomes[3].Committed)

	count, _ := engine.NodeCount()
	assert.Equal(t, int64(2), count)
}

// cancellingEngine cancels a context after a number of node upserts.
type cancellingEngine struct {
	*storage.MemoryEngine
	after  int
	cancel context.CancelFunc
	upsert int
}

func (c *cancellingEngine) UpsertNode(node *storage.Node) (bool, error) {
	c.upsert++
	if c.upsert == c.after {
		c.cancel()
	}
	return c.MemoryEngine.UpsertNode(node)
}

func TestEmbeddedStore_StopsMidBatchOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := &cancellingEngine{MemoryEngine: storage.NewMemoryEngine(), after: 3, cancel: cancel}
	store := NewEmbeddedStore(engine, EmbeddedOptions{})
	defer store.Close(context.Background())

	params := make([]Param, 50)
	for i := range params {
		params[i] = patientParam(fmt.Sprintf("S%d", i), float64(i))
	}
	outcomes, err := store.Execute(ctx, patientOp, params, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, outcomes)

	count, _ := engine.NodeCount()
	assert.Equal(t, int64(3), count, "rows after the cancel are not written")
}

func TestEmbeddedStore_TransportErrors(t *testing.T) {
	t.Run("cancelled context", func(t *testing.T) {
		store, _ := newTestStore(t, EmbeddedOptions{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := store.Execute(ctx, patientOp, []Param{patientParam("S1", 1)}, "")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("closed store", func(t *testing.T) {
		store, _ := newTestStore(t, EmbeddedOptions{})
		require.NoError(t, store.Close(context.Background()))
		_, err := store.Execute(context.Background(), patientOp, []Param{patientParam("S1", 1)}, "")
		assert.ErrorIs(t, err, ErrStoreClosed)
	})

	t.Run("closed engine", func(t *testing.T) {
		store, engine := newTestStore(t, EmbeddedOptions{})
		require.NoError(t, engine.Close())
		_, err := store.Execute(context.Background(), patientOp, []Param{patientParam("S1", 1)}, "")
		assert.ErrorIs(t, err, storage.ErrStorageClosed)
	})

	t.Run("unknown database", func(t *testing.T) {
		store, _ := newTestStore(t, EmbeddedOptions{Database: "neo4j"})
		_, err := store.Execute(context.Background(), patientOp, []Param{patientParam("S1", 1)}, "trials")
		assert.Error(t, err)

		_, err = store.Execute(context.Background(), patientOp, []Param{patientParam("S1", 1)}, "neo4j")
		assert.NoError(t, err)
	})
}

func TestEmbeddedStore_BadgerEngine(t *testing.T) {
	engine, err := storage.NewBadgerEngineInMemory()
	require.NoError(t, err)
	store := NewEmbeddedStore(engine, EmbeddedOptions{SubBatchSize: 1})
	defer store.Close(context.Background())

	outcomes, err := store.Execute(context.Background(), patientOp,
		[]Param{patientParam("S1", 1), patientParam("S1", 2)}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, committed(outcomes))

	count, err := engine.NodeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
