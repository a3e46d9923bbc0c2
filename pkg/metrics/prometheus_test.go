package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_Records(t *testing.T) {
	p, err := NewPrometheus("", "")
	require.NoError(t, err)
	assert.Equal(t, "trialgraph", p.job)

	p.RecordRows("create_patients_nodes", RowsAttempted, 254)
	p.RecordRows("create_patients_nodes", RowsCommitted, 250)
	p.RecordRows("create_patients_nodes", RowsFailed, 4)
	p.RecordRows("create_patients_nodes", RowsFailed, 0)
	p.RecordChunk("create_patients_nodes", nil, 20*time.Millisecond)
	p.RecordChunk("create_patients_nodes", errors.New("timeout"), time.Second)
	p.RecordTask("nodes", TaskSucceeded)
	p.RecordTask("edges", TaskFailed)

	assert.Equal(t, 254.0, testutil.ToFloat64(p.rows.WithLabelValues("create_patients_nodes", RowsAttempted)))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.rows.WithLabelValues("create_patients_nodes", RowsFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.chunks.WithLabelValues("create_patients_nodes", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.tasks.WithLabelValues("edges", TaskFailed)))
	assert.Equal(t, 1, testutil.CollectAndCount(p.chunkDuration))

	n, err := testutil.GatherAndCount(p.Registry(), "trialgraph_rows_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPrometheus_FlushWithoutGateway(t *testing.T) {
	p, err := NewPrometheus("job", "")
	require.NoError(t, err)
	assert.NoError(t, p.Flush(context.Background()))
}

func TestPrometheus_FlushPushes(t *testing.T) {
	var pushes atomic.Int32
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushes.Add(1)
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := NewPrometheus("nightly-load", srv.URL)
	require.NoError(t, err)
	p.RecordTask("nodes", TaskSucceeded)

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, int32(1), pushes.Load())
	assert.Equal(t, "/metrics/job/nightly-load", path.Load())
}

func TestPrometheus_FlushError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := NewPrometheus("job", srv.URL)
	require.NoError(t, err)
	assert.Error(t, p.Flush(context.Background()))
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	r.RecordRows("op", RowsCommitted, 1)
	r.RecordChunk("op", nil, time.Millisecond)
	r.RecordTask("nodes", TaskSucceeded)
	assert.NoError(t, r.Flush(context.Background()))
}
