package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Prometheus is a Recorder backed by client_golang collectors.
type Prometheus struct {
	gatewayURL string
	job        string
	reg        *prometheus.Registry

	rows          *prometheus.CounterVec
	chunks        *prometheus.CounterVec
	chunkDuration *prometheus.HistogramVec
	tasks         *prometheus.CounterVec
}

// NewPrometheus creates a recorder with a private registry. gatewayURL may
// be empty, in which case Flush does nothing and the registry is only
// available through Registry.
func NewPrometheus(job, gatewayURL string) (*Prometheus, error) {
	if job == "" {
		job = "trialgraph"
	}
	p := &Prometheus{
		gatewayURL: gatewayURL,
		job:        job,
		reg:        prometheus.NewRegistry(),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trialgraph_rows_total",
			Help: "Rows handled per write operation, partitioned by outcome.",
		}, []string{"operation", "outcome"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trialgraph_chunks_total",
			Help: "Chunk writes per operation, partitioned by status.",
		}, []string{"operation", "status"}),
		chunkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trialgraph_chunk_duration_seconds",
			Help:    "Duration of one chunk write.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"operation"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trialgraph_tasks_total",
			Help: "Finished stage tasks, partitioned by stage and status.",
		}, []string{"stage", "status"}),
	}

	for _, c := range []prometheus.Collector{p.rows, p.chunks, p.chunkDuration, p.tasks} {
		if err := p.reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register collector: %w", err)
		}
	}
	return p, nil
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.reg
}

func (p *Prometheus) RecordRows(operation, outcome string, n int) {
	if n <= 0 {
		return
	}
	p.rows.WithLabelValues(operation, outcome).Add(float64(n))
}

func (p *Prometheus) RecordChunk(operation string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	p.chunks.WithLabelValues(operation, status).Inc()
	p.chunkDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (p *Prometheus) RecordTask(stage, status string) {
	p.tasks.WithLabelValues(stage, status).Inc()
}

// Flush pushes the registry to the Pushgateway.
func (p *Prometheus) Flush(ctx context.Context) error {
	if p.gatewayURL == "" {
		return nil
	}
	if err := push.New(p.gatewayURL, p.job).Gatherer(p.reg).PushContext(ctx); err != nil {
		return fmt.Errorf("metrics: push to %s: %w", p.gatewayURL, err)
	}
	return nil
}

var _ Recorder = (*Prometheus)(nil)
