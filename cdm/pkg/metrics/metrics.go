package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	ResultApplied = "applied"
	ResultSkipped = "skipped"

	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "omop_loader_build_info",
			Help: "Build information of the OMOP CDM loader",
		},
		[]string{"version", "commit", "date"},
	)

	StageRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omop_loader_stage_runs_total",
			Help: "Total number of stage executions",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omop_loader_stage_duration_seconds",
			Help:    "Duration of stage executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 0.01s to ~43 minutes
		},
		[]string{"stage"},
	)

	ObjectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omop_loader_objects_total",
			Help: "Total number of schema objects considered, by outcome",
		},
		[]string{"stage", "result"},
	)

	RowsLoadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omop_loader_rows_loaded_total",
			Help: "Total number of rows copied into tables",
		},
		[]string{"table"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omop_loader_runs_total",
			Help: "Total number of loader runs",
		},
		[]string{"action", "status"},
	)
)

// Push sends everything registered with the default registry to the
// Pushgateway at url under job.
func Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
