package batch

import (
	"errors"
	"time"

	"github.com/birdie-ai/sfupdate/update"
	"github.com/prometheus/client_golang/prometheus"
)

// MustRegisterMetrics will register all batch related metrics on the given registry.
// If metrics with the same name already exist on the registry this function will panic.
func MustRegisterMetrics(registry *prometheus.Registry) {
	registry.MustRegister(executeDuration, executeCounter, rowsAffectedCounter, conflictCounter)
}

func sampleExecute(b Batch, elapsed time.Duration, res Result, err error) {
	labels := prometheus.Labels{
		"status": status(err),
		"kind":   string(b.Kind()),
	}
	executeDuration.With(labels).Observe(elapsed.Seconds())
	executeCounter.With(labels).Inc()
	rowsAffectedCounter.With(prometheus.Labels{"kind": string(b.Kind())}).Add(float64(res.RowsAffected))
}

func sampleConflict(table string) {
	conflictCounter.With(prometheus.Labels{"table": table}).Inc()
}

func status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, update.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, update.ErrCancelled):
		return "cancelled"
	case errors.Is(err, update.ErrProtocolViolation):
		return "violation"
	default:
		return "error"
	}
}

var (
	executeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "sfupdate_batch_execute_duration_seconds",
			Help: "Duration of batch execution, from query to consumed response",
			Buckets: []float64{
				.01, .025, .05, .1, .2, .3, .4, .5, .75, 1,
				2, 3, 4, 5, 10, 15, 20, 30, 60,
			},
		},
		[]string{"status", "kind"},
	)
	executeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfupdate_batch_execute_total",
			Help: "Total of executed batches",
		},
		[]string{"status", "kind"},
	)
	rowsAffectedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfupdate_batch_rows_affected_total",
			Help: "Total of verified rows affected",
		},
		[]string{"kind"},
	)
	conflictCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfupdate_batch_conflicts_total",
			Help: "Total of concurrency conflicts detected",
		},
		[]string{"table"},
	)
)
