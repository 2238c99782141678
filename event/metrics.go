package event

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MustRegisterMetrics will register all event related metrics on the given registry.
// If metrics with the same name already exist on the registry this function will panic.
func MustRegisterMetrics(registry *prometheus.Registry) {
	registry.MustRegister(publishMsgBodySize, publishDuration, publishCounter)
}

// publishSampler starts timing a publish, the returned function samples it.
func publishSampler() func(name string, bodySize int, err error) {
	start := time.Now()
	return func(name string, bodySize int, err error) {
		samplePublish(name, time.Since(start), bodySize, err)
	}
}

func samplePublish(name string, elapsed time.Duration, bodySize int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := prometheus.Labels{
		"status": status,
		"name":   name,
	}
	publishMsgBodySize.With(labels).Observe(float64(bodySize))
	publishDuration.With(labels).Observe(elapsed.Seconds())
	publishCounter.With(labels).Inc()
}

var (
	// GCP max message size is 10mb
	bodySizeBuckets    = prometheus.ExponentialBucketsRange(256, 1024*1024*10, 30)
	publishMsgBodySize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_publish_msg_body_size_bytes",
			Help:    "Size in bytes of published event message body",
			Buckets: bodySizeBuckets,
		},
		[]string{"status", "name"},
	)
	publishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "event_publish_duration_seconds",
			Help: "Duration of event publish",
			// publish times are small since they measure only communication with broker.
			Buckets: []float64{
				.1, .2, .3, .4, .5, .6, .7, .8, .9, 1,
				2, 3, 4, 5, 10, 15, 20, 30,
			},
		},
		[]string{"status", "name"},
	)
	publishCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total of published events",
		},
		[]string{"status", "name"},
	)
)
