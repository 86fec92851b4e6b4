package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	EventsTotal          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_events_total", Help: "Ingested events by type and outcome"}, []string{"type", "outcome"})
	SnapshotsDelivered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "book_snapshots_delivered_total", Help: "Snapshots handed to subscriber handlers"})
	SnapshotsDropped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "book_snapshots_dropped_total", Help: "Pending snapshots superseded in a full subscriber queue"})
	SubscriberFaults     = prometheus.NewCounter(prometheus.CounterOpts{Name: "book_subscriber_faults_total", Help: "Subscriber handlers that panicked"})
	SubscribersActive    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "book_subscribers_active", Help: "Currently registered subscribers"})
	ConsolidationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "book_consolidation_seconds", Help: "Time to consolidate one view", Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10)})
	FeedReconnects       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_feed_reconnects_total", Help: "Upstream feed reconnects by source"}, []string{"source"})
	KafkaPublishErrors   = prometheus.NewCounter(prometheus.CounterOpts{Name: "book_kafka_publish_errors_total", Help: "Snapshots that failed to publish"})
)

// Event outcomes used as the outcome label of EventsTotal.
const (
	OutcomeApplied  = "applied"
	OutcomeDropped  = "dropped"
	OutcomeRejected = "rejected"
)

func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		EventsTotal, SnapshotsDelivered, SnapshotsDropped, SubscriberFaults,
		SubscribersActive, ConsolidationSeconds, FeedReconnects, KafkaPublishErrors,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		_ = reg.Register(c)
	}
	logger.Info().Msg("prometheus metrics initialized")
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
