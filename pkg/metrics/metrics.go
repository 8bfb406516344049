package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Publish metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_events_published_total",
			Help: "Total number of events accepted by the delivery substrate by event type",
		},
		[]string{"type"},
	)

	PublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_publish_failures_total",
			Help: "Total number of failed publish calls by reason",
		},
		[]string{"reason"},
	)

	PublishNoops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_publish_noops_total",
			Help: "Total number of publish calls skipped because the recipient set was empty",
		},
	)

	PublishLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parley_publish_latency_seconds",
			Help:    "Time taken to hand an event to the delivery substrate in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PublishAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parley_publish_attempts",
			Help:    "Number of substrate attempts per publish call",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		},
	)

	RecipientSetSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parley_recipient_set_size",
			Help:    "Number of recipients per published event",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	ObserverDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_observer_drops_total",
			Help: "Total number of publish observations dropped because the observer was saturated",
		},
	)

	// Queue metrics
	QueuesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_event_queues_total",
			Help: "Number of registered client event queues",
		},
	)

	LongPollWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_long_poll_waiters",
			Help: "Number of long-poll requests currently waiting for events",
		},
	)

	EventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_events_delivered_total",
			Help: "Total number of events pushed onto client queues by event type",
		},
		[]string{"type"},
	)

	DuplicateNotices = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_duplicate_notices_total",
			Help: "Total number of notices ignored because they were already fanned out",
		},
	)

	QueuesCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_queues_collected_total",
			Help: "Total number of event queues removed by reason",
		},
		[]string{"reason"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(PublishFailures)
	prometheus.MustRegister(PublishNoops)
	prometheus.MustRegister(PublishLatency)
	prometheus.MustRegister(PublishAttempts)
	prometheus.MustRegister(RecipientSetSize)
	prometheus.MustRegister(ObserverDrops)
	prometheus.MustRegister(QueuesTotal)
	prometheus.MustRegister(LongPollWaiters)
	prometheus.MustRegister(EventsDelivered)
	prometheus.MustRegister(DuplicateNotices)
	prometheus.MustRegister(QueuesCollected)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
