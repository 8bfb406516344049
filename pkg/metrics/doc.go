/*
Package metrics provides Prometheus metrics and health reporting for parley.

All collectors are package-level variables registered with the default
registry in init, so any package can update them without wiring. The
/metrics endpoint serves them through Handler.

# Metrics Catalog

Publish path:

	parley_events_published_total{type}     counter   events accepted by the substrate
	parley_publish_failures_total{reason}   counter   invalid_realm, invalid_event, substrate_unavailable, canceled
	parley_publish_noops_total              counter   publishes skipped for an empty recipient set
	parley_publish_latency_seconds          histogram time to hand an event to the substrate
	parley_publish_attempts                 histogram substrate attempts per publish
	parley_recipient_set_size               histogram recipients per event
	parley_observer_drops_total             counter   observations dropped by a saturated observer

Queue side:

	parley_event_queues_total               gauge     registered client queues
	parley_long_poll_waiters                gauge     long-polls currently parked
	parley_events_delivered_total{type}     counter   events pushed onto client queues
	parley_duplicate_notices_total          counter   redelivered notices ignored
	parley_queues_collected_total{reason}   counter   queues removed (idle, full, deleted)

API:

	parley_api_requests_total{route,status} counter   HTTP requests served
	parley_api_request_duration_seconds{route} histogram HTTP request latency

Gauges that are cheaper to sample than to maintain are filled by Collector.

# Health

The health checker tracks the last reported state of named components.
raft, queue and substrate are critical: if any of them is unhealthy the
server reports unhealthy on /health and not_ready on /ready. Other
components only degrade /health.

	metrics.RegisterComponent(metrics.ComponentSubstrate, false, err.Error())

# Timer

	timer := metrics.NewTimer()
	err := substrate.Enqueue(ctx, notice)
	timer.ObserveDuration(metrics.PublishLatency)
*/
package metrics
