/*
Package health probes the external dependencies of a Parley server and
reports them as component health in pkg/metrics.

A Checker performs one probe: RedisChecker sends PING to the Redis server
behind the stream substrate or the idempotency guard, HTTPChecker calls the
/livez route of the remote event server behind the http substrate. A Monitor
runs a checker on an interval, debounces failures through Status (a
dependency turns unhealthy after Config.Retries consecutive failures and
recovers on the first success), and updates the component, which in turn
drives /ready and the gRPC health service.

	mon := health.NewMonitor(metrics.ComponentSubstrate,
		health.NewRedisChecker(rdb), health.DefaultConfig())
	go mon.Run(ctx)
*/
package health
