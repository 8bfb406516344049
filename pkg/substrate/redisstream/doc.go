/*
Package redisstream carries notices between processes over Redis streams.

Producer is a publisher.Substrate: web workers and background jobs that
publish events but hold no client queues append notices with XADD. Each
realm maps to one of a fixed number of shard streams,

	<stream_prefix>:<realm_id % shards>

so all notices of a realm sit in one stream in publish order.

Consumer runs inside the event server. It reads its shards through a
consumer group and acknowledges an entry only after the queue registry
accepted it. Entries it read but never acknowledged, for instance because
the server crashed, are read again first on the next start. The registry
drops notices it already fanned out, so redelivery does not duplicate
events on client queues.
*/
package redisstream
