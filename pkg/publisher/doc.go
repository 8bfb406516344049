/*
Package publisher is the single path by which events leave a domain action
and enter a delivery substrate.

	pub := publisher.New(substrate, cfg.Publisher,
		publisher.WithObserver(publisher.NewAsync(1024, publisher.RecordMetrics)))

	receipt, err := pub.Publish(ctx, realmID, event, recipientSet)

Publish guarantees:

  - Caller errors (bad realm id, invalid event) are returned before any I/O.
  - An empty recipient set is a no-op: Receipt.Enqueued is false and the
    substrate is never contacted.
  - Events for one realm enter the substrate one at a time and in call
    order. A publish that is retrying holds the realm, so a later event
    cannot overtake it.
  - Substrate failures are retried with capped exponential backoff and
    jitter, each attempt bounded by a timeout. When attempts run out the
    error wraps ErrSubstrateUnavailable. Nothing is dropped silently.

Each published Notice gets a fresh UUID that survives substrate
redelivery; consumers use it to fan a notice out only once.

Observers see one Stats value per call. Async puts them on a bounded
channel and drops (and counts) what does not fit, so observation never
slows or reorders publishing.
*/
package publisher
