package client

import (
	"context"
	"math/rand"
	"time"

	"github.com/parleychat/parley/pkg/log"
	"github.com/parleychat/parley/pkg/queue"
)

// Handler receives each event of a tailed queue in order. An error stops
// the tail without confirming the event.
type Handler func(ev queue.QueuedEvent) error

// ResyncHandler is called with the fresh registration whenever the tail
// (re-)registers, so the caller can reload its initial state
type ResyncHandler func(reg *Registration) error

// Tail registers a queue and long-polls it until ctx ends, re-registering
// when the server drops the queue and backing off on transient failures
func (c *Client) Tail(ctx context.Context, opts RegisterOptions, onResync ResyncHandler, handle Handler) error {
	logger := log.WithComponent("tail")

	var reg *Registration
	lastEventID := int64(-1)
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			if reg != nil {
				_ = c.DeleteQueue(context.Background(), reg.QueueID)
			}
			return nil
		}

		if reg == nil {
			r, err := c.Register(ctx, opts)
			if err != nil {
				failures++
				logger.Warn().Err(err).Int("failures", failures).Msg("Failed to register event queue")
				sleep(ctx, retryDelay(failures))
				continue
			}
			if onResync != nil {
				if err := onResync(r); err != nil {
					_ = c.DeleteQueue(context.Background(), r.QueueID)
					return err
				}
			}
			reg = r
			lastEventID = r.LastEventID
			failures = 0
			logger.Info().Str("queue_id", reg.QueueID).Msg("Registered event queue")
		}

		evs, err := c.GetEvents(ctx, reg.QueueID, lastEventID, false)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if IsBadQueue(err) {
				logger.Warn().Str("queue_id", reg.QueueID).Msg("Event queue expired, registering again")
				reg = nil
				continue
			}
			failures++
			logger.Warn().Err(err).Int("failures", failures).Msg("Failed to poll event queue")
			sleep(ctx, retryDelay(failures))
			continue
		}
		failures = 0

		for _, ev := range evs {
			if err := handle(ev); err != nil {
				return err
			}
			lastEventID = ev.ID
		}
	}
}

// retryDelay is exponential with full jitter, capped at 30s
func retryDelay(failures int) time.Duration {
	d := 500 * time.Millisecond
	for i := 1; i < failures && d < 30*time.Second; i++ {
		d *= 2
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
