package publisher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/parleychat/parley/pkg/events"
	"github.com/parleychat/parley/pkg/metrics"
	"github.com/rs/zerolog"
)

// Stats describes one finished publish call
type Stats struct {
	NoticeID   uuid.UUID
	RealmID    int64
	Type       events.Type
	Recipients int
	Attempts   int
	Latency    time.Duration
	Enqueued   bool
	Err        error
}

// Observer receives publish stats. Observe is called on the publishing
// goroutine and must not block.
type Observer interface {
	Observe(Stats)
}

type nopObserver struct{}

func (nopObserver) Observe(Stats) {}

// Sink consumes stats off the Async observer's goroutine
type Sink func(Stats)

// Async buffers stats in a bounded channel and hands them to its sinks on
// a separate goroutine. When the buffer is full the stats are dropped and
// counted; publishing never waits on an observer.
type Async struct {
	ch      chan Stats
	sinks   []Sink
	dropped atomic.Uint64
}

// NewAsync creates an observer with room for buffer pending stats
func NewAsync(buffer int, sinks ...Sink) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Async{
		ch:    make(chan Stats, buffer),
		sinks: sinks,
	}
}

// Observe queues s for the sinks, or drops it if the buffer is full
func (a *Async) Observe(s Stats) {
	select {
	case a.ch <- s:
	default:
		a.dropped.Add(1)
		metrics.ObserverDrops.Inc()
	}
}

// Dropped returns the number of stats discarded so far
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Run feeds queued stats to the sinks until ctx is done, then drains what
// is already buffered
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case s := <-a.ch:
			a.dispatch(s)
		case <-ctx.Done():
			for {
				select {
				case s := <-a.ch:
					a.dispatch(s)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) dispatch(s Stats) {
	for _, sink := range a.sinks {
		sink(s)
	}
}

// RecordMetrics is a Sink updating the publish metrics
func RecordMetrics(s Stats) {
	switch {
	case s.Err != nil:
		metrics.PublishFailures.WithLabelValues(failureReason(s.Err)).Inc()
		if s.Attempts > 0 {
			metrics.PublishAttempts.Observe(float64(s.Attempts))
		}
	case !s.Enqueued:
		metrics.PublishNoops.Inc()
	default:
		metrics.EventsPublished.WithLabelValues(string(s.Type)).Inc()
		metrics.PublishLatency.Observe(s.Latency.Seconds())
		metrics.PublishAttempts.Observe(float64(s.Attempts))
		metrics.RecipientSetSize.Observe(float64(s.Recipients))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRealm):
		return "invalid_realm"
	case errors.Is(err, ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrSubstrateUnavailable):
		return "substrate_unavailable"
	default:
		return "unknown"
	}
}

// AuditLog returns a Sink writing one line per publish call
func AuditLog(logger zerolog.Logger) Sink {
	return func(s Stats) {
		var ev *zerolog.Event
		switch {
		case s.Err != nil:
			ev = logger.Warn().Err(s.Err)
		case !s.Enqueued:
			ev = logger.Debug().Bool("noop", true)
		default:
			ev = logger.Debug()
		}
		if s.NoticeID != uuid.Nil {
			ev = ev.Str("notice_id", s.NoticeID.String())
		}
		ev.Int64("realm_id", s.RealmID).
			Str("type", string(s.Type)).
			Int("recipients", s.Recipients).
			Int("attempts", s.Attempts).
			Dur("latency", s.Latency).
			Msg("publish")
	}
}
