package publisher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parleychat/parley/pkg/config"
	"github.com/parleychat/parley/pkg/events"
	"github.com/parleychat/parley/pkg/log"
	"github.com/parleychat/parley/pkg/recipients"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidRealm is returned for a realm id the publisher can never accept
	ErrInvalidRealm = errors.New("invalid realm")
	// ErrInvalidEvent is returned for an event that fails validation
	ErrInvalidEvent = errors.New("invalid event")
	// ErrSubstrateUnavailable is returned once every attempt to enqueue failed
	ErrSubstrateUnavailable = errors.New("delivery substrate unavailable")
)

// Substrate accepts notices for delivery. Enqueue returns once the notice is
// durable enough that a connected client will eventually observe it; it must
// not wait for a client to read it.
type Substrate interface {
	Enqueue(ctx context.Context, n Notice) error
}

// Receipt is the result of a publish call
type Receipt struct {
	// Enqueued is false when the recipient set was empty and nothing was sent
	Enqueued   bool
	NoticeID   uuid.UUID
	Attempts   int
	Recipients int
}

// Publisher hands events to a delivery substrate. It is safe for concurrent
// use. Publishes for one realm enter the substrate one at a time, in the
// order their calls acquired the realm; different realms do not contend.
type Publisher struct {
	substrate Substrate
	cfg       config.PublisherConfig
	observer  Observer
	logger    zerolog.Logger

	mu    sync.Mutex
	locks map[int64]*realmLock

	sleep func(ctx context.Context, d time.Duration) error
}

type realmLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Publisher
type Option func(*Publisher)

// WithObserver receives stats for every publish call
func WithObserver(o Observer) Option {
	return func(p *Publisher) { p.observer = o }
}

// New creates a publisher over substrate
func New(substrate Substrate, cfg config.PublisherConfig, opts ...Option) *Publisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	p := &Publisher{
		substrate: substrate,
		cfg:       cfg,
		observer:  nopObserver{},
		logger:    log.WithComponent("publisher"),
		locks:     make(map[int64]*realmLock),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish enqueues event for every user in to. Caller errors are reported
// before any I/O. An empty recipient set returns a receipt with Enqueued
// false without contacting the substrate. If the substrate keeps failing
// the error wraps ErrSubstrateUnavailable; the event is never dropped
// silently.
func (p *Publisher) Publish(ctx context.Context, realmID int64, event events.Event, to recipients.Set) (Receipt, error) {
	start := time.Now()
	stats := Stats{RealmID: realmID, Type: event.Type(), Recipients: to.Len()}

	if err := p.validate(realmID, event); err != nil {
		stats.Err = err
		stats.Latency = time.Since(start)
		p.observer.Observe(stats)
		return Receipt{}, err
	}

	if to.IsEmpty() {
		stats.Latency = time.Since(start)
		p.observer.Observe(stats)
		return Receipt{Enqueued: false}, nil
	}

	notice := Notice{
		ID:          uuid.New(),
		RealmID:     realmID,
		Event:       event,
		Users:       to.IDs(),
		PublishedAt: start.UTC(),
	}
	stats.NoticeID = notice.ID

	unlock := p.lockRealm(realmID)
	attempts, err := p.enqueue(ctx, notice)
	unlock()

	stats.Attempts = attempts
	stats.Latency = time.Since(start)
	stats.Err = err
	stats.Enqueued = err == nil
	p.observer.Observe(stats)

	receipt := Receipt{
		Enqueued:   err == nil,
		NoticeID:   notice.ID,
		Attempts:   attempts,
		Recipients: to.Len(),
	}
	if err != nil {
		p.logger.Error().
			Err(err).
			Int64("realm_id", realmID).
			Str("type", string(event.Type())).
			Str("notice_id", notice.ID.String()).
			Int("attempts", attempts).
			Msg("Failed to publish event")
		return receipt, err
	}
	return receipt, nil
}

func (p *Publisher) validate(realmID int64, event events.Event) error {
	if realmID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRealm, realmID)
	}
	if event.IsZero() {
		return fmt.Errorf("%w: zero event", ErrInvalidEvent)
	}
	if event.RealmID() != realmID {
		return fmt.Errorf("%w: event belongs to realm %d, published for %d", ErrInvalidEvent, event.RealmID(), realmID)
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// enqueue tries the substrate up to MaxAttempts times. The realm lock is
// held throughout, so a later event for the realm cannot overtake one that
// is still being retried.
func (p *Publisher) enqueue(ctx context.Context, n Notice) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, fmt.Errorf("%w: %w", ErrSubstrateUnavailable, err)
		}

		lastErr = p.attempt(ctx, n)
		if lastErr == nil {
			return attempt, nil
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}

		delay := backoff(attempt, p.cfg.RetryInitial, p.cfg.RetryMax)
		p.logger.Warn().
			Err(lastErr).
			Int64("realm_id", n.RealmID).
			Str("notice_id", n.ID.String()).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Substrate rejected event, retrying")

		if err := p.sleep(ctx, delay); err != nil {
			return attempt, fmt.Errorf("%w: %w", ErrSubstrateUnavailable, err)
		}
	}
	return p.cfg.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrSubstrateUnavailable, p.cfg.MaxAttempts, lastErr)
}

func (p *Publisher) attempt(ctx context.Context, n Notice) error {
	if p.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		defer cancel()
	}
	return p.substrate.Enqueue(ctx, n)
}

func (p *Publisher) lockRealm(realmID int64) func() {
	p.mu.Lock()
	l, ok := p.locks[realmID]
	if !ok {
		l = &realmLock{}
		p.locks[realmID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, realmID)
		}
		p.mu.Unlock()
	}
}

// backoff returns the delay before retry number attempt: exponential from
// initial with +/-20% jitter, never above ceiling.
func backoff(attempt int, initial, ceiling time.Duration) time.Duration {
	if initial <= 0 {
		initial = 50 * time.Millisecond
	}
	if ceiling < initial {
		ceiling = initial
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(ceiling) {
		d = float64(ceiling)
	}
	jitter := 0.2 * d
	d += (rand.Float64() - 0.5) * 2 * jitter
	if d > float64(ceiling) {
		d = float64(ceiling)
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
