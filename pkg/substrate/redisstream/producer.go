package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parleychat/parley/pkg/config"
	"github.com/parleychat/parley/pkg/publisher"
	"github.com/redis/go-redis/v9"
)

// noticeField is the stream entry field holding the encoded notice
const noticeField = "notice"

// StreamName returns the stream carrying realmID's notices. A realm always
// maps to the same shard, so its notices keep their publish order.
func StreamName(prefix string, shards int, realmID int64) string {
	if shards <= 0 {
		shards = 1
	}
	return fmt.Sprintf("%s:%d", prefix, realmID%int64(shards))
}

// ErrStreamFull is returned when a shard stream holds max_len entries
// that consumers have not caught up with. Nothing is evicted to make room.
var ErrStreamFull = errors.New("notice stream is full")

// boundedAdd appends to the stream only while it is below the cap
var boundedAdd = redis.NewScript(`
if redis.call('XLEN', KEYS[1]) >= tonumber(ARGV[1]) then
	return false
end
return redis.call('XADD', KEYS[1], '*', ARGV[2], ARGV[3])
`)

// Producer appends notices to Redis streams. It implements
// publisher.Substrate for processes that publish but do not hold queues.
type Producer struct {
	client redis.UniversalClient
	prefix string
	shards int
	maxLen int64
}

// NewProducer creates a producer on client
func NewProducer(client redis.UniversalClient, cfg config.RedisConfig) *Producer {
	return &Producer{
		client: client,
		prefix: cfg.StreamPrefix,
		shards: cfg.Shards,
		maxLen: cfg.MaxLen,
	}
}

// Enqueue appends n to its realm's stream. Once it returns nil the notice
// is held by Redis until every consumer group acknowledged it; a capped
// stream that is full fails with ErrStreamFull so the publisher retries.
func (p *Producer) Enqueue(ctx context.Context, n publisher.Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}
	stream := StreamName(p.prefix, p.shards, n.RealmID)

	if p.maxLen <= 0 {
		err = p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{noticeField: data},
		}).Err()
	} else {
		err = boundedAdd.Run(ctx, p.client, []string{stream}, p.maxLen, noticeField, data).Err()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s holds %d entries", ErrStreamFull, stream, p.maxLen)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to append notice to %s: %w", stream, err)
	}
	return nil
}
