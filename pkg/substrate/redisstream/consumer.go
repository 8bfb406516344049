package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parleychat/parley/pkg/config"
	"github.com/parleychat/parley/pkg/log"
	"github.com/parleychat/parley/pkg/metrics"
	"github.com/parleychat/parley/pkg/publisher"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Sink receives decoded notices; the queue registry in production
type Sink interface {
	Enqueue(ctx context.Context, n publisher.Notice) error
}

// Consumer reads the owned shard streams through a consumer group and
// hands notices to a sink. An entry is acknowledged only after the sink
// accepted it; unacknowledged entries are read again, so delivery into the
// sink is at-least-once.
type Consumer struct {
	client     redis.UniversalClient
	streams    []string
	group      string
	consumer   string
	block      time.Duration
	batch      int64
	retryDelay time.Duration
	sink       Sink
	logger     zerolog.Logger
}

// NewConsumer creates a consumer for the shards listed in cfg.OwnedShards,
// or every shard when none are listed
func NewConsumer(client redis.UniversalClient, cfg config.RedisConfig, sink Sink) *Consumer {
	shards := cfg.Shards
	if shards <= 0 {
		shards = 1
	}
	owned := cfg.OwnedShards
	if len(owned) == 0 {
		for i := 0; i < shards; i++ {
			owned = append(owned, i)
		}
	}
	streams := make([]string, 0, len(owned))
	for _, shard := range owned {
		streams = append(streams, StreamName(cfg.StreamPrefix, shards, int64(shard)))
	}

	block := cfg.Block
	if block <= 0 {
		block = 2 * time.Second
	}
	return &Consumer{
		client:     client,
		streams:    streams,
		group:      cfg.Group,
		consumer:   cfg.Consumer,
		block:      block,
		batch:      100,
		retryDelay: time.Second,
		sink:       sink,
		logger:     log.WithComponent("redisstream"),
	}
}

// Streams returns the stream names this consumer reads
func (c *Consumer) Streams() []string {
	return append([]string(nil), c.streams...)
}

// Run consumes until ctx ends. Entries left pending by an earlier run of
// this consumer are processed before new ones.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroups(ctx); err != nil {
		return err
	}
	c.logger.Info().Strs("streams", c.streams).Str("group", c.group).Msg("Consuming notices")

	pending := true
	for {
		if ctx.Err() != nil {
			return nil
		}

		id, block := ">", c.block
		if pending {
			id, block = "0", -1
		}

		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  c.streamArgs(id),
			Count:    c.batch,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			metrics.UpdateComponent(metrics.ComponentSubstrate, false, err.Error())
			c.logger.Warn().Err(err).Msg("Failed to read notices, retrying")
			if !c.wait(ctx) {
				return nil
			}
			continue
		}
		metrics.UpdateComponent(metrics.ComponentSubstrate, true, "")

		read := 0
		failed := false
		for _, stream := range res {
			for _, msg := range stream.Messages {
				read++
				if err := c.process(ctx, stream.Stream, msg); err != nil {
					failed = true
					break
				}
			}
			if failed {
				break
			}
		}

		switch {
		case failed:
			// leave the rest pending and start over from the oldest
			pending = true
			if !c.wait(ctx) {
				return nil
			}
		case pending && read == 0:
			pending = false
		}
	}
}

func (c *Consumer) ensureGroups(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group %s on %s: %w", c.group, stream, err)
		}
	}
	return nil
}

func (c *Consumer) streamArgs(id string) []string {
	args := make([]string, 0, 2*len(c.streams))
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, id)
	}
	return args
}

// process hands one entry to the sink and acknowledges it. Entries that
// cannot be decoded are acknowledged and dropped, retrying them can never
// succeed.
func (c *Consumer) process(ctx context.Context, stream string, msg redis.XMessage) error {
	var n publisher.Notice
	raw, ok := msg.Values[noticeField].(string)
	if !ok {
		c.logger.Error().Str("stream", stream).Str("entry", msg.ID).Msg("Dropping stream entry without notice")
		return c.ack(ctx, stream, msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		c.logger.Error().Err(err).Str("stream", stream).Str("entry", msg.ID).Msg("Dropping undecodable notice")
		return c.ack(ctx, stream, msg.ID)
	}

	if err := c.sink.Enqueue(ctx, n); err != nil {
		c.logger.Warn().
			Err(err).
			Str("notice_id", n.ID.String()).
			Str("entry", msg.ID).
			Msg("Sink rejected notice, will redeliver")
		return err
	}
	return c.ack(ctx, stream, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, stream, id string) error {
	if err := c.client.XAck(ctx, stream, c.group, id).Err(); err != nil {
		c.logger.Warn().Err(err).Str("stream", stream).Str("entry", id).Msg("Failed to acknowledge entry")
		return err
	}
	return nil
}

func (c *Consumer) wait(ctx context.Context) bool {
	t := time.NewTimer(c.retryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
