package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const streamField = "event"

// RedisStreams is a bus on Redis Streams. Each topic is a stream and each group a consumer group.
// An entry is acknowledged only after its handler succeeds; unacknowledged entries are claimed
// again once they have been idle for ClaimIdle.
type RedisStreams struct {
	Client    *redis.Client
	Consumer  string
	Prefix    string
	MaxLen    int64
	Batch     int64
	Block     time.Duration
	ClaimIdle time.Duration

	log zerolog.Logger
}

func NewRedisStreams(client *redis.Client, consumer string, log zerolog.Logger) *RedisStreams {
	return &RedisStreams{
		Client:    client,
		Consumer:  consumer,
		Prefix:    "stream:",
		MaxLen:    100_000,
		Batch:     16,
		Block:     2 * time.Second,
		ClaimIdle: time.Minute,
		log:       log.With().Str("component", "bus.redis").Logger(),
	}
}

func (b *RedisStreams) stream(topic string) string { return b.Prefix + topic }

func (b *RedisStreams) Publish(ctx context.Context, topic string, ev Event) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	return b.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(topic),
		MaxLen: b.MaxLen,
		Approx: true,
		Values: map[string]any{streamField: payload},
	}).Err()
}

func (b *RedisStreams) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	stream := b.stream(topic)
	if err := b.ensureGroup(ctx, stream, group); err != nil {
		return err
	}

	var lastClaim time.Time
	for ctx.Err() == nil {
		if time.Since(lastClaim) >= b.ClaimIdle {
			lastClaim = time.Now()
			if err := b.reclaim(ctx, stream, group, h); err != nil && ctx.Err() == nil {
				b.log.Warn().Err(err).Str("stream", stream).Msg("reclaim failed")
			}
		}

		res, err := b.Client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.Consumer,
			Streams:  []string{stream, ">"},
			Count:    b.Batch,
			Block:    b.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Warn().Err(err).Str("stream", stream).Msg("read failed")
			sleep(ctx, time.Second)
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				b.handle(ctx, stream, group, msg, h)
			}
		}
	}
	return nil
}

func (b *RedisStreams) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.Client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// reclaim takes over entries another consumer (or an earlier attempt) left unacknowledged.
func (b *RedisStreams) reclaim(ctx context.Context, stream, group string, h Handler) error {
	start := "0-0"
	for {
		msgs, next, err := b.Client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: b.Consumer,
			MinIdle:  b.ClaimIdle,
			Start:    start,
			Count:    b.Batch,
		}).Result()
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			b.handle(ctx, stream, group, msg, h)
		}
		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

func (b *RedisStreams) handle(ctx context.Context, stream, group string, msg redis.XMessage, h Handler) {
	raw, _ := msg.Values[streamField].(string)
	ev, err := decode([]byte(raw))
	if err != nil {
		b.log.Error().Err(err).Str("entry", msg.ID).Msg("dropping undecodable entry")
		b.ack(ctx, stream, group, msg.ID)
		return
	}
	if err := h(ctx, ev); err != nil {
		b.log.Warn().Err(err).Str("entry", msg.ID).Str("event_id", ev.ID).Msg("handler failed; entry left pending")
		return
	}
	b.ack(ctx, stream, group, msg.ID)
}

func (b *RedisStreams) ack(ctx context.Context, stream, group, id string) {
	if err := b.Client.XAck(ctx, stream, group, id).Err(); err != nil {
		b.log.Warn().Err(err).Str("entry", id).Msg("ack failed")
	}
}

func (b *RedisStreams) Close() error { return b.Client.Close() }

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
