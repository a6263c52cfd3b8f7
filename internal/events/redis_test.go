package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/operator-dispatch/internal/core"
)

func newStreams(t *testing.T, consumer string) (*RedisStreams, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedisStreams(client, consumer, zerolog.Nop())
	b.Block = 50 * time.Millisecond
	return b, mr
}

func TestRedisStreams_DeliversAndAcks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus, _ := newStreams(t, "worker-1")

	got := make(chan Event, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Subscribe(ctx, TopicOperatorDetected, "welcome", func(_ context.Context, ev Event) error {
			got <- ev
			return nil
		})
	}()

	ev := NewEvent(operator, core.CampaignWelcome, core.WelcomeInstance, time.Now())
	require.Eventually(t, func() bool {
		return bus.Client.Exists(ctx, bus.stream(TopicOperatorDetected)).Val() == 1
	}, time.Second, 10*time.Millisecond, "group created with stream")
	require.NoError(t, bus.Publish(ctx, TopicOperatorDetected, ev))

	select {
	case e := <-got:
		require.Equal(t, ev.ID, e.ID)
		require.Equal(t, operator.Phone, e.Phone)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	require.Eventually(t, func() bool {
		p, err := bus.Client.XPending(ctx, bus.stream(TopicOperatorDetected), "welcome").Result()
		return err == nil && p.Count == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRedisStreams_FailedEntryIsReclaimed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus, _ := newStreams(t, "worker-1")
	bus.ClaimIdle = 100 * time.Millisecond

	var attempts atomic.Int32
	delivered := make(chan struct{})
	go func() {
		_ = bus.Subscribe(ctx, TopicOperatorDetected, "welcome", func(context.Context, Event) error {
			if attempts.Add(1) == 1 {
				return errors.New("transient")
			}
			close(delivered)
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return bus.Client.Exists(ctx, bus.stream(TopicOperatorDetected)).Val() == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, bus.Publish(ctx, TopicOperatorDetected, NewEvent(operator, core.CampaignWelcome, core.WelcomeInstance, time.Now())))

	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("entry was not reclaimed")
	}
	require.EqualValues(t, 2, attempts.Load())
}

func TestRedisStreams_GroupCreationIsIdempotent(t *testing.T) {
	bus, _ := newStreams(t, "w")
	ctx := context.Background()
	require.NoError(t, bus.ensureGroup(ctx, "stream:x", "g"))
	require.NoError(t, bus.ensureGroup(ctx, "stream:x", "g"))
}

func TestRedisStreams_UndecodableEntryIsAcked(t *testing.T) {
	ctx := context.Background()
	bus, _ := newStreams(t, "w")
	stream := bus.stream("t")
	require.NoError(t, bus.ensureGroup(ctx, stream, "g"))
	require.NoError(t, bus.Client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{streamField: "garbage"}}).Err())

	res, err := bus.Client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: "g", Consumer: "w", Streams: []string{stream, ">"}, Count: 1, Block: -1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, res[0].Messages, 1)

	var calls int
	bus.handle(ctx, stream, "g", res[0].Messages[0], func(context.Context, Event) error { calls++; return nil })

	p, err := bus.Client.XPending(ctx, stream, "g").Result()
	require.NoError(t, err)
	require.Zero(t, p.Count)
	require.Zero(t, calls)
}
