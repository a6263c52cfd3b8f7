package worker

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cypherspark/operator-dispatch/internal/events"
)

type ConsumerOptions struct {
	Topic          string
	Group          string
	Concurrency    int           // number of subscriber goroutines
	HandlerTimeout time.Duration // per-event timeout
	BackoffMin     time.Duration
	BackoffMax     time.Duration
}

// RunConsumer subscribes Concurrency handlers to the topic and resubscribes with exponential
// backoff whenever a subscription ends with an error. It returns when ctx is cancelled.
func RunConsumer(ctx context.Context, sub events.Subscriber, h events.Handler, opt ConsumerOptions, log zerolog.Logger) error {
	if opt.Concurrency <= 0 {
		opt.Concurrency = 1
	}
	log = log.With().Str("component", "consumer").Str("topic", opt.Topic).Str("group", opt.Group).Logger()
	handler := withTimeout(h, opt.HandlerTimeout)

	var wg sync.WaitGroup
	wg.Add(opt.Concurrency)
	for i := 0; i < opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			backoff := opt.BackoffMin
			for ctx.Err() == nil {
				err := sub.Subscribe(ctx, opt.Topic, opt.Group, handler)
				if ctx.Err() != nil {
					return
				}
				// exponential + jitter
				sleep := jitter(backoff, 0.20)
				log.Error().Err(err).Dur("backoff", sleep).Msg("subscription ended")
				select {
				case <-ctx.Done():
				case <-time.After(sleep):
				}
				backoff = minDur(opt.BackoffMax, time.Duration(float64(backoff)*1.6))
			}
		}()
	}
	log.Info().Int("concurrency", opt.Concurrency).Msg("consumer running")
	wg.Wait()
	return ctx.Err()
}

func withTimeout(h events.Handler, d time.Duration) events.Handler {
	if d <= 0 {
		return h
	}
	return func(ctx context.Context, ev events.Event) error {
		cctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return h(cctx, ev)
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
