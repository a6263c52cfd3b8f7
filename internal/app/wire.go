// Package app assembles the components both binaries share from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Cypherspark/operator-dispatch/internal/config"
	"github.com/Cypherspark/operator-dispatch/internal/dispatch"
	"github.com/Cypherspark/operator-dispatch/internal/events"
	"github.com/Cypherspark/operator-dispatch/internal/gateway"
	"github.com/Cypherspark/operator-dispatch/internal/lock"
	"github.com/Cypherspark/operator-dispatch/internal/worker"
)

// Job names double as lock names.
const (
	WelcomeJob  = "welcome-job"
	ReminderJob = "reminder-job"
	StaleJob    = "stale-pending-job"
)

// OpenRedis connects when REDIS_ADDR is set and returns nil otherwise.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func NewLocks(cfg config.LockConfig, pool *pgxpool.Pool, rdb *redis.Client, owner string) (lock.Provider, error) {
	switch cfg.Backend {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis lock backend without redis connection")
		}
		return lock.NewRedis(rdb, owner), nil
	case "postgres", "":
		return lock.NewPostgres(pool, owner), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

// NewGateway returns the HTTP client, or the dummy gateway when no base URL is configured.
func NewGateway(cfg config.GatewayConfig, log zerolog.Logger) gateway.Gateway {
	if cfg.Dummy() {
		log.Warn().Msg("GATEWAY_BASE_URL not set; using dummy gateway")
		return gateway.NewDummy()
	}
	return gateway.NewClient(gateway.Config{
		BaseURL:  cfg.BaseURL,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.Timeout,
		QPS:      cfg.QPS,
		Burst:    cfg.Burst,
	}, gateway.NewTokenCache(), log)
}

func OpenBus(cfg config.Config, rdb *redis.Client, consumer string, log zerolog.Logger) (events.Bus, error) {
	switch cfg.Bus.Kind {
	case "memory", "":
		b := events.NewMemory(log)
		b.Declare(cfg.Bus.Topic, cfg.Bus.Group)
		return b, nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis bus without redis connection")
		}
		b := events.NewRedisStreams(rdb, consumer, log)
		if cfg.Bus.ClaimIdle > 0 {
			b.ClaimIdle = cfg.Bus.ClaimIdle
		}
		return b, nil
	case "amqp":
		b, err := events.DialAMQP(cfg.AMQP.URL, log)
		if err != nil {
			return nil, err
		}
		b.Prefetch = cfg.AMQP.Prefetch
		return b, nil
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Bus.Kind)
	}
}

// RegisterJobs adds the enabled jobs to s. In event mode the welcome job only announces.
func RegisterJobs(s *worker.Scheduler, cfg config.Config, jobs *dispatch.Jobs) error {
	welcome := jobs.Welcome
	if cfg.Dispatch.WelcomeMode == config.WelcomeEvent {
		welcome = jobs.AnnounceWelcome
	}
	defs := []struct {
		name string
		cfg  config.JobConfig
		run  worker.JobFunc
	}{
		{WelcomeJob, cfg.Jobs.Welcome(), welcome},
		{ReminderJob, cfg.Jobs.Reminder(), jobs.Reminder},
		{StaleJob, cfg.Jobs.Stale(), jobs.ReclaimStale},
	}
	for _, d := range defs {
		if !d.cfg.Enabled {
			continue
		}
		err := s.Add(worker.Job{
			Name:    d.name,
			Every:   d.cfg.Every,
			Cron:    d.cfg.Cron,
			MinHold: d.cfg.MinHold,
			MaxHold: d.cfg.MaxHold,
			Run:     d.run,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
