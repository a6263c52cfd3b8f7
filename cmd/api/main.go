package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cypherspark/operator-dispatch/internal/app"
	"github.com/Cypherspark/operator-dispatch/internal/config"
	"github.com/Cypherspark/operator-dispatch/internal/core"
	"github.com/Cypherspark/operator-dispatch/internal/db"
	"github.com/Cypherspark/operator-dispatch/internal/dispatch"
	"github.com/Cypherspark/operator-dispatch/internal/events"
	httpapi "github.com/Cypherspark/operator-dispatch/internal/http"
	"github.com/Cypherspark/operator-dispatch/internal/lock"
	"github.com/Cypherspark/operator-dispatch/internal/logging"
	"github.com/Cypherspark/operator-dispatch/internal/metrics"
	"github.com/Cypherspark/operator-dispatch/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := logging.New(cfg.Log, "api")
	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	database, err := db.Open(rootCtx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer database.Close()
	if cfg.Database.Migrate {
		if err := database.Migrate(rootCtx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	store := &core.Store{DB: database.Pool}

	metrics.MustRegister()
	go metrics.NewPGXPoolStats(database.Pool).Start(15*time.Second, rootCtx.Done())

	rdb, err := app.OpenRedis(rootCtx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	instance := lock.InstanceID()
	locks, err := app.NewLocks(cfg.Lock, database.Pool, rdb, instance)
	if err != nil {
		return err
	}
	loc, err := cfg.Jobs.Location()
	if err != nil {
		return err
	}

	// ---- Dispatch ----
	gw := app.NewGateway(cfg.Gateway, log)
	deliverer := dispatch.NewDeliverer(gw, store, store, dispatch.Templates{
		Welcome:  cfg.Dispatch.WelcomeTemplate,
		Reminder: cfg.Dispatch.ReminderTemplate,
	}, log)

	var producer *events.Producer
	if cfg.Dispatch.WelcomeMode == config.WelcomeEvent {
		bus, err := app.OpenBus(cfg, rdb, instance, log)
		if err != nil {
			return err
		}
		defer bus.Close()
		producer = events.NewProducer(store, bus, cfg.Bus.Topic, log)

		// the in-process bus only reaches consumers in this process
		if _, inProcess := bus.(*events.Memory); inProcess {
			consumer := events.NewConsumer(store, deliverer, cfg.Bus.Topic, log)
			go func() {
				_ = worker.RunConsumer(rootCtx, bus, consumer.Handle, consumerOptions(cfg), log)
			}()
		}
	}

	jobs := dispatch.NewJobs(store, store, deliverer, producer, core.Criteria{Classification: cfg.Dispatch.Classification}, loc, log)
	jobs.StaleAfter = cfg.Jobs.StalePendingAfter

	// ---- Scheduler ----
	sched := worker.NewScheduler(locks, loc, log)
	if err := app.RegisterJobs(sched, cfg, jobs); err != nil {
		return err
	}
	sched.Start(rootCtx)

	// ---- HTTP server ----
	srv := httpapi.NewServer(sched, store, database.Pool, log)
	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("instance", instance).Msg("HTTP listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serveErr:
		cancel()
		<-sched.Stop().Done()
		return fmt.Errorf("server: %w", err)
	}

	// ---- Graceful shutdown ----
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("jobs still running at shutdown; their locks will expire")
	}
	return nil
}

func consumerOptions(cfg config.Config) worker.ConsumerOptions {
	return worker.ConsumerOptions{
		Topic:          cfg.Bus.Topic,
		Group:          cfg.Bus.Group,
		Concurrency:    cfg.Consumer.Concurrency,
		HandlerTimeout: cfg.Consumer.HandlerTimeout,
		BackoffMin:     cfg.Consumer.BackoffMin,
		BackoffMax:     cfg.Consumer.BackoffMax,
	}
}
