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
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		exitCode = 2
		return
	}
	log := logging.New(cfg.Log, "worker")
	if cfg.Bus.Kind == "memory" {
		log.Error().Msg("BUS_KIND=memory cannot reach a separate worker process; use redis or amqp")
		exitCode = 2
		return
	}
	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("worker exited")
		exitCode = 1
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

	bus, err := app.OpenBus(cfg, rdb, lock.InstanceID(), log)
	if err != nil {
		return err
	}
	defer bus.Close()

	gw := app.NewGateway(cfg.Gateway, log)
	deliverer := dispatch.NewDeliverer(gw, store, store, dispatch.Templates{
		Welcome:  cfg.Dispatch.WelcomeTemplate,
		Reminder: cfg.Dispatch.ReminderTemplate,
	}, log)
	consumer := events.NewConsumer(store, deliverer, cfg.Bus.Topic, log)

	// ---- Healthz / metrics ----
	server := &http.Server{
		Addr:              cfg.Consumer.Address,
		Handler:           httpapi.NewServer(nil, nil, database.Pool, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server")
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	// ---- Consumer ----
	err = worker.RunConsumer(rootCtx, bus, consumer.Handle, worker.ConsumerOptions{
		Topic:          cfg.Bus.Topic,
		Group:          cfg.Bus.Group,
		Concurrency:    cfg.Consumer.Concurrency,
		HandlerTimeout: cfg.Consumer.HandlerTimeout,
		BackoffMin:     cfg.Consumer.BackoffMin,
		BackoffMax:     cfg.Consumer.BackoffMax,
	}, log)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
