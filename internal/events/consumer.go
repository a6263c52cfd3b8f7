package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Cypherspark/operator-dispatch/internal/core"
	"github.com/Cypherspark/operator-dispatch/internal/metrics"
)

// PendingClaimer finds the PENDING record an event refers to and takes it for delivery.
type PendingClaimer interface {
	FindPending(ctx context.Context, recipientID int64, campaign core.CampaignType, instance string) (core.DispatchRecord, error)
	Claim(ctx context.Context, rec *core.DispatchRecord) error
}

// Deliverer performs the gateway calls for a PENDING record and moves it to a terminal status.
type Deliverer interface {
	Deliver(ctx context.Context, rec *core.DispatchRecord, r core.Recipient) error
}

// Consumer delivers announced dispatches. Duplicate deliveries of an event, concurrent or not,
// find no PENDING record or lose the claim, and do nothing.
type Consumer struct {
	Ledger    PendingClaimer
	Deliverer Deliverer
	Topic     string

	log zerolog.Logger
}

func NewConsumer(ledger PendingClaimer, d Deliverer, topic string, log zerolog.Logger) *Consumer {
	return &Consumer{
		Ledger:    ledger,
		Deliverer: d,
		Topic:     topic,
		log:       log.With().Str("component", "consumer").Logger(),
	}
}

// Handle is an events.Handler. Only lookup and claim failures are returned for redelivery: once
// the record is claimed the event is acknowledged, and a record whose outcome could not be written
// stays PENDING for reconciliation.
func (c *Consumer) Handle(ctx context.Context, ev Event) error {
	rec, err := c.Ledger.FindPending(ctx, ev.RecipientID, ev.Campaign, ev.Instance)
	if errors.Is(err, core.ErrRecordNotFound) {
		metrics.EventsConsumed.WithLabelValues(c.Topic, "noop").Inc()
		c.log.Debug().Str("event_id", ev.ID).Int64("recipient_id", ev.RecipientID).Msg("no pending dispatch; ignoring event")
		return nil
	}
	if err != nil {
		metrics.EventsConsumed.WithLabelValues(c.Topic, "error").Inc()
		return fmt.Errorf("find pending for %d: %w", ev.RecipientID, err)
	}

	if err := c.Ledger.Claim(ctx, &rec); err != nil {
		if errors.Is(err, core.ErrClaimed) || errors.Is(err, core.ErrNotPending) {
			metrics.EventsConsumed.WithLabelValues(c.Topic, "noop").Inc()
			c.log.Debug().Str("event_id", ev.ID).Int64("record_id", rec.ID).Msg("dispatch claimed elsewhere; ignoring event")
			return nil
		}
		metrics.EventsConsumed.WithLabelValues(c.Topic, "error").Inc()
		return fmt.Errorf("claim %d: %w", rec.ID, err)
	}

	r := core.Recipient{ID: ev.RecipientID, Name: ev.DisplayName, Phone: ev.Phone}
	err = c.Deliverer.Deliver(ctx, &rec, r)
	switch {
	case err == nil:
		metrics.EventsConsumed.WithLabelValues(c.Topic, "sent").Inc()
		return nil
	case rec.Status == core.StatusFailed:
		metrics.EventsConsumed.WithLabelValues(c.Topic, "failed").Inc()
		c.log.Warn().Err(err).
			Int64("recipient_id", rec.RecipientID).
			Int64("record_id", rec.ID).
			Str("campaign", string(rec.Campaign)).
			Msg("dispatch failed")
		return nil
	default:
		metrics.EventsConsumed.WithLabelValues(c.Topic, "error").Inc()
		c.log.Error().Err(err).
			Int64("recipient_id", rec.RecipientID).
			Int64("record_id", rec.ID).
			Msg("dispatch outcome not recorded; record left pending")
		return nil
	}
}
