package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cypherspark/operator-dispatch/internal/core"
	"github.com/Cypherspark/operator-dispatch/internal/metrics"
)

// Reserver writes the PENDING record an event announces.
type Reserver interface {
	Reserve(ctx context.Context, p core.ReserveParams) (core.DispatchRecord, error)
	MarkFailed(ctx context.Context, rec *core.DispatchRecord, msg, contactID string) error
}

// Producer announces newly eligible recipients. The PENDING record is always written before the
// event leaves, so a lost publish can never produce an untracked send.
type Producer struct {
	Ledger Reserver
	Bus    Publisher
	Topic  string

	now func() time.Time
	log zerolog.Logger
}

func NewProducer(ledger Reserver, bus Publisher, topic string, log zerolog.Logger) *Producer {
	return &Producer{
		Ledger: ledger,
		Bus:    bus,
		Topic:  topic,
		now:    time.Now,
		log:    log.With().Str("component", "producer").Logger(),
	}
}

// Announce reserves the campaign instance for r and publishes the event. It returns
// core.ErrAlreadyDispatched when the instance is already pending or sent. When the publish fails
// the reserved record is marked FAILED and the publish error is returned.
func (p *Producer) Announce(ctx context.Context, r core.Recipient, campaign core.CampaignType, instance string) (core.DispatchRecord, error) {
	rec, err := p.Ledger.Reserve(ctx, core.ReserveParams{
		RecipientID: r.ID,
		PhoneNumber: r.Phone,
		Campaign:    campaign,
		Instance:    instance,
	})
	if err != nil {
		return core.DispatchRecord{}, err
	}

	ev := NewEvent(r, campaign, instance, p.now())
	if err := p.Bus.Publish(ctx, p.Topic, ev); err != nil {
		metrics.EventsPublished.WithLabelValues(p.Topic, "error").Inc()
		wctx, cancel := core.OutcomeContext(ctx)
		defer cancel()
		if markErr := p.Ledger.MarkFailed(wctx, &rec, "publish event: "+err.Error(), ""); markErr != nil {
			err = errors.Join(err, markErr)
		}
		return rec, fmt.Errorf("publish %s for recipient %d: %w", campaign, r.ID, err)
	}
	metrics.EventsPublished.WithLabelValues(p.Topic, "ok").Inc()

	p.log.Debug().
		Int64("recipient_id", r.ID).
		Int64("record_id", rec.ID).
		Str("campaign", string(campaign)).
		Str("event_id", ev.ID).
		Msg("event published")
	return rec, nil
}
