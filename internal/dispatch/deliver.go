// Package dispatch delivers campaign messages through the gateway and implements the periodic
// job bodies that drive delivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Cypherspark/operator-dispatch/internal/core"
	"github.com/Cypherspark/operator-dispatch/internal/gateway"
	"github.com/Cypherspark/operator-dispatch/internal/metrics"
)

// Marker moves PENDING records to a terminal status.
type Marker interface {
	MarkSent(ctx context.Context, rec *core.DispatchRecord, contactID string) error
	MarkFailed(ctx context.Context, rec *core.DispatchRecord, msg, contactID string) error
}

type WelcomeFlagger interface {
	MarkWelcomeSent(ctx context.Context, recipientID int64) error
}

// Templates holds the provider template ids per campaign.
type Templates struct {
	Welcome  string
	Reminder string
}

var errNoContact = errors.New("no provider contact for recipient")

// Deliverer performs the gateway calls of one dispatch and records the outcome on its record.
type Deliverer struct {
	Gateway   gateway.Gateway
	Ledger    Marker
	Flags     WelcomeFlagger
	Templates Templates

	log zerolog.Logger
}

func NewDeliverer(gw gateway.Gateway, ledger Marker, flags WelcomeFlagger, t Templates, log zerolog.Logger) *Deliverer {
	return &Deliverer{
		Gateway:   gw,
		Ledger:    ledger,
		Flags:     flags,
		Templates: t,
		log:       log.With().Str("component", "deliverer").Logger(),
	}
}

// Deliver sends rec to r. The record ends SENT on success and FAILED with the gateway error
// otherwise; that gateway error is returned so callers can tell authentication failures apart.
// The outcome is written even when ctx is already done. If it cannot be written the record stays
// PENDING and the write error is returned as well.
func (d *Deliverer) Deliver(ctx context.Context, rec *core.DispatchRecord, r core.Recipient) error {
	if rec.Status != core.StatusPending {
		return fmt.Errorf("deliver record %d: %w", rec.ID, core.ErrNotPending)
	}

	contactID, err := d.send(ctx, rec, r)

	wctx, cancel := core.OutcomeContext(ctx)
	defer cancel()
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(string(rec.Campaign), "failed").Inc()
		if markErr := d.Ledger.MarkFailed(wctx, rec, err.Error(), contactID); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}

	if err := d.Ledger.MarkSent(wctx, rec, contactID); err != nil {
		return fmt.Errorf("record sent %d: %w", rec.ID, err)
	}
	metrics.DispatchTotal.WithLabelValues(string(rec.Campaign), "sent").Inc()

	if rec.Campaign == core.CampaignWelcome && d.Flags != nil {
		if err := d.Flags.MarkWelcomeSent(wctx, r.ID); err != nil {
			d.log.Warn().Err(err).Int64("recipient_id", r.ID).Msg("welcome flag not updated")
		}
	}
	return nil
}

// send runs the campaign's gateway sequence and returns the provider contact id it used, which
// may be set even when a later step failed.
func (d *Deliverer) send(ctx context.Context, rec *core.DispatchRecord, r core.Recipient) (string, error) {
	switch rec.Campaign {
	case core.CampaignWelcome:
		contactID, err := d.Gateway.CreateContact(ctx, r.Name, r.Phone)
		if err != nil {
			return "", err
		}
		if err := d.Gateway.OptIn(ctx, r.Phone); err != nil {
			return contactID, err
		}
		return contactID, d.Gateway.SendTemplate(ctx, contactID, d.Templates.Welcome, nil)

	case core.CampaignReminder:
		if rec.ExternalContactID == nil || *rec.ExternalContactID == "" {
			return "", errNoContact
		}
		contactID := *rec.ExternalContactID
		return contactID, d.Gateway.SendTemplate(ctx, contactID, d.Templates.Reminder, nil)

	default:
		return "", fmt.Errorf("unknown campaign %q", rec.Campaign)
	}
}
