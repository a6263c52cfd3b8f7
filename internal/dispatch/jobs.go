package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cypherspark/operator-dispatch/internal/core"
	"github.com/Cypherspark/operator-dispatch/internal/events"
	"github.com/Cypherspark/operator-dispatch/internal/gateway"
	"github.com/Cypherspark/operator-dispatch/internal/metrics"
)

// StaleReason is written on PENDING records failed by reconciliation.
const StaleReason = "stale pending: reclaimed by reconciliation"

type Ledger interface {
	Marker
	Reserve(ctx context.Context, p core.ReserveParams) (core.DispatchRecord, error)
	LatestContactID(ctx context.Context, recipientID int64) (string, error)
	ExpireStalePending(ctx context.Context, olderThan time.Time, reason string) (int64, error)
}

type Recipients interface {
	FindEligible(ctx context.Context, c core.Criteria) ([]core.Recipient, error)
	HasReadingBetween(ctx context.Context, recipientID int64, from, to time.Time) (bool, error)
}

// Summary counts what one job run did.
type Summary struct {
	Processed int   `json:"processed"`
	Sent      int   `json:"sent"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
	Announced int   `json:"announced,omitempty"`
	Reclaimed int64 `json:"reclaimed,omitempty"`
}

// Jobs holds the job bodies. Each body walks its recipients sequentially; one recipient's failure
// never stops the others, but an authentication failure ends the run.
type Jobs struct {
	Ledger     Ledger
	Recipients Recipients
	Deliverer  *Deliverer
	Producer   *events.Producer
	Criteria   core.Criteria
	Location   *time.Location
	StaleAfter time.Duration

	now func() time.Time
	log zerolog.Logger
}

func NewJobs(ledger Ledger, recipients Recipients, d *Deliverer, p *events.Producer, c core.Criteria, loc *time.Location, log zerolog.Logger) *Jobs {
	if loc == nil {
		loc = time.UTC
	}
	return &Jobs{
		Ledger:     ledger,
		Recipients: recipients,
		Deliverer:  d,
		Producer:   p,
		Criteria:   c,
		Location:   loc,
		now:        time.Now,
		log:        log.With().Str("component", "jobs").Logger(),
	}
}

// Welcome delivers the WELCOME campaign inline to every recipient without an active record.
func (j *Jobs) Welcome(ctx context.Context) (Summary, error) {
	var sum Summary
	recipients, err := j.Recipients.FindEligible(ctx, j.Criteria)
	if err != nil {
		return sum, err
	}
	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Processed++
		err := j.dispatch(ctx, &sum, r, core.ReserveParams{
			RecipientID: r.ID,
			PhoneNumber: r.Phone,
			Campaign:    core.CampaignWelcome,
			Instance:    core.WelcomeInstance,
		})
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// AnnounceWelcome reserves WELCOME for every recipient without an active record and publishes an
// event per reservation. Delivery happens in the consumer.
func (j *Jobs) AnnounceWelcome(ctx context.Context) (Summary, error) {
	var sum Summary
	if j.Producer == nil {
		return sum, errors.New("announce: no event producer configured")
	}
	recipients, err := j.Recipients.FindEligible(ctx, j.Criteria)
	if err != nil {
		return sum, err
	}
	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Processed++
		rec, err := j.Producer.Announce(ctx, r, core.CampaignWelcome, core.WelcomeInstance)
		switch {
		case errors.Is(err, core.ErrAlreadyDispatched):
			sum.Skipped++
		case err != nil && rec.ID != 0:
			// reserved, publish failed; the record is FAILED and retried next run
			sum.Failed++
			j.log.Warn().Err(err).Int64("recipient_id", r.ID).Int64("record_id", rec.ID).Msg("announce failed")
		case err != nil:
			return sum, err
		default:
			sum.Announced++
		}
	}
	return sum, nil
}

// Reminder sends the daily reminder to recipients that have not submitted a reading today. A
// recipient the gateway has never confirmed a contact for is skipped.
func (j *Jobs) Reminder(ctx context.Context) (Summary, error) {
	var sum Summary
	now := j.now().In(j.Location)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, j.Location)
	dayEnd := dayStart.AddDate(0, 0, 1)
	instance := core.ReminderInstance(now, j.Location)

	recipients, err := j.Recipients.FindEligible(ctx, j.Criteria)
	if err != nil {
		return sum, err
	}
	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Processed++

		submitted, err := j.Recipients.HasReadingBetween(ctx, r.ID, dayStart, dayEnd)
		if err != nil {
			return sum, fmt.Errorf("reading check %d: %w", r.ID, err)
		}
		if submitted {
			metrics.DispatchTotal.WithLabelValues(string(core.CampaignReminder), "skipped").Inc()
			sum.Skipped++
			continue
		}
		contactID, err := j.Ledger.LatestContactID(ctx, r.ID)
		if err != nil {
			return sum, fmt.Errorf("contact lookup %d: %w", r.ID, err)
		}
		if contactID == "" {
			j.log.Debug().Int64("recipient_id", r.ID).Msg("no provider contact; reminder skipped")
			metrics.DispatchTotal.WithLabelValues(string(core.CampaignReminder), "skipped").Inc()
			sum.Skipped++
			continue
		}

		err = j.dispatch(ctx, &sum, r, core.ReserveParams{
			RecipientID:       r.ID,
			PhoneNumber:       r.Phone,
			Campaign:          core.CampaignReminder,
			Instance:          instance,
			ExternalContactID: contactID,
		})
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// ReclaimStale fails PENDING records older than StaleAfter so their recipients become eligible
// again. It does nothing when StaleAfter is zero.
func (j *Jobs) ReclaimStale(ctx context.Context) (Summary, error) {
	var sum Summary
	if j.StaleAfter <= 0 {
		return sum, nil
	}
	n, err := j.Ledger.ExpireStalePending(ctx, j.now().Add(-j.StaleAfter), StaleReason)
	if err != nil {
		return sum, err
	}
	sum.Reclaimed = n
	if n > 0 {
		metrics.StaleReclaimed.Add(float64(n))
		j.log.Warn().Int64("reclaimed", n).Dur("older_than", j.StaleAfter).Msg("stale pending records failed")
	}
	return sum, nil
}

// dispatch reserves and delivers one campaign instance. It returns an error only when the run
// must stop.
func (j *Jobs) dispatch(ctx context.Context, sum *Summary, r core.Recipient, p core.ReserveParams) error {
	rec, err := j.Ledger.Reserve(ctx, p)
	if errors.Is(err, core.ErrAlreadyDispatched) {
		metrics.DispatchTotal.WithLabelValues(string(p.Campaign), "duplicate").Inc()
		sum.Skipped++
		return nil
	}
	if err != nil {
		return err
	}

	err = j.Deliverer.Deliver(ctx, &rec, r)
	if err == nil {
		sum.Sent++
		return nil
	}
	sum.Failed++
	j.log.Warn().Err(err).
		Int64("recipient_id", r.ID).
		Int64("record_id", rec.ID).
		Str("campaign", string(p.Campaign)).
		Str("status", string(rec.Status)).
		Msg("dispatch failed")
	if gateway.IsAuth(err) {
		return fmt.Errorf("%s run aborted: %w", p.Campaign, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s run interrupted: %w", p.Campaign, ctxErr)
	}
	return nil
}
