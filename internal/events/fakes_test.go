package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Cypherspark/operator-dispatch/internal/core"
)

// memLedger is an in-memory ledger honoring the partial unique index on active records.
type memLedger struct {
	mu      sync.Mutex
	nextID  int64
	records []core.DispatchRecord
}

func (l *memLedger) Reserve(_ context.Context, p core.ReserveParams) (core.DispatchRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.RecipientID == p.RecipientID && r.Campaign == p.Campaign && r.Instance == p.Instance && r.Status != core.StatusFailed {
			return core.DispatchRecord{}, core.ErrAlreadyDispatched
		}
	}
	l.nextID++
	rec := core.DispatchRecord{
		ID:          l.nextID,
		RecipientID: p.RecipientID,
		PhoneNumber: p.PhoneNumber,
		Campaign:    p.Campaign,
		Instance:    p.Instance,
		Status:      core.StatusPending,
		CreatedAt:   time.Now(),
	}
	l.records = append(l.records, rec)
	return rec, nil
}

func (l *memLedger) update(rec *core.DispatchRecord, apply func(*core.DispatchRecord) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.records {
		if l.records[i].ID != rec.ID {
			continue
		}
		if l.records[i].Version != rec.Version {
			return core.ErrNotPending
		}
		if err := apply(&l.records[i]); err != nil {
			return err
		}
		*rec = l.records[i]
		return nil
	}
	return core.ErrRecordNotFound
}

// MarkSent and MarkFailed reject a done context the way a pgx query does.
func (l *memLedger) MarkSent(ctx context.Context, rec *core.DispatchRecord, contactID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.update(rec, func(r *core.DispatchRecord) error { return r.MarkSent(time.Now(), contactID) })
}

func (l *memLedger) MarkFailed(ctx context.Context, rec *core.DispatchRecord, msg, contactID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.update(rec, func(r *core.DispatchRecord) error { return r.MarkFailed(msg, contactID) })
}

func (l *memLedger) Claim(_ context.Context, rec *core.DispatchRecord) error {
	err := l.update(rec, func(r *core.DispatchRecord) error { return r.Claim(time.Now()) })
	if errors.Is(err, core.ErrNotPending) && rec.Status == core.StatusPending {
		// version moved under us
		return core.ErrClaimed
	}
	return err
}

func (l *memLedger) FindPending(_ context.Context, recipientID int64, campaign core.CampaignType, instance string) (core.DispatchRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.RecipientID == recipientID && r.Campaign == campaign && r.Instance == instance && r.Status == core.StatusPending {
			return r, nil
		}
	}
	return core.DispatchRecord{}, core.ErrRecordNotFound
}

func (l *memLedger) all() []core.DispatchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.DispatchRecord(nil), l.records...)
}

// sendingDeliverer marks every record SENT, or FAILED when fail is set, after an optional delay.
type sendingDeliverer struct {
	ledger *memLedger
	fail   error
	delay  time.Duration

	mu    sync.Mutex
	calls int
}

func (d *sendingDeliverer) Deliver(ctx context.Context, rec *core.DispatchRecord, r core.Recipient) error {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	time.Sleep(d.delay)
	if d.fail != nil {
		if err := d.ledger.MarkFailed(ctx, rec, d.fail.Error(), ""); err != nil {
			return err
		}
		return d.fail
	}
	return d.ledger.MarkSent(ctx, rec, "contact-1")
}

func (d *sendingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(context.Context, string, Event) error { return p.err }
