package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/Cypherspark/operator-dispatch/internal/core"
	"github.com/Cypherspark/operator-dispatch/internal/gateway"
)

type fakeLedger struct {
	mu       sync.Mutex
	nextID   int64
	records  []core.DispatchRecord
	expired  time.Time
	reserved int
}

func (l *fakeLedger) Reserve(_ context.Context, p core.ReserveParams) (core.DispatchRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.RecipientID == p.RecipientID && r.Campaign == p.Campaign && r.Instance == p.Instance && r.Status != core.StatusFailed {
			return core.DispatchRecord{}, core.ErrAlreadyDispatched
		}
	}
	l.nextID++
	l.reserved++
	rec := core.DispatchRecord{
		ID:          l.nextID,
		RecipientID: p.RecipientID,
		PhoneNumber: p.PhoneNumber,
		Campaign:    p.Campaign,
		Instance:    p.Instance,
		Status:      core.StatusPending,
		CreatedAt:   time.Now(),
	}
	if p.ExternalContactID != "" {
		id := p.ExternalContactID
		rec.ExternalContactID = &id
	}
	l.records = append(l.records, rec)
	return rec, nil
}

func (l *fakeLedger) update(rec *core.DispatchRecord, apply func(*core.DispatchRecord) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.records {
		if l.records[i].ID == rec.ID {
			if err := apply(&l.records[i]); err != nil {
				return err
			}
			*rec = l.records[i]
			return nil
		}
	}
	return core.ErrRecordNotFound
}

// MarkSent and MarkFailed reject a done context the way a pgx query does.
func (l *fakeLedger) MarkSent(ctx context.Context, rec *core.DispatchRecord, contactID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.update(rec, func(r *core.DispatchRecord) error { return r.MarkSent(time.Now(), contactID) })
}

func (l *fakeLedger) MarkFailed(ctx context.Context, rec *core.DispatchRecord, msg, contactID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.update(rec, func(r *core.DispatchRecord) error { return r.MarkFailed(msg, contactID) })
}

func (l *fakeLedger) LatestContactID(_ context.Context, recipientID int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if r.RecipientID == recipientID && r.Status == core.StatusSent && r.ExternalContactID != nil {
			return *r.ExternalContactID, nil
		}
	}
	return "", nil
}

func (l *fakeLedger) ExpireStalePending(_ context.Context, olderThan time.Time, reason string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expired = olderThan
	var n int64
	for i := range l.records {
		if l.records[i].Status == core.StatusPending && l.records[i].CreatedAt.Before(olderThan) {
			_ = l.records[i].MarkFailed(reason, "")
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) byRecipient(id int64) []core.DispatchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.DispatchRecord
	for _, r := range l.records {
		if r.RecipientID == id {
			out = append(out, r)
		}
	}
	return out
}

type fakeRecipients struct {
	list     []core.Recipient
	readings map[int64]time.Time
	welcomed map[int64]bool
}

func (f *fakeRecipients) FindEligible(context.Context, core.Criteria) ([]core.Recipient, error) {
	return f.list, nil
}

func (f *fakeRecipients) HasReadingBetween(_ context.Context, id int64, from, to time.Time) (bool, error) {
	at, ok := f.readings[id]
	return ok && !at.Before(from) && at.Before(to), nil
}

func (f *fakeRecipients) MarkWelcomeSent(_ context.Context, id int64) error {
	if f.welcomed == nil {
		f.welcomed = map[int64]bool{}
	}
	f.welcomed[id] = true
	return nil
}

// blockingGateway holds every call until its context ends.
type blockingGateway struct{}

func (blockingGateway) CreateContact(ctx context.Context, _, _ string) (string, error) {
	<-ctx.Done()
	return "", &gateway.Error{Op: "createContact", Err: ctx.Err()}
}

func (blockingGateway) OptIn(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingGateway) SendTemplate(ctx context.Context, _, _ string, _ []string) error {
	<-ctx.Done()
	return ctx.Err()
}

// fakeGateway fails calls for phones present in errs.
type fakeGateway struct {
	mu    sync.Mutex
	errs  map[string]error
	sends []string // contact ids passed to SendTemplate
}

func (g *fakeGateway) CreateContact(_ context.Context, name, phone string) (string, error) {
	if err := g.errs[phone]; err != nil {
		return "", err
	}
	return "c-" + phone, nil
}

func (g *fakeGateway) OptIn(context.Context, string) error { return nil }

func (g *fakeGateway) SendTemplate(_ context.Context, contactID, templateID string, params []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.errs[contactID]; err != nil {
		return err
	}
	g.sends = append(g.sends, contactID)
	return nil
}

func (g *fakeGateway) sent() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sends...)
}
