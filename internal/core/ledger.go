package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres-backed message ledger and recipient lookup.
type Store struct{ DB *pgxpool.Pool }

const recordColumns = `id, recipient_id, phone_number, external_contact_id, campaign_type, campaign_instance,
	status, created_at, sent_at, delivered_at, error_message, claimed_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (DispatchRecord, error) {
	var (
		r        DispatchRecord
		campaign string
		status   string
	)
	err := row.Scan(&r.ID, &r.RecipientID, &r.PhoneNumber, &r.ExternalContactID, &campaign, &r.Instance,
		&status, &r.CreatedAt, &r.SentAt, &r.DeliveredAt, &r.ErrorMessage, &r.ClaimedAt, &r.Version)
	if err != nil {
		return DispatchRecord{}, err
	}
	r.Campaign = CampaignType(campaign)
	r.Status = Status(status)
	return r, nil
}

const outcomeTimeout = 5 * time.Second

// OutcomeContext returns the context a dispatch outcome is written under. It keeps ctx's values
// but not its cancellation, so a send cut short by a deadline or shutdown is still recorded.
func OutcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
}

// Claim takes rec for delivery before any gateway call, using rec.Version as the optimistic lock.
// Of several deliverers racing for the same record exactly one succeeds; the others get
// ErrClaimed.
func (s *Store) Claim(ctx context.Context, rec *DispatchRecord) error {
	var (
		claimedAt time.Time
		version   int64
	)
	err := s.DB.QueryRow(ctx, `
		UPDATE dispatch_records
		SET claimed_at = now(), version = version + 1
		WHERE id = $1 AND version = $2 AND status = 'PENDING' AND claimed_at IS NULL
		RETURNING claimed_at, version
	`, rec.ID, rec.Version).Scan(&claimedAt, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("claim %d: %w", rec.ID, ErrClaimed)
	}
	if err != nil {
		return fmt.Errorf("claim %d: %w", rec.ID, err)
	}
	rec.ClaimedAt = &claimedAt
	rec.Version = version
	return nil
}

// MarkSent transitions rec from PENDING to SENT using rec.Version as the optimistic lock.
// On success rec is updated in place.
func (s *Store) MarkSent(ctx context.Context, rec *DispatchRecord, contactID string) error {
	var (
		sentAt  time.Time
		version int64
	)
	err := s.DB.QueryRow(ctx, `
		UPDATE dispatch_records
		SET status = 'SENT',
		    sent_at = now(),
		    error_message = NULL,
		    external_contact_id = COALESCE($3, external_contact_id),
		    version = version + 1
		WHERE id = $1 AND version = $2 AND status = 'PENDING'
		RETURNING sent_at, version
	`, rec.ID, rec.Version, optional(contactID)).Scan(&sentAt, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("mark sent %d: %w", rec.ID, ErrNotPending)
	}
	if err != nil {
		return fmt.Errorf("mark sent %d: %w", rec.ID, err)
	}
	rec.Status = StatusSent
	rec.SentAt = &sentAt
	rec.ErrorMessage = nil
	rec.setContact(contactID)
	rec.Version = version
	return nil
}

// MarkFailed transitions rec from PENDING to FAILED, recording msg.
func (s *Store) MarkFailed(ctx context.Context, rec *DispatchRecord, msg, contactID string) error {
	msg = TruncateError(msg)
	var version int64
	err := s.DB.QueryRow(ctx, `
		UPDATE dispatch_records
		SET status = 'FAILED',
		    error_message = $3,
		    external_contact_id = COALESCE($4, external_contact_id),
		    version = version + 1
		WHERE id = $1 AND version = $2 AND status = 'PENDING'
		RETURNING version
	`, rec.ID, rec.Version, msg, optional(contactID)).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("mark failed %d: %w", rec.ID, ErrNotPending)
	}
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", rec.ID, err)
	}
	rec.Status = StatusFailed
	rec.ErrorMessage = &msg
	rec.setContact(contactID)
	rec.Version = version
	return nil
}

func (s *Store) GetRecord(ctx context.Context, id int64) (DispatchRecord, error) {
	rec, err := scanRecord(s.DB.QueryRow(ctx, `SELECT `+recordColumns+` FROM dispatch_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return DispatchRecord{}, ErrRecordNotFound
	}
	return rec, err
}

// FindPending returns the oldest PENDING record for the campaign instance, or ErrRecordNotFound.
func (s *Store) FindPending(ctx context.Context, recipientID int64, campaign CampaignType, instance string) (DispatchRecord, error) {
	rec, err := scanRecord(s.DB.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM dispatch_records
		WHERE recipient_id = $1 AND campaign_type = $2 AND campaign_instance = $3 AND status = 'PENDING'
		ORDER BY created_at
		LIMIT 1
	`, recipientID, string(campaign), instance))
	if errors.Is(err, pgx.ErrNoRows) {
		return DispatchRecord{}, ErrRecordNotFound
	}
	return rec, err
}

// LatestContactID returns the provider contact id of the recipient's most recent SENT record,
// or "" when the gateway has never confirmed one.
func (s *Store) LatestContactID(ctx context.Context, recipientID int64) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		SELECT external_contact_id
		FROM dispatch_records
		WHERE recipient_id = $1 AND status = 'SENT' AND external_contact_id IS NOT NULL
		ORDER BY sent_at DESC
		LIMIT 1
	`, recipientID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// ExpireStalePending fails every PENDING record claimed, or if unclaimed created, before olderThan
// and returns how many rows were reclaimed.
func (s *Store) ExpireStalePending(ctx context.Context, olderThan time.Time, reason string) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE dispatch_records
		SET status = 'FAILED', error_message = $2, version = version + 1
		WHERE status = 'PENDING' AND COALESCE(claimed_at, created_at) < $1
	`, olderThan, TruncateError(reason))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type RecordFilter struct {
	RecipientID *int64
	Campaign    *CampaignType
	Status      *Status
	Limit       int
	Offset      int
}

// QueryRecords basic listing for support and reconciliation.
func (s *Store) QueryRecords(ctx context.Context, f RecordFilter) ([]DispatchRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM dispatch_records WHERE true`
	var args []any
	idx := 1
	if f.RecipientID != nil {
		q += fmt.Sprintf(" AND recipient_id=$%d", idx)
		args = append(args, *f.RecipientID)
		idx++
	}
	if f.Campaign != nil {
		q += fmt.Sprintf(" AND campaign_type=$%d", idx)
		args = append(args, string(*f.Campaign))
		idx++
	}
	if f.Status != nil {
		q += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, string(*f.Status))
		idx++
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DispatchRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
