package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// IsEligible reports whether no PENDING or SENT record exists for the campaign instance. It is a
// read-only check for support tooling and tests; dispatch paths rely on Reserve, which performs the
// same check atomically with the insert.
func (s *Store) IsEligible(ctx context.Context, recipientID int64, campaign CampaignType, instance string) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM dispatch_records
			WHERE recipient_id = $1 AND campaign_type = $2 AND campaign_instance = $3
			  AND status IN ('PENDING', 'SENT')
		)
	`, recipientID, string(campaign), instance).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("eligibility %d/%s: %w", recipientID, campaign, err)
	}
	return !exists, nil
}

type ReserveParams struct {
	RecipientID       int64
	PhoneNumber       string
	Campaign          CampaignType
	Instance          string
	ExternalContactID string
}

// Reserve runs the idempotency check and the PENDING insert as one statement. The partial unique
// index on active records arbitrates concurrent writers: the loser gets ErrAlreadyDispatched.
func (s *Store) Reserve(ctx context.Context, p ReserveParams) (DispatchRecord, error) {
	if !p.Campaign.Valid() {
		return DispatchRecord{}, fmt.Errorf("reserve: unknown campaign %q", p.Campaign)
	}
	if p.Instance == "" {
		return DispatchRecord{}, errors.New("reserve: campaign instance required")
	}
	rec, err := scanRecord(s.DB.QueryRow(ctx, `
		INSERT INTO dispatch_records (recipient_id, phone_number, external_contact_id, campaign_type, campaign_instance, status)
		VALUES ($1, $2, $3, $4, $5, 'PENDING')
		ON CONFLICT (recipient_id, campaign_type, campaign_instance) WHERE status IN ('PENDING', 'SENT')
		DO NOTHING
		RETURNING `+recordColumns,
		p.RecipientID, p.PhoneNumber, optional(p.ExternalContactID), string(p.Campaign), p.Instance))
	if errors.Is(err, pgx.ErrNoRows) {
		return DispatchRecord{}, ErrAlreadyDispatched
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return DispatchRecord{}, ErrAlreadyDispatched
	}
	if err != nil {
		return DispatchRecord{}, fmt.Errorf("reserve %d/%s: %w", p.RecipientID, p.Campaign, err)
	}
	return rec, nil
}
