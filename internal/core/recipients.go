package core

import (
	"context"
	"fmt"
	"time"
)

// Criteria selects campaign-eligible recipients.
type Criteria struct {
	Classification string
}

// FindEligible returns active, non-deleted recipients of the requested classification.
func (s *Store) FindEligible(ctx context.Context, c Criteria) ([]Recipient, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, full_name, phone_number, classification, welcome_sent
		FROM persons
		WHERE deleted_at IS NULL AND classification = $1
		ORDER BY id
	`, c.Classification)
	if err != nil {
		return nil, fmt.Errorf("find eligible %q: %w", c.Classification, err)
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ID, &r.Name, &r.Phone, &r.Classification, &r.WelcomeSent); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRecipient(ctx context.Context, id int64) (Recipient, error) {
	var r Recipient
	err := s.DB.QueryRow(ctx, `
		SELECT id, full_name, phone_number, classification, welcome_sent, deleted_at
		FROM persons WHERE id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Phone, &r.Classification, &r.WelcomeSent, &r.DeletedAt)
	return r, err
}

// MarkWelcomeSent maintains the denormalized welcome flag. It is a cache of the ledger and is
// never consulted for eligibility.
func (s *Store) MarkWelcomeSent(ctx context.Context, recipientID int64) error {
	_, err := s.DB.Exec(ctx, `UPDATE persons SET welcome_sent = TRUE WHERE id = $1`, recipientID)
	return err
}

// HasReadingBetween reports whether the recipient submitted a meter reading in [from, to).
func (s *Store) HasReadingBetween(ctx context.Context, recipientID int64, from, to time.Time) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM meter_readings
			WHERE person_id = $1 AND deleted_at IS NULL AND reading_at >= $2 AND reading_at < $3
		)
	`, recipientID, from, to).Scan(&exists)
	return exists, err
}

// CreateRecipient inserts a person row. Used for seeding and tests.
func (s *Store) CreateRecipient(ctx context.Context, r Recipient) (int64, error) {
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO persons (full_name, phone_number, classification, deleted_at)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, r.Name, r.Phone, r.Classification, r.DeletedAt).Scan(&id)
	return id, err
}

func (s *Store) RecordReading(ctx context.Context, recipientID int64, at time.Time) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO meter_readings (person_id, reading_at) VALUES ($1, $2)`, recipientID, at)
	return err
}
