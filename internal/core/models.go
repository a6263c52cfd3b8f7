package core

import (
	"errors"
	"time"
	"unicode/utf8"
)

type CampaignType string

const (
	CampaignWelcome  CampaignType = "WELCOME"
	CampaignReminder CampaignType = "REMINDER"
)

func (c CampaignType) Valid() bool {
	switch c {
	case CampaignWelcome, CampaignReminder:
		return true
	}
	return false
}

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

func (s Status) Terminal() bool { return s == StatusSent || s == StatusFailed }

func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// WelcomeInstance is the only campaign instance of the WELCOME campaign.
const WelcomeInstance = "welcome"

// ReminderInstance keys a reminder campaign by its local calendar day.
func ReminderInstance(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}

const maxErrorMessage = 1000

var (
	ErrAlreadyDispatched = errors.New("dispatch already pending or sent")
	ErrNotPending        = errors.New("dispatch record is not pending")
	ErrRecordNotFound    = errors.New("dispatch record not found")
	ErrClaimed           = errors.New("dispatch record already claimed")
)

// Recipient is owned by the person subsystem; the dispatcher reads it.
type Recipient struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Phone          string     `json:"phone"`
	Classification string     `json:"classification"`
	WelcomeSent    bool       `json:"welcome_sent"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

type DispatchRecord struct {
	ID                int64        `json:"id"`
	RecipientID       int64        `json:"recipient_id"`
	PhoneNumber       string       `json:"phone_number"`
	ExternalContactID *string      `json:"external_contact_id,omitempty"`
	Campaign          CampaignType `json:"campaign_type"`
	Instance          string       `json:"campaign_instance"`
	Status            Status       `json:"status"`
	CreatedAt         time.Time    `json:"created_at"`
	SentAt            *time.Time   `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time   `json:"delivered_at,omitempty"`
	ErrorMessage      *string      `json:"error_message,omitempty"`
	ClaimedAt         *time.Time   `json:"claimed_at,omitempty"`
	Version           int64        `json:"version"`
}

// Claim takes a pending record for delivery. A record can be claimed once.
func (r *DispatchRecord) Claim(at time.Time) error {
	if r.Status != StatusPending {
		return ErrNotPending
	}
	if r.ClaimedAt != nil {
		return ErrClaimed
	}
	r.ClaimedAt = &at
	r.Version++
	return nil
}

// MarkSent moves a pending record to SENT. Terminal records are never changed.
func (r *DispatchRecord) MarkSent(at time.Time, contactID string) error {
	if r.Status != StatusPending {
		return ErrNotPending
	}
	r.Status = StatusSent
	r.SentAt = &at
	r.ErrorMessage = nil
	r.setContact(contactID)
	r.Version++
	return nil
}

// MarkFailed moves a pending record to FAILED with msg as the error message.
func (r *DispatchRecord) MarkFailed(msg, contactID string) error {
	if r.Status != StatusPending {
		return ErrNotPending
	}
	msg = TruncateError(msg)
	r.Status = StatusFailed
	r.ErrorMessage = &msg
	r.SentAt = nil
	r.setContact(contactID)
	r.Version++
	return nil
}

func (r *DispatchRecord) setContact(contactID string) {
	if contactID != "" {
		id := contactID
		r.ExternalContactID = &id
	}
}

// TruncateError fits msg into the ledger's error column. An empty message becomes "unknown error"
// so that a FAILED row always carries one.
func TruncateError(msg string) string {
	if msg == "" {
		return "unknown error"
	}
	if utf8.RuneCountInString(msg) <= maxErrorMessage {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:maxErrorMessage])
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
