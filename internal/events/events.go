// Package events carries "recipient detected" notifications from the scheduler to the workers
// that perform delivery.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Cypherspark/operator-dispatch/internal/core"
)

// TopicOperatorDetected is published once per newly reserved WELCOME dispatch.
const TopicOperatorDetected = "operator-detected"

// Event identifies a recipient and campaign occurrence. It never carries the dispatch record id;
// consumers look up the PENDING record themselves.
type Event struct {
	ID          string            `json:"id"`
	RecipientID int64             `json:"recipient_id"`
	DisplayName string            `json:"display_name"`
	Phone       string            `json:"phone"`
	Campaign    core.CampaignType `json:"campaign_type"`
	Instance    string            `json:"campaign_instance"`
	DetectedAt  time.Time         `json:"detected_at"`
}

func NewEvent(r core.Recipient, campaign core.CampaignType, instance string, at time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		RecipientID: r.ID,
		DisplayName: r.Name,
		Phone:       r.Phone,
		Campaign:    campaign,
		Instance:    instance,
		DetectedAt:  at.UTC(),
	}
}

// Handler processes one delivery. A non-nil error asks the bus to redeliver.
type Handler func(ctx context.Context, ev Event) error

type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

type PublisherFunc func(ctx context.Context, topic string, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, topic string, ev Event) error {
	return f(ctx, topic, ev)
}

// Subscriber delivers every event on topic once per consumer group. Subscribe blocks until ctx is
// cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

func encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decode(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.RecipientID == 0 || !ev.Campaign.Valid() || ev.Instance == "" {
		return Event{}, fmt.Errorf("decode event: incomplete payload %q", b)
	}
	return ev, nil
}
