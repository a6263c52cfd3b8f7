package gateway

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Dummy stands in for the provider when no gateway is configured.
type Dummy struct {
	Latency     time.Duration
	FailPercent int
}

func NewDummy() *Dummy { return &Dummy{Latency: 50 * time.Millisecond, FailPercent: 3} }

func (d *Dummy) CreateContact(ctx context.Context, name, phone string) (string, error) {
	if err := d.simulate(ctx); err != nil {
		return "", &Error{Op: "createContact", Err: err}
	}
	return "dummy-" + randomID(), nil
}

func (d *Dummy) OptIn(ctx context.Context, phone string) error {
	if err := d.simulate(ctx); err != nil {
		return &Error{Op: "optinContact", Err: err}
	}
	return nil
}

func (d *Dummy) SendTemplate(ctx context.Context, contactID, templateID string, params []string) error {
	if err := d.simulate(ctx); err != nil {
		return &Error{Op: "sendHsmMessage", Err: err}
	}
	return nil
}

// simulate latency and occasional failures.
func (d *Dummy) simulate(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.Latency):
	}
	if d.FailPercent > 0 && rand.IntN(100) < d.FailPercent {
		return errors.New("provider_temporary_error")
	}
	return nil
}

func randomID() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}
