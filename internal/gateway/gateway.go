// Package gateway talks to the external messaging provider.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Gateway is the set of provider operations a campaign needs.
type Gateway interface {
	CreateContact(ctx context.Context, name, phone string) (contactID string, err error)
	OptIn(ctx context.Context, phone string) error
	SendTemplate(ctx context.Context, contactID, templateID string, params []string) error
}

var (
	// ErrAuth marks failures to obtain or use an access token. A run cannot continue without one.
	ErrAuth = errors.New("gateway authentication failed")
	// ErrMalformed marks a response that could not be interpreted.
	ErrMalformed = errors.New("malformed gateway response")
)

// Error is returned by every gateway operation that fails.
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }
