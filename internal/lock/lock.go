// Package lock grants named, time-bounded locks shared by every instance of the service.
//
// A lock expires on its own after maxHold even when its holder crashes, and a release never
// shortens it below minHold measured from acquisition.
package lock

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
)

// Provider acquires named locks. TryAcquire returns (nil, nil) when another holder owns the lock;
// that is the normal outcome for every instance but one.
type Provider interface {
	TryAcquire(ctx context.Context, name string, minHold, maxHold time.Duration) (*Handle, error)
}

var ErrInvalidHold = errors.New("lock: minHold must be >= 0 and <= maxHold, maxHold must be > 0")

// Handle is a held lock. Release is idempotent.
type Handle struct {
	Name       string
	Owner      string
	AcquiredAt time.Time
	MinHold    time.Duration
	MaxHold    time.Duration

	release func(ctx context.Context) error
	done    bool
}

// Release ends the hold. The lock stays taken until AcquiredAt+MinHold if that is still ahead.
func (h *Handle) Release(ctx context.Context) error {
	if h == nil || h.done {
		return nil
	}
	h.done = true
	return h.release(ctx)
}

func validateHold(minHold, maxHold time.Duration) error {
	if maxHold <= 0 || minHold < 0 || minHold > maxHold {
		return ErrInvalidHold
	}
	return nil
}

// InstanceID identifies this process as a lock holder: hostname plus a random suffix.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()[:8]
}
