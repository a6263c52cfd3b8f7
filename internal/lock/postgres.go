package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores one row per lock name in the shedlock table. Acquisition is a single upsert
// that only overwrites an expired row, so two instances can never both see success.
type Postgres struct {
	Pool  *pgxpool.Pool
	Owner string
}

func NewPostgres(pool *pgxpool.Pool, owner string) *Postgres {
	if owner == "" {
		owner = InstanceID()
	}
	return &Postgres{Pool: pool, Owner: owner}
}

func (p *Postgres) TryAcquire(ctx context.Context, name string, minHold, maxHold time.Duration) (*Handle, error) {
	if err := validateHold(minHold, maxHold); err != nil {
		return nil, err
	}
	var lockedAt time.Time
	err := p.Pool.QueryRow(ctx, `
		INSERT INTO shedlock (name, lock_until, locked_at, locked_by)
		VALUES ($1, clock_timestamp() + $2::float8 * interval '1 microsecond', clock_timestamp(), $3)
		ON CONFLICT (name) DO UPDATE
		SET lock_until = EXCLUDED.lock_until,
		    locked_at = EXCLUDED.locked_at,
		    locked_by = EXCLUDED.locked_by
		WHERE shedlock.lock_until <= EXCLUDED.locked_at
		RETURNING locked_at
	`, name, float64(maxHold.Microseconds()), p.Owner).Scan(&lockedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	h := &Handle{Name: name, Owner: p.Owner, AcquiredAt: lockedAt, MinHold: minHold, MaxHold: maxHold}
	h.release = func(ctx context.Context) error {
		_, err := p.Pool.Exec(ctx, `
			UPDATE shedlock
			SET lock_until = GREATEST(clock_timestamp(), locked_at + $4::float8 * interval '1 microsecond')
			WHERE name = $1 AND locked_by = $2 AND locked_at = $3
		`, name, p.Owner, lockedAt, float64(minHold.Microseconds()))
		if err != nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		return nil
	}
	return h, nil
}
