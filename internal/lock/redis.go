package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Provider with SET NX PX. Release trims the key's TTL to the remaining
// minimum hold, or deletes it, but only while this owner still holds it.
type Redis struct {
	Client *redis.Client
	Owner  string
	Prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, owner string) *Redis {
	if owner == "" {
		owner = InstanceID()
	}
	return &Redis{Client: client, Owner: owner, Prefix: "lock:", now: time.Now}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
local keep = tonumber(ARGV[2])
if keep > 0 then
	redis.call("PEXPIRE", KEYS[1], keep)
else
	redis.call("DEL", KEYS[1])
end
return 1
`)

func (r *Redis) TryAcquire(ctx context.Context, name string, minHold, maxHold time.Duration) (*Handle, error) {
	if err := validateHold(minHold, maxHold); err != nil {
		return nil, err
	}
	key := r.Prefix + name
	// the token makes a later holder of the same key distinguishable from us
	token := r.Owner + "@" + fmt.Sprint(r.now().UnixNano())
	ok, err := r.Client.SetNX(ctx, key, token, maxHold).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}

	acquired := r.now()
	h := &Handle{Name: name, Owner: r.Owner, AcquiredAt: acquired, MinHold: minHold, MaxHold: maxHold}
	h.release = func(ctx context.Context) error {
		keep := minHold - r.now().Sub(acquired)
		if keep < 0 {
			keep = 0
		}
		if err := releaseScript.Run(ctx, r.Client, []string{key}, token, keep.Milliseconds()).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		return nil
	}
	return h, nil
}
