package gateway

import (
	"context"
	"sync"
	"time"
)

type Token struct {
	Value  string
	Expiry time.Time
}

// LoginFunc exchanges credentials for a fresh token.
type LoginFunc func(ctx context.Context) (Token, error)

// TokenCache owns the current access token. Callers share one cache per gateway account; the
// mutex makes a single caller perform the login while the others wait for its result.
type TokenCache struct {
	mu    sync.Mutex
	token Token
	now   func() time.Time
}

func NewTokenCache() *TokenCache {
	return &TokenCache{now: time.Now}
}

// Get returns a valid token, logging in first when there is none or it has expired.
func (c *TokenCache) Get(ctx context.Context, login LoginFunc) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.Value != "" && !c.now().After(c.token.Expiry) {
		return c.token.Value, nil
	}
	c.token = Token{}
	tok, err := login(ctx)
	if err != nil {
		return "", err
	}
	c.token = tok
	return tok.Value, nil
}

// Invalidate drops value if it is still the cached token, e.g. after the provider rejected it.
func (c *TokenCache) Invalidate(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Value == value {
		c.token = Token{}
	}
}

// Expiry reports the cached token's expiry, zero when none is cached.
func (c *TokenCache) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token.Expiry
}
