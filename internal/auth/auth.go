// Package auth wraps the identity collaborator: given a credential, produce
// a user id. The engine never sees credentials, only resolved user ids.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
)

// ErrInvalidCredential closes the connection with the auth failure code
// before any subscription is created.
var ErrInvalidCredential = errors.New("invalid credential")

type Authenticator interface {
	Validate(ctx context.Context, credential string) (userID string, err error)
}

// StaticAuthenticator resolves bearer tokens from a fixed table, the
// development and test identity backend. Tokens of the form "dev:<user>"
// are accepted as-is when enabled, so local clients need no provisioning.
type StaticAuthenticator struct {
	Tokens   map[string]string // token -> user id
	AllowDev bool
}

func (a *StaticAuthenticator) Validate(_ context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrInvalidCredential
	}
	if user, ok := a.Tokens[credential]; ok {
		return user, nil
	}
	if a.AllowDev {
		if user, ok := strings.CutPrefix(credential, "dev:"); ok && user != "" {
			return user, nil
		}
	}
	return "", ErrInvalidCredential
}

// CachingAuthenticator memoizes successful resolutions for a TTL so
// reconnect storms do not hammer the identity backend. Failures are not
// cached; a revoked token stops working within one TTL.
type CachingAuthenticator struct {
	next Authenticator
	c    cache.Cache[string, string]
	ttl  time.Duration
}

func NewCachingAuthenticator(next Authenticator, ttl time.Duration, maxEntries int) *CachingAuthenticator {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &CachingAuthenticator{
		next: next,
		c:    cache.NewCache[string, string]().WithTTL(ttl).WithMaxKeys(maxEntries),
		ttl:  ttl,
	}
}

func (a *CachingAuthenticator) Validate(ctx context.Context, credential string) (string, error) {
	if user, ok := a.c.Get(credential); ok {
		return user, nil
	}
	user, err := a.next.Validate(ctx, credential)
	if err != nil {
		return "", err
	}
	a.c.Set(credential, user, a.ttl)
	return user, nil
}
