package providers

import (
	"context"

	"golang.org/x/time/rate"
)

// Compile-time check that Throttled implements the Provider interface.
var _ Provider = (*Throttled)(nil)

// Default outbound call limits per provider.
const (
	DefaultRateLimit = rate.Limit(10)
	DefaultRateBurst = 20
)

// Throttled wraps a Provider with an outbound rate limiter. Every network
// operation waits for a limiter token before dispatching, so a refresh storm
// or a misbehaving caller cannot hammer a provider's API and trip its own
// server-side limits.
type Throttled struct {
	inner   Provider
	limiter *rate.Limiter
}

// Throttle wraps p with a token-bucket limiter. Non-positive values select
// the defaults.
func Throttle(p Provider, limit rate.Limit, burst int) *Throttled {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if burst <= 0 {
		burst = DefaultRateBurst
	}
	return &Throttled{
		inner:   p,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Name returns the wrapped provider's name.
func (t *Throttled) Name() string {
	return t.inner.Name()
}

// AuthorizationURL builds the consent URL. URL construction is local, so no
// limiter token is consumed.
func (t *Throttled) AuthorizationURL(state string, scopes []string, redirectURI string) string {
	return t.inner.AuthorizationURL(state, scopes, redirectURI)
}

// ExchangeCode exchanges a code after acquiring a limiter token.
func (t *Throttled) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, Classify(t.inner.Name(), "exchange", err)
	}
	return t.inner.ExchangeCode(ctx, code, redirectURI)
}

// Refresh refreshes a token after acquiring a limiter token.
func (t *Throttled) Refresh(ctx context.Context, refreshSecret string) (*TokenSet, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, Classify(t.inner.Name(), "refresh", err)
	}
	return t.inner.Refresh(ctx, refreshSecret)
}

// FetchIdentity fetches the account identity after acquiring a limiter token.
func (t *Throttled) FetchIdentity(ctx context.Context, accessSecret string) (*Identity, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, Classify(t.inner.Name(), "fetch_identity", err)
	}
	return t.inner.FetchIdentity(ctx, accessSecret)
}

// Revoke revokes the grant after acquiring a limiter token.
func (t *Throttled) Revoke(ctx context.Context, accessSecret, refreshSecret string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return Classify(t.inner.Name(), "revoke", err)
	}
	return t.inner.Revoke(ctx, accessSecret, refreshSecret)
}
