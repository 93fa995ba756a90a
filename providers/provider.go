// Package providers defines the adapter contract for external OAuth providers
// and implements provider-specific dialect handling for Google, Notion, Zoom,
// and test doubles.
package providers

import (
	"context"
	"time"
)

// Provider is the fixed capability set every external provider adapter
// implements. Adapters are side-effect-limited to outbound HTTP calls; every
// provider-dialect quirk (scope delimiter, token endpoint auth style, whether
// refresh tokens are reissued) lives behind this contract so the rest of the
// system treats "provider" as a closed, swappable variant set.
type Provider interface {
	// Name returns the provider identifier (e.g. "google", "notion", "zoom").
	Name() string

	// AuthorizationURL builds the consent URL for the authorization-code
	// grant, embedding client id, scopes, response_type=code, the anti-forgery
	// state, and the redirect URI, all RFC 3986 encoded.
	AuthorizationURL(state string, scopes []string, redirectURI string) string

	// ExchangeCode exchanges an authorization code for tokens.
	// Fails with a Rejected error on provider 4xx, Malformed if required
	// fields are absent from the response.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error)

	// Refresh mints a new token set from a refresh secret.
	// Fails with RefreshRejected when the provider invalidated the refresh
	// secret (terminal, re-consent required) or Unavailable on transient
	// failures (retryable).
	Refresh(ctx context.Context, refreshSecret string) (*TokenSet, error)

	// FetchIdentity fetches the external account's identity, used to bind a
	// human-readable label and confirm the grant belongs to the expected
	// account.
	FetchIdentity(ctx context.Context, accessSecret string) (*Identity, error)

	// Revoke revokes the grant at the provider. Best-effort: failure here
	// never blocks local revocation. refreshSecret may be empty.
	Revoke(ctx context.Context, accessSecret, refreshSecret string) error
}

// TokenSet is the provider-neutral result of a code exchange or refresh.
type TokenSet struct {
	// AccessToken is the bearer credential for provider API calls.
	AccessToken string

	// RefreshToken is the longer-lived credential used to mint new access
	// tokens. Empty when the provider did not (re)issue one.
	RefreshToken string

	// ExpiresAt is when the access token expires. Zero means the token does
	// not expire.
	ExpiresAt time.Time

	// GrantedScopes are the scopes the provider actually granted, when the
	// provider reports them. May differ from the requested set.
	GrantedScopes []string
}

// Identity describes the external account behind a grant.
type Identity struct {
	// ExternalID is the provider's unique identifier for the account.
	ExternalID string

	// DisplayName is a human-readable label for the account.
	DisplayName string

	// Email is the account email, when the provider exposes one.
	Email string
}
