// Package mock provides a configurable fake implementation of the Provider
// interface for testing, with per-method call counting so concurrency
// properties (exactly one refresh call) can be asserted.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaymind/connect/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// Provider is a fake providers.Provider whose behavior is overridable per
// method. All methods are safe for concurrent use.
type Provider struct {
	// NameFunc is called when Name() is invoked.
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked.
	AuthorizationURLFunc func(state string, scopes []string, redirectURI string) string

	// ExchangeCodeFunc is called when ExchangeCode() is invoked.
	ExchangeCodeFunc func(ctx context.Context, code, redirectURI string) (*providers.TokenSet, error)

	// RefreshFunc is called when Refresh() is invoked.
	RefreshFunc func(ctx context.Context, refreshSecret string) (*providers.TokenSet, error)

	// FetchIdentityFunc is called when FetchIdentity() is invoked.
	FetchIdentityFunc func(ctx context.Context, accessSecret string) (*providers.Identity, error)

	// RevokeFunc is called when Revoke() is invoked.
	RevokeFunc func(ctx context.Context, accessSecret, refreshSecret string) error

	mu         sync.Mutex
	callCounts map[string]int
}

// New creates a mock provider with working defaults: exchanges succeed with a
// one-hour token, refreshes rotate the secrets, identity is a fixed account.
func New() *Provider {
	return &Provider{
		callCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state string, scopes []string, redirectURI string) string {
			return fmt.Sprintf("https://mock.example.com/authorize?response_type=code&state=%s&redirect_uri=%s", state, redirectURI)
		},
		ExchangeCodeFunc: func(ctx context.Context, code, redirectURI string) (*providers.TokenSet, error) {
			return &providers.TokenSet{
				AccessToken:  "mock-access-token",
				RefreshToken: "mock-refresh-token",
				ExpiresAt:    time.Now().Add(time.Hour),
			}, nil
		},
		RefreshFunc: func(ctx context.Context, refreshSecret string) (*providers.TokenSet, error) {
			return &providers.TokenSet{
				AccessToken:  "refreshed-access-token",
				RefreshToken: "rotated-refresh-token",
				ExpiresAt:    time.Now().Add(time.Hour),
			}, nil
		},
		FetchIdentityFunc: func(ctx context.Context, accessSecret string) (*providers.Identity, error) {
			return &providers.Identity{
				ExternalID:  "mock-account-123",
				DisplayName: "Mock Account",
				Email:       "mock@example.com",
			}, nil
		},
		RevokeFunc: func(ctx context.Context, accessSecret, refreshSecret string) error {
			return nil
		},
	}
}

// CallCount returns how many times the named method was invoked.
func (m *Provider) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// record bumps the counter and returns the override under the lock; the
// override is called without the lock held so an override may safely call
// other mock methods.
func (m *Provider) record(method string) {
	m.mu.Lock()
	if m.callCounts == nil {
		m.callCounts = make(map[string]int)
	}
	m.callCounts[method]++
	m.mu.Unlock()
}

// Name returns the provider name.
func (m *Provider) Name() string {
	m.record("Name")
	if m.NameFunc == nil {
		return "mock"
	}
	return m.NameFunc()
}

// AuthorizationURL builds a fake consent URL.
func (m *Provider) AuthorizationURL(state string, scopes []string, redirectURI string) string {
	m.record("AuthorizationURL")
	if m.AuthorizationURLFunc == nil {
		return ""
	}
	return m.AuthorizationURLFunc(state, scopes, redirectURI)
}

// ExchangeCode exchanges a code for a fake token set.
func (m *Provider) ExchangeCode(ctx context.Context, code, redirectURI string) (*providers.TokenSet, error) {
	m.record("ExchangeCode")
	if m.ExchangeCodeFunc == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return m.ExchangeCodeFunc(ctx, code, redirectURI)
}

// Refresh mints a fake token set.
func (m *Provider) Refresh(ctx context.Context, refreshSecret string) (*providers.TokenSet, error) {
	m.record("Refresh")
	if m.RefreshFunc == nil {
		return nil, fmt.Errorf("RefreshFunc not configured")
	}
	return m.RefreshFunc(ctx, refreshSecret)
}

// FetchIdentity returns a fake identity.
func (m *Provider) FetchIdentity(ctx context.Context, accessSecret string) (*providers.Identity, error) {
	m.record("FetchIdentity")
	if m.FetchIdentityFunc == nil {
		return nil, fmt.Errorf("FetchIdentityFunc not configured")
	}
	return m.FetchIdentityFunc(ctx, accessSecret)
}

// Revoke records the revocation.
func (m *Provider) Revoke(ctx context.Context, accessSecret, refreshSecret string) error {
	m.record("Revoke")
	if m.RevokeFunc == nil {
		return nil
	}
	return m.RevokeFunc(ctx, accessSecret, refreshSecret)
}
