package google

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	oauthgoogle "golang.org/x/oauth2/google"

	"github.com/relaymind/connect/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// providerName is the name returned by Provider.Name().
const providerName = "google"

// Google API endpoints.
const (
	userinfoEndpoint = "https://openidconnect.googleapis.com/v1/userinfo"
	revokeEndpoint   = "https://oauth2.googleapis.com/revoke"
)

// Provider implements the providers.Provider interface for Google, covering
// Calendar, Gmail, and YouTube scopes. Google speaks the standard dialect:
// space-delimited scopes, client credentials in the POST body, refresh tokens
// issued on offline access.
type Provider struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// Config holds Google OAuth configuration.
type Config struct {
	// ClientID is the Google OAuth client ID (required).
	ClientID string

	// ClientSecret is the Google OAuth client secret (required).
	ClientSecret string

	// RedirectURL is the OAuth callback URL.
	RedirectURL string

	// Scopes are the default scopes requested when no explicit set is given.
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// NewProvider creates a new Google provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "https://www.googleapis.com/auth/calendar.readonly"}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = providers.NewHTTPClient()
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     oauthgoogle.Endpoint,
		},
		httpClient: httpClient,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL generates the Google consent URL. Offline access is always
// requested so an initial grant carries a refresh token; prompt=consent forces
// Google to reissue one on re-consent.
func (p *Provider) AuthorizationURL(state string, scopes []string, redirectURI string) string {
	conf := *p.config
	if len(scopes) > 0 {
		conf.Scopes = scopes
	}
	if redirectURI != "" {
		conf.RedirectURL = redirectURI
	}

	return conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI string) (*providers.TokenSet, error) {
	token, err := providers.ExchangeWithConfig(ctx, providerName, p.config, p.httpClient, code, redirectURI)
	if err != nil {
		return nil, err
	}
	return providers.TokenSetFromOAuth2(token), nil
}

// Refresh mints a new token set from a refresh secret.
// Google keeps the refresh secret stable across refreshes unless the user
// revoked access, in which case the token endpoint answers invalid_grant.
func (p *Provider) Refresh(ctx context.Context, refreshSecret string) (*providers.TokenSet, error) {
	token, err := providers.RefreshWithConfig(ctx, providerName, p.config, p.httpClient, refreshSecret)
	if err != nil {
		return nil, err
	}
	return providers.TokenSetFromOAuth2(token), nil
}

// FetchIdentity fetches the account identity from the OIDC userinfo endpoint.
func (p *Provider) FetchIdentity(ctx context.Context, accessSecret string) (*providers.Identity, error) {
	req, err := http.NewRequest(http.MethodGet, userinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessSecret)

	var info struct {
		Sub   string `json:"sub"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := providers.GetJSON(ctx, providerName, "fetch_identity", p.httpClient, req, &info); err != nil {
		return nil, err
	}
	if info.Sub == "" {
		return nil, providers.NewMalformed(providerName, "fetch_identity", "response missing sub")
	}

	return &providers.Identity{
		ExternalID:  info.Sub,
		DisplayName: info.Name,
		Email:       info.Email,
	}, nil
}

// Revoke revokes the grant at Google's revocation endpoint. Revoking either
// token of a pair invalidates both, so the refresh secret is preferred.
func (p *Provider) Revoke(ctx context.Context, accessSecret, refreshSecret string) error {
	token := refreshSecret
	if token == "" {
		token = accessSecret
	}

	data := url.Values{}
	data.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return providers.Classify(providerName, "revoke", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return providers.ClassifyStatus(providerName, "revoke", resp.StatusCode)
	}
	return nil
}
