package zoom

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/relaymind/connect/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// providerName is the name returned by Provider.Name().
const providerName = "zoom"

// Zoom API endpoints.
const (
	authorizeEndpoint = "https://zoom.us/oauth/authorize"
	tokenEndpoint     = "https://zoom.us/oauth/token"
	revokeEndpoint    = "https://zoom.us/oauth/revoke"
	selfEndpoint      = "https://api.zoom.us/v2/users/me"
)

// Provider implements the providers.Provider interface for Zoom, used for the
// video-platform integration. Zoom authenticates clients with HTTP Basic at
// the token endpoint and rotates the refresh token on every refresh: the
// previous refresh token is invalidated when a new one is issued, so
// refreshes for an integration must be serialized.
type Provider struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// Config holds Zoom OAuth configuration.
type Config struct {
	// ClientID is the Zoom OAuth client ID (required).
	ClientID string

	// ClientSecret is the Zoom OAuth client secret (required).
	ClientSecret string

	// RedirectURL is the OAuth callback URL.
	RedirectURL string

	// Scopes are the default scopes requested when no explicit set is given.
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// NewProvider creates a new Zoom provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"meeting:read", "recording:read"}
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
			Endpoint: oauth2.Endpoint{
				AuthURL:  authorizeEndpoint,
				TokenURL: tokenEndpoint,
				// Zoom requires client credentials in the Authorization
				// header, not the request body.
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: httpClient,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL generates the Zoom consent URL.
func (p *Provider) AuthorizationURL(state string, scopes []string, redirectURI string) string {
	conf := *p.config
	if len(scopes) > 0 {
		conf.Scopes = scopes
	}
	if redirectURI != "" {
		conf.RedirectURL = redirectURI
	}
	return conf.AuthCodeURL(state)
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI string) (*providers.TokenSet, error) {
	token, err := providers.ExchangeWithConfig(ctx, providerName, p.config, p.httpClient, code, redirectURI)
	if err != nil {
		return nil, err
	}
	return providers.TokenSetFromOAuth2(token), nil
}

// Refresh mints a new token set. The returned set carries a rotated refresh
// secret; the caller must persist it before the old one is used again.
func (p *Provider) Refresh(ctx context.Context, refreshSecret string) (*providers.TokenSet, error) {
	token, err := providers.RefreshWithConfig(ctx, providerName, p.config, p.httpClient, refreshSecret)
	if err != nil {
		return nil, err
	}
	return providers.TokenSetFromOAuth2(token), nil
}

// FetchIdentity fetches the account identity from the Zoom API.
func (p *Provider) FetchIdentity(ctx context.Context, accessSecret string) (*providers.Identity, error) {
	req, err := http.NewRequest(http.MethodGet, selfEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build users/me request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessSecret)

	var me struct {
		ID          string `json:"id"`
		FirstName   string `json:"first_name"`
		LastName    string `json:"last_name"`
		DisplayName string `json:"display_name"`
		Email       string `json:"email"`
	}
	if err := providers.GetJSON(ctx, providerName, "fetch_identity", p.httpClient, req, &me); err != nil {
		return nil, err
	}
	if me.ID == "" {
		return nil, providers.NewMalformed(providerName, "fetch_identity", "response missing id")
	}

	display := me.DisplayName
	if display == "" {
		display = strings.TrimSpace(me.FirstName + " " + me.LastName)
	}

	return &providers.Identity{
		ExternalID:  me.ID,
		DisplayName: display,
		Email:       me.Email,
	}, nil
}

// Revoke revokes the grant at Zoom's revocation endpoint.
func (p *Provider) Revoke(ctx context.Context, accessSecret, refreshSecret string) error {
	data := url.Values{}
	data.Set("token", accessSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revoke request: %w", err)
	}
	req.SetBasicAuth(p.config.ClientID, p.config.ClientSecret)
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
