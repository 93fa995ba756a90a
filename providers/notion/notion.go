package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/relaymind/connect/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// providerName is the name returned by Provider.Name().
const providerName = "notion"

// ErrRefreshNotSupported is returned when attempting to refresh a token.
// Notion issues non-expiring access tokens and has no refresh grant; the
// stored credential stays valid until the user disconnects the workspace.
var ErrRefreshNotSupported = errors.New("notion integrations do not support token refresh")

// Notion API endpoints.
const (
	authorizeEndpoint = "https://api.notion.com/v1/oauth/authorize"
	tokenEndpoint     = "https://api.notion.com/v1/oauth/token"
	selfEndpoint      = "https://api.notion.com/v1/users/me"

	// notionVersion is the API version header required on data-plane calls.
	notionVersion = "2022-06-28"
)

// Provider implements the providers.Provider interface for Notion, used for
// the workspace-notes integration. Notion's dialect differs from the common
// case on every axis: the token endpoint takes a JSON body with HTTP Basic
// client authentication, permissions are chosen in the consent UI rather than
// via a scope parameter, and access tokens never expire.
type Provider struct {
	clientID     string
	clientSecret string
	redirectURL  string
	httpClient   *http.Client

	// Endpoint URLs, overridable in tests.
	tokenURL string
	selfURL  string
}

// Config holds Notion OAuth configuration.
type Config struct {
	// ClientID is the Notion integration client ID (required).
	ClientID string

	// ClientSecret is the Notion integration client secret (required).
	ClientSecret string

	// RedirectURL is the OAuth callback URL.
	RedirectURL string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// NewProvider creates a new Notion provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = providers.NewHTTPClient()
	}

	return &Provider{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURL:  cfg.RedirectURL,
		httpClient:   httpClient,
		tokenURL:     tokenEndpoint,
		selfURL:      selfEndpoint,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL builds the Notion consent URL. Notion has no scope
// parameter; the requested scopes are accepted for interface compatibility
// and recorded on the integration, but the grant's permissions are chosen by
// the user in Notion's consent UI.
func (p *Provider) AuthorizationURL(state string, scopes []string, redirectURI string) string {
	if redirectURI == "" {
		redirectURI = p.redirectURL
	}

	q := url.Values{}
	q.Set("client_id", p.clientID)
	q.Set("response_type", "code")
	q.Set("owner", "user")
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)

	return authorizeEndpoint + "?" + q.Encode()
}

// tokenResponse is the shape of Notion's token endpoint response.
type tokenResponse struct {
	AccessToken   string `json:"access_token"`
	WorkspaceID   string `json:"workspace_id"`
	WorkspaceName string `json:"workspace_name"`
	Owner         struct {
		User struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Person struct {
				Email string `json:"email"`
			} `json:"person"`
		} `json:"user"`
	} `json:"owner"`
}

// ExchangeCode exchanges an authorization code for tokens. Notion requires a
// JSON request body and Basic client authentication at the token endpoint.
func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI string) (*providers.TokenSet, error) {
	if redirectURI == "" {
		redirectURI = p.redirectURL
	}

	body, err := json.Marshal(map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": redirectURI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, providers.Classify(providerName, "exchange", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.ClassifyStatus(providerName, "exchange", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, providers.NewMalformed(providerName, "exchange", fmt.Sprintf("failed to decode response: %v", err))
	}
	if tr.AccessToken == "" {
		return nil, providers.NewMalformed(providerName, "exchange", "response missing access_token")
	}

	// Zero ExpiresAt and empty RefreshToken: the token never expires and the
	// refresh coordinator will never schedule this integration.
	return &providers.TokenSet{
		AccessToken: tr.AccessToken,
		ExpiresAt:   time.Time{},
	}, nil
}

// Refresh always fails: Notion has no refresh grant. The coordinator never
// calls this because the stored expiry is nil, but a direct call must still
// answer coherently.
func (p *Provider) Refresh(ctx context.Context, refreshSecret string) (*providers.TokenSet, error) {
	return nil, &providers.Error{
		Provider: providerName,
		Op:       "refresh",
		Kind:     providers.KindRefreshRejected,
		Err:      ErrRefreshNotSupported,
	}
}

// FetchIdentity fetches the bot's owning user from the Notion API.
func (p *Provider) FetchIdentity(ctx context.Context, accessSecret string) (*providers.Identity, error) {
	req, err := http.NewRequest(http.MethodGet, p.selfURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build users/me request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessSecret)
	req.Header.Set("Notion-Version", notionVersion)

	var me struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Bot  struct {
			Owner struct {
				User struct {
					ID     string `json:"id"`
					Name   string `json:"name"`
					Person struct {
						Email string `json:"email"`
					} `json:"person"`
				} `json:"user"`
			} `json:"owner"`
			WorkspaceName string `json:"workspace_name"`
		} `json:"bot"`
	}
	if err := providers.GetJSON(ctx, providerName, "fetch_identity", p.httpClient, req, &me); err != nil {
		return nil, err
	}

	owner := me.Bot.Owner.User
	if owner.ID == "" {
		return nil, providers.NewMalformed(providerName, "fetch_identity", "response missing bot owner")
	}

	display := owner.Name
	if me.Bot.WorkspaceName != "" {
		display = fmt.Sprintf("%s (%s)", owner.Name, me.Bot.WorkspaceName)
	}

	return &providers.Identity{
		ExternalID:  owner.ID,
		DisplayName: display,
		Email:       owner.Person.Email,
	}, nil
}

// Revoke is a local-only operation for Notion, which exposes no revocation
// endpoint; the user removes the integration from their workspace settings.
func (p *Provider) Revoke(ctx context.Context, accessSecret, refreshSecret string) error {
	return nil
}
