package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultRequestTimeout bounds every outbound provider call. Provider
	// endpoints are a network boundary; a slow provider must never hold a
	// caller indefinitely.
	DefaultRequestTimeout = 12 * time.Second

	// maxErrorBodySize caps how much of an error response body is read.
	maxErrorBodySize = 4 << 10
)

// NewHTTPClient returns the default HTTP client for provider adapters.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultRequestTimeout}
}

// ExchangeWithConfig is the shared code-exchange path for adapters built on
// oauth2.Config. It overrides the redirect URI when the attempt recorded one,
// routes through the adapter's HTTP client, and classifies failures.
func ExchangeWithConfig(ctx context.Context, provider string, cfg *oauth2.Config, httpClient *http.Client, code, redirectURI string) (*oauth2.Token, error) {
	conf := *cfg
	if redirectURI != "" {
		conf.RedirectURL = redirectURI
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, Classify(provider, "exchange", err)
	}
	if token.AccessToken == "" {
		return nil, NewMalformed(provider, "exchange", "response missing access_token")
	}
	return token, nil
}

// RefreshWithConfig is the shared refresh path for adapters built on
// oauth2.Config.
func RefreshWithConfig(ctx context.Context, provider string, cfg *oauth2.Config, httpClient *http.Client, refreshSecret string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshSecret})
	token, err := src.Token()
	if err != nil {
		return nil, Classify(provider, "refresh", err)
	}
	if token.AccessToken == "" {
		return nil, NewMalformed(provider, "refresh", "response missing access_token")
	}
	return token, nil
}

// GetJSON performs an authenticated GET and decodes the JSON response into
// out. Non-2xx statuses are classified; response bodies are never included in
// errors.
func GetJSON(ctx context.Context, provider, op string, httpClient *http.Client, req *http.Request, out any) error {
	resp, err := httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return Classify(provider, op, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ClassifyStatus(provider, op, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewMalformed(provider, op, fmt.Sprintf("failed to decode response: %v", err))
	}
	return nil
}

// TokenSetFromOAuth2 converts an oauth2.Token into the provider-neutral
// TokenSet. GrantedScopes is populated only when the provider reports a scope
// field in the response; callers fall back to the scopes they requested.
func TokenSetFromOAuth2(token *oauth2.Token) *TokenSet {
	ts := &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		ts.GrantedScopes = splitScopes(scope)
	}
	return ts
}

// splitScopes splits a provider-reported scope string on either delimiter
// convention (space per RFC 6749, comma for the dialects that use it).
func splitScopes(scope string) []string {
	return strings.FieldsFunc(scope, func(r rune) bool {
		return r == ' ' || r == ','
	})
}

// drainAndClose drains a response body before closing so the underlying
// connection can be reused.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBodySize))
	_ = body.Close()
}
