package connect

import (
	"time"

	"github.com/relaymind/connect/storage"
)

// IntegrationSummary is the management-surface view of an integration.
// It never carries secrets.
type IntegrationSummary struct {
	ID                string
	Provider          string
	Scopes            []string
	Status            string
	DisplayName       string
	ExternalAccountID string
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	LastSyncAt        time.Time
}

func summarize(in *storage.Integration) *IntegrationSummary {
	return &IntegrationSummary{
		ID:                in.ID,
		Provider:          in.Provider,
		Scopes:            append([]string(nil), in.Scopes...),
		Status:            in.Status,
		DisplayName:       in.DisplayName,
		ExternalAccountID: in.ExternalAccountID,
		ExpiresAt:         in.ExpiresAt,
		CreatedAt:         in.CreatedAt,
		LastSyncAt:        in.LastSyncAt,
	}
}

// TokenHandle is an opaque handle to a usable access token. Its formatting
// methods redact the token so a handle can be logged safely.
type TokenHandle struct {
	accessToken string
	expiresAt   time.Time
}

// AccessToken returns the plaintext access token.
func (h TokenHandle) AccessToken() string {
	return h.accessToken
}

// ExpiresAt returns the token expiry. Zero means the token does not expire.
func (h TokenHandle) ExpiresAt() time.Time {
	return h.expiresAt
}

// String redacts the token.
func (h TokenHandle) String() string {
	return "TokenHandle{access_token: [REDACTED]}"
}

// GoString redacts the token for %#v formatting.
func (h TokenHandle) GoString() string {
	return h.String()
}
