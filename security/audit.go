package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles credential lifecycle audit logging with PII protection.
// Secrets never reach the auditor; user identifiers are hashed before logging.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a credential lifecycle audit event.
type Event struct {
	Type          string
	UserID        string
	Provider      string
	IntegrationID string
	Details       map[string]any
	Timestamp     time.Time
}

// LogEvent logs an audit event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"provider", event.Provider,
		"integration_id", event.IntegrationID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogHandshakeStarted logs the start of an authorization handshake.
func (a *Auditor) LogHandshakeStarted(userID, provider string, scopes []string) {
	a.LogEvent(Event{
		Type:     "handshake_started",
		UserID:   userID,
		Provider: provider,
		Details: map[string]any{
			"scopes": scopes,
		},
	})
}

// LogHandshakeCompleted logs a successful code exchange and credential persist.
func (a *Auditor) LogHandshakeCompleted(userID, provider, integrationID string) {
	a.LogEvent(Event{
		Type:          "handshake_completed",
		UserID:        userID,
		Provider:      provider,
		IntegrationID: integrationID,
	})
}

// LogHandshakeFailed logs a failed handshake (invalid state, rejected code).
func (a *Auditor) LogHandshakeFailed(provider, reason string) {
	a.LogEvent(Event{
		Type:     "handshake_failed",
		Provider: provider,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogTokenRefreshed logs a successful refresh.
func (a *Auditor) LogTokenRefreshed(integrationID, provider string, rotated bool) {
	a.LogEvent(Event{
		Type:          "token_refreshed",
		Provider:      provider,
		IntegrationID: integrationID,
		Details: map[string]any{
			"refresh_secret_rotated": rotated,
		},
	})
}

// LogRefreshFailed logs a failed refresh. Terminal failures require the user
// to re-authorize; transient failures will be retried.
func (a *Auditor) LogRefreshFailed(integrationID, provider, reason string, terminal bool) {
	a.LogEvent(Event{
		Type:          "refresh_failed",
		Provider:      provider,
		IntegrationID: integrationID,
		Details: map[string]any{
			"reason":   reason,
			"terminal": terminal,
		},
	})
}

// LogIntegrationRevoked logs a local revocation.
func (a *Auditor) LogIntegrationRevoked(userID, provider, integrationID, reason string) {
	a.LogEvent(Event{
		Type:          "integration_revoked",
		UserID:        userID,
		Provider:      provider,
		IntegrationID: integrationID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// hashForLogging produces a stable, non-reversible identifier for audit
// correlation without logging the raw value.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:8])
}
