package connect

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/relaymind/connect/instrumentation"
	"github.com/relaymind/connect/security"
)

// Defaults applied by applyDefaults.
const (
	DefaultAttemptTTL    = 10 * time.Minute
	DefaultRefreshMargin = 5 * time.Minute
	DefaultRetryLimit    = 3
	DefaultSweepInterval = time.Minute
	DefaultLeaseTTL      = 30 * time.Second
)

// ProviderConfig holds the static configuration for one provider.
type ProviderConfig struct {
	// ClientID is the OAuth client ID registered with the provider.
	ClientID string `yaml:"client_id"`

	// ClientSecret is the OAuth client secret.
	ClientSecret string `yaml:"client_secret"`

	// RedirectURI is the callback URI registered with the provider.
	RedirectURI string `yaml:"redirect_uri"`

	// DefaultScopes are requested when Initiate is called without scopes.
	DefaultScopes []string `yaml:"default_scopes"`

	// AllowedScopes bounds what callers may request. Empty means any scope
	// is accepted.
	AllowedScopes []string `yaml:"allowed_scopes"`

	// RefreshMarginSeconds overrides the global refresh margin for this
	// provider. Zero means use the global value.
	RefreshMarginSeconds int `yaml:"refresh_margin_seconds"`

	// RefreshRetryLimit overrides the global transient-failure retry limit.
	RefreshRetryLimit int `yaml:"refresh_retry_limit"`
}

// RefreshMargin returns the provider's refresh margin, falling back to
// fallback when unset.
func (p ProviderConfig) RefreshMargin(fallback time.Duration) time.Duration {
	if p.RefreshMarginSeconds > 0 {
		return time.Duration(p.RefreshMarginSeconds) * time.Second
	}
	return fallback
}

// Config holds Manager configuration.
type Config struct {
	// Providers maps provider names to their static configuration.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// EncryptionKey is the base64-encoded 32-byte master key for sealing
	// secrets at rest. When empty an ephemeral key is generated; stored
	// secrets then become unreadable after restart, so production
	// deployments must set it.
	EncryptionKey string `yaml:"encryption_key"`

	// AttemptTTL bounds how long a handshake may stay in flight.
	AttemptTTL time.Duration `yaml:"attempt_ttl"`

	// RefreshMargin is how far before expiry tokens are refreshed.
	RefreshMargin time.Duration `yaml:"refresh_margin"`

	// RefreshRetryLimit caps transient-failure retries per sweep refresh.
	RefreshRetryLimit int `yaml:"refresh_retry_limit"`

	// SweepInterval is how often the background sweeps run.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// LeaseTTL is the per-integration refresh lease lifetime.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// AuditEnabled turns on the security audit trail.
	AuditEnabled bool `yaml:"audit_enabled"`

	// Logger is the structured logger (default: slog.Default()).
	Logger *slog.Logger `yaml:"-"`

	// Instrumentation provides OpenTelemetry metrics and tracing. Optional.
	Instrumentation *instrumentation.Instrumentation `yaml:"-"`
}

// applyDefaults fills zero fields with secure defaults and returns the
// resolved master key.
func (c *Config) applyDefaults() ([]byte, error) {
	if c.AttemptTTL <= 0 {
		c.AttemptTTL = DefaultAttemptTTL
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = DefaultRefreshMargin
	}
	if c.RefreshRetryLimit <= 0 {
		c.RefreshRetryLimit = DefaultRetryLimit
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	if c.EncryptionKey != "" {
		key, err := security.MasterKeyFromBase64(c.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		return key, nil
	}

	key, err := security.GenerateMasterKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	c.Logger.Warn("no encryption key configured, generated an ephemeral key; " +
		"stored secrets will be unreadable after restart")
	return key, nil
}
