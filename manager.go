package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaymind/connect/instrumentation"
	"github.com/relaymind/connect/internal/util"
	"github.com/relaymind/connect/providers"
	"github.com/relaymind/connect/refresh"
	"github.com/relaymind/connect/security"
	"github.com/relaymind/connect/state"
	"github.com/relaymind/connect/storage"
)

// revokeTimeout bounds the best-effort provider revocation call.
const revokeTimeout = 10 * time.Second

// Manager orchestrates the OAuth handshake and token lifecycle across the
// registered providers. It is the only surface callers need; the state
// registry, credential store, and refresh coordinator hang off it.
type Manager struct {
	cfg      Config
	registry map[string]providers.Provider
	creds    storage.CredentialStore
	states   *state.Registry
	coord    *refresh.Coordinator
	vault    *security.Vault
	auditor  *security.Auditor
	metrics  *instrumentation.Metrics
	logger   *slog.Logger
}

// New creates a Manager. The registry maps provider names to adapters; every
// provider named in cfg.Providers must have an adapter, so configuration
// mistakes surface at construction instead of at call time. Adapters are
// wrapped with an outbound rate limiter.
func New(cfg Config, registry map[string]providers.Provider, creds storage.CredentialStore, attempts storage.AttemptStore, leases storage.LeaseStore) (*Manager, error) {
	if len(registry) == 0 {
		return nil, fmt.Errorf("at least one provider adapter is required")
	}
	if creds == nil || attempts == nil || leases == nil {
		return nil, fmt.Errorf("credential, attempt, and lease stores are required")
	}

	masterKey, err := cfg.applyDefaults()
	if err != nil {
		return nil, err
	}

	for name := range cfg.Providers {
		if _, ok := registry[name]; !ok {
			return nil, fmt.Errorf("%w: %q is configured but has no adapter", ErrUnknownProvider, name)
		}
	}

	vault, err := security.NewVault(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vault: %w", err)
	}

	throttled := make(map[string]providers.Provider, len(registry))
	for name, p := range registry {
		throttled[name] = providers.Throttle(p, 0, 0)
	}

	var metrics *instrumentation.Metrics
	if cfg.Instrumentation != nil {
		metrics = cfg.Instrumentation.Metrics()
	}

	auditor := security.NewAuditor(cfg.Logger, cfg.AuditEnabled)

	states := state.New(attempts,
		state.WithTTL(cfg.AttemptTTL),
		state.WithSweepInterval(cfg.SweepInterval),
		state.WithLogger(cfg.Logger))

	coord, err := refresh.New(creds, leases, throttled, vault, refresh.Config{
		SweepInterval: cfg.SweepInterval,
		RefreshMargin: cfg.RefreshMargin,
		RetryLimit:    cfg.RefreshRetryLimit,
		LeaseTTL:      cfg.LeaseTTL,
		Logger:        cfg.Logger,
		Auditor:       auditor,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh coordinator: %w", err)
	}

	return &Manager{
		cfg:      cfg,
		registry: throttled,
		creds:    creds,
		states:   states,
		coord:    coord,
		vault:    vault,
		auditor:  auditor,
		metrics:  metrics,
		logger:   cfg.Logger,
	}, nil
}

// Run drives the background loops (attempt sweep, refresh sweep) until ctx
// is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.states.Run(gctx) })
	g.Go(func() error { return m.coord.Run(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Initiate starts an OAuth handshake and returns the provider consent URL.
// Nothing about the integration is persisted; only the single-use
// authorization attempt is recorded.
func (m *Manager) Initiate(ctx context.Context, userID, provider string, scopes []string) (string, error) {
	p, ok := m.registry[provider]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	pcfg := m.cfg.Providers[provider]

	if len(scopes) == 0 {
		scopes = pcfg.DefaultScopes
	}
	scopes = util.NormalizeScopes(scopes)

	if len(pcfg.AllowedScopes) > 0 && !util.ContainsAll(pcfg.AllowedScopes, scopes) {
		return "", fmt.Errorf("%w: provider %q", ErrScopeNotAllowed, provider)
	}

	stateToken, err := m.states.Issue(ctx, userID, provider, scopes, pcfg.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("failed to issue state token: %w", err)
	}

	m.auditor.LogHandshakeStarted(userID, provider, scopes)
	m.metrics.RecordHandshakeStarted(ctx, provider)

	return p.AuthorizationURL(stateToken, scopes, pcfg.RedirectURI), nil
}

// Complete finishes a handshake: it consumes the state token, exchanges the
// authorization code, and persists the sealed credentials. On any failure no
// partial integration is stored.
func (m *Manager) Complete(ctx context.Context, stateToken, code string) (*IntegrationSummary, error) {
	attempt, err := m.states.Consume(ctx, stateToken)
	if err != nil {
		if errors.Is(err, storage.ErrAttemptNotFound) || errors.Is(err, state.ErrAttemptExpired) {
			m.auditor.LogHandshakeFailed("", "invalid state")
			m.metrics.RecordHandshakeCompleted(ctx, "unknown", false)
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("failed to consume state token: %w", err)
	}

	p, ok := m.registry[attempt.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, attempt.Provider)
	}

	start := time.Now()
	tokens, err := p.ExchangeCode(ctx, code, attempt.RedirectURI)
	m.metrics.RecordProviderAPICall(ctx, attempt.Provider, "exchange",
		float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		m.auditor.LogHandshakeFailed(attempt.Provider, "code exchange failed")
		m.metrics.RecordHandshakeCompleted(ctx, attempt.Provider, false)
		return nil, err
	}

	rec := &storage.Integration{
		UserID:   attempt.UserID,
		Provider: attempt.Provider,
		Scopes:   util.NormalizeScopes(attempt.Scopes),
	}
	if len(tokens.GrantedScopes) > 0 {
		rec.Scopes = util.NormalizeScopes(tokens.GrantedScopes)
	}
	if !tokens.ExpiresAt.IsZero() {
		t := tokens.ExpiresAt
		rec.ExpiresAt = &t
	}

	if rec.AccessSecret, err = m.vault.Seal(tokens.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to seal access secret: %w", err)
	}
	if tokens.RefreshToken != "" {
		if rec.RefreshSecret, err = m.vault.Seal(tokens.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to seal refresh secret: %w", err)
		}
	}

	// Identity binding is best-effort; a failed lookup just leaves the
	// integration unlabeled.
	if identity, idErr := p.FetchIdentity(ctx, tokens.AccessToken); idErr != nil {
		m.logger.Warn("failed to fetch account identity",
			slog.String("provider", attempt.Provider),
			slog.String("error", idErr.Error()))
	} else {
		rec.ExternalAccountID = identity.ExternalID
		rec.DisplayName = identity.DisplayName
	}

	stored, err := m.creds.UpsertActive(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to persist integration: %w", err)
	}

	m.auditor.LogHandshakeCompleted(attempt.UserID, attempt.Provider, stored.ID)
	m.metrics.RecordHandshakeCompleted(ctx, attempt.Provider, true)

	return summarize(stored), nil
}

// GetValidToken returns a usable access token for the integration,
// refreshing lazily when the stored token is within the refresh margin.
// At most one refresh attempt is made per call.
func (m *Manager) GetValidToken(ctx context.Context, integrationID string) (TokenHandle, error) {
	rec, err := m.creds.Get(ctx, integrationID)
	if err != nil {
		return TokenHandle{}, err
	}

	switch rec.Status {
	case storage.StatusActive:
	case storage.StatusRevoked:
		return TokenHandle{}, ErrIntegrationRevoked
	default:
		return TokenHandle{}, fmt.Errorf("%w: integration is %s", ErrTokenUnavailable, rec.Status)
	}

	margin := m.cfg.Providers[rec.Provider].RefreshMargin(m.cfg.RefreshMargin)
	if rec.ExpiresAt != nil && security.IsSecretExpiringSoon(*rec.ExpiresAt, margin) {
		rec, err = m.refreshForServing(ctx, rec, margin)
		if err != nil {
			return TokenHandle{}, err
		}
	}

	accessToken, err := m.vault.Open(rec.AccessSecret)
	if err != nil {
		return TokenHandle{}, fmt.Errorf("failed to open access secret: %w", err)
	}

	handle := TokenHandle{accessToken: accessToken}
	if rec.ExpiresAt != nil {
		handle.expiresAt = *rec.ExpiresAt
	}
	return handle, nil
}

// refreshForServing runs the single lazy refresh attempt and decides whether
// the stored token can still be served when the attempt does not produce a
// fresh one. margin is the provider's effective refresh margin, so the
// coordinator applies the same due-ness check that triggered the attempt.
func (m *Manager) refreshForServing(ctx context.Context, rec *storage.Integration, margin time.Duration) (*storage.Integration, error) {
	updated, err := m.coord.RefreshNow(ctx, rec.ID, margin)
	if err == nil {
		if updated.Status != storage.StatusActive {
			return nil, fmt.Errorf("%w: integration is %s", ErrTokenUnavailable, updated.Status)
		}
		return updated, nil
	}

	if providers.KindOf(err) == providers.KindRefreshRejected {
		return nil, fmt.Errorf("%w: refresh rejected by provider", ErrTokenUnavailable)
	}

	// Lease contention or a transient provider failure: the stored token is
	// still serviceable until it actually expires.
	if errors.Is(err, storage.ErrLeaseHeld) || providers.IsRetryable(err) {
		if rec.ExpiresAt == nil || !security.IsSecretExpired(*rec.ExpiresAt) {
			return rec, nil
		}
		return nil, fmt.Errorf("%w: token expired and refresh unavailable", ErrTokenUnavailable)
	}
	return nil, err
}

// Revoke revokes an integration: best-effort revocation at the provider,
// then unconditional local revocation. Revoking an already-revoked
// integration is a no-op.
func (m *Manager) Revoke(ctx context.Context, integrationID, reason string) error {
	rec, err := m.creds.Get(ctx, integrationID)
	if err != nil {
		return err
	}
	if rec.Status == storage.StatusRevoked {
		return nil
	}

	if p, ok := m.registry[rec.Provider]; ok {
		m.revokeAtProvider(ctx, p, rec)
	}

	if err := m.creds.MarkRevoked(ctx, integrationID, reason); err != nil {
		return fmt.Errorf("failed to revoke integration: %w", err)
	}

	m.auditor.LogIntegrationRevoked(rec.UserID, rec.Provider, rec.ID, reason)
	m.metrics.RecordTokenRevocation(ctx, rec.Provider)
	return nil
}

// revokeAtProvider asks the provider to invalidate the grant. Failures are
// logged and audited, never propagated: local revocation must always win.
func (m *Manager) revokeAtProvider(ctx context.Context, p providers.Provider, rec *storage.Integration) {
	accessToken, err := m.vault.Open(rec.AccessSecret)
	if err != nil {
		m.logger.Warn("failed to open access secret for provider revocation",
			slog.String("integration_id", rec.ID),
			slog.String("error", err.Error()))
		return
	}
	var refreshToken string
	if rec.RefreshSecret != "" {
		if refreshToken, err = m.vault.Open(rec.RefreshSecret); err != nil {
			m.logger.Warn("failed to open refresh secret for provider revocation",
				slog.String("integration_id", rec.ID),
				slog.String("error", err.Error()))
		}
	}

	rctx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()

	start := time.Now()
	err = p.Revoke(rctx, accessToken, refreshToken)
	m.metrics.RecordProviderAPICall(ctx, rec.Provider, "revoke",
		float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		m.logger.Warn("provider revocation failed, revoking locally anyway",
			slog.String("provider", rec.Provider),
			slog.String("integration_id", rec.ID),
			slog.String("error", err.Error()))
	}
}

// ListForUser lists the user's integrations without secrets.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]*IntegrationSummary, error) {
	recs, err := m.creds.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}

	out := make([]*IntegrationSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, summarize(rec))
	}
	return out, nil
}
