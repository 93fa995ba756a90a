// Package refresh implements proactive and lazy token refresh. A ticker
// sweep finds integrations approaching expiry and refreshes them through a
// bounded worker pool; per-integration leases keep concurrent refreshers,
// here or on another instance, from issuing duplicate provider calls.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relaymind/connect/instrumentation"
	"github.com/relaymind/connect/providers"
	"github.com/relaymind/connect/security"
	"github.com/relaymind/connect/storage"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultSweepInterval    = time.Minute
	DefaultRefreshMargin    = 5 * time.Minute
	DefaultWorkers          = 4
	DefaultRetryLimit       = 3
	DefaultRetryBackoffBase = 2 * time.Second
	DefaultLeaseTTL         = 30 * time.Second
	DefaultPurgeRetention   = 30 * 24 * time.Hour
)

// Config holds coordinator configuration.
type Config struct {
	// SweepInterval is how often the proactive sweep runs.
	SweepInterval time.Duration

	// RefreshMargin is how far before expiry a refresh is scheduled.
	RefreshMargin time.Duration

	// Workers bounds concurrent refreshes within one sweep.
	Workers int

	// RetryLimit caps transient-failure retries per refresh attempt.
	RetryLimit int

	// RetryBackoffBase is the first retry delay; it doubles per retry.
	RetryBackoffBase time.Duration

	// LeaseTTL is the per-integration lease lifetime. It must exceed the
	// provider call timeout so a live refresh keeps its lease.
	LeaseTTL time.Duration

	// PurgeRetention is how long revoked integrations are kept before the
	// sweep purges them. Zero selects the default; negative disables purging.
	PurgeRetention time.Duration

	// Logger is the structured logger (default: slog.Default()).
	Logger *slog.Logger

	// Auditor records refresh outcomes. Optional.
	Auditor *security.Auditor

	// Metrics records refresh and provider metrics. Optional.
	Metrics *instrumentation.Metrics
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = DefaultRefreshMargin
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = DefaultRetryLimit
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.PurgeRetention == 0 {
		c.PurgeRetention = DefaultPurgeRetention
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Auditor == nil {
		c.Auditor = security.NewAuditor(c.Logger, false)
	}
}

// Coordinator drives token refresh for stored integrations.
type Coordinator struct {
	creds    storage.CredentialStore
	leases   storage.LeaseStore
	registry map[string]providers.Provider
	vault    *security.Vault
	cfg      Config

	// ownerPrefix identifies this instance in lease values; each refresh
	// attempt appends a fresh token so concurrent attempts within one
	// process exclude each other too.
	ownerPrefix string

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

// New creates a coordinator. The provider registry maps provider names to
// adapters; integrations whose provider is missing from the registry are
// skipped with a warning.
func New(creds storage.CredentialStore, leases storage.LeaseStore, registry map[string]providers.Provider, vault *security.Vault, cfg Config) (*Coordinator, error) {
	if creds == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if leases == nil {
		return nil, fmt.Errorf("lease store is required")
	}
	if vault == nil {
		return nil, fmt.Errorf("vault is required")
	}
	cfg.applyDefaults()

	return &Coordinator{
		creds:       creds,
		leases:      leases,
		registry:    registry,
		vault:       vault,
		cfg:         cfg,
		ownerPrefix: uuid.NewString(),
		nowFn:       time.Now,
		sleepFn:     sleepCtx,
	}, nil
}

// Run sweeps until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.cfg.Logger.Warn("refresh sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep refreshes every integration expiring within the margin, bounded by
// the worker pool, then purges stale revoked rows.
func (c *Coordinator) Sweep(ctx context.Context) error {
	cutoff := c.nowFn().Add(c.cfg.RefreshMargin)
	due, err := c.creds.ListExpiring(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list expiring integrations: %w", err)
	}

	if len(due) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.Workers)
		for _, rec := range due {
			rec := rec
			g.Go(func() error {
				c.refreshWithLease(gctx, rec.ID, true)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if c.cfg.PurgeRetention > 0 {
		removed, err := c.creds.PurgeRevoked(ctx, c.nowFn().Add(-c.cfg.PurgeRetention))
		if err != nil {
			c.cfg.Logger.Warn("purge of revoked integrations failed",
				slog.String("error", err.Error()))
		} else if removed > 0 {
			c.cfg.Logger.Info("purged revoked integrations", slog.Int("count", removed))
		}
	}
	return nil
}

// RefreshNow performs one lazy refresh attempt for the integration without
// transient-failure retries. margin is the caller's effective refresh margin;
// zero selects the coordinator's global one. When another holder owns the
// lease it returns storage.ErrLeaseHeld immediately; the caller decides
// whether the stored token is still serviceable.
func (c *Coordinator) RefreshNow(ctx context.Context, id string, margin time.Duration) (*storage.Integration, error) {
	leaseKey := "refresh:" + id
	owner := c.ownerPrefix + "/" + uuid.NewString()
	ok, err := c.leases.AcquireLease(ctx, leaseKey, owner, c.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire refresh lease: %w", err)
	}
	if !ok {
		return nil, storage.ErrLeaseHeld
	}
	defer c.releaseLease(leaseKey, owner)

	return c.refreshLocked(ctx, id, margin, false)
}

// refreshWithLease is the sweep path: lease contention and per-integration
// failures are logged, never propagated, so one bad integration cannot stall
// the sweep.
func (c *Coordinator) refreshWithLease(ctx context.Context, id string, withRetries bool) {
	leaseKey := "refresh:" + id
	owner := c.ownerPrefix + "/" + uuid.NewString()
	ok, err := c.leases.AcquireLease(ctx, leaseKey, owner, c.cfg.LeaseTTL)
	if err != nil {
		c.cfg.Logger.Warn("failed to acquire refresh lease",
			slog.String("integration_id", id),
			slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}
	defer c.releaseLease(leaseKey, owner)

	if _, err := c.refreshLocked(ctx, id, 0, withRetries); err != nil {
		c.cfg.Logger.Warn("refresh failed",
			slog.String("integration_id", id),
			slog.String("error", err.Error()))
	}
}

// refreshLocked refreshes one integration. The caller holds the lease.
func (c *Coordinator) refreshLocked(ctx context.Context, id string, margin time.Duration, withRetries bool) (*storage.Integration, error) {
	if margin <= 0 {
		margin = c.cfg.RefreshMargin
	}

	rec, err := c.creds.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != storage.StatusActive {
		return rec, nil
	}
	// A concurrent refresher may have finished while we waited for the lease.
	if rec.ExpiresAt == nil || !security.IsSecretExpiringSoon(*rec.ExpiresAt, margin) {
		return rec, nil
	}

	provider, ok := c.registry[rec.Provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", rec.Provider)
	}

	if rec.RefreshSecret == "" {
		// Expiring token with no refresh path is terminal.
		return c.markExpired(ctx, rec, "no refresh secret")
	}

	refreshSecret, err := c.vault.Open(rec.RefreshSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to open refresh secret: %w", err)
	}

	tokens, err := c.callRefresh(ctx, provider, refreshSecret, withRetries)
	if err != nil {
		if providers.KindOf(err) == providers.KindRefreshRejected {
			c.cfg.Auditor.LogRefreshFailed(rec.ID, rec.Provider, "provider rejected refresh", true)
			c.cfg.Metrics.RecordTokenRefresh(ctx, rec.Provider, "rejected")
			return c.markExpired(ctx, rec, "refresh rejected by provider")
		}
		c.cfg.Auditor.LogRefreshFailed(rec.ID, rec.Provider, "provider unavailable", false)
		c.cfg.Metrics.RecordTokenRefresh(ctx, rec.Provider, "unavailable")
		return nil, err
	}

	updated, err := c.persist(ctx, rec, tokens)
	if err != nil {
		return nil, err
	}

	c.cfg.Auditor.LogTokenRefreshed(rec.ID, rec.Provider, tokens.RefreshToken != "")
	c.cfg.Metrics.RecordTokenRefresh(ctx, rec.Provider, "success")
	return updated, nil
}

// callRefresh invokes the provider, retrying transient failures with
// exponential backoff when withRetries is set. Rejections are never retried.
func (c *Coordinator) callRefresh(ctx context.Context, provider providers.Provider, refreshSecret string, withRetries bool) (*providers.TokenSet, error) {
	attempts := 1
	if withRetries {
		attempts = c.cfg.RetryLimit
	}

	var lastErr error
	backoff := c.cfg.RetryBackoffBase
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleepFn(ctx, backoff); err != nil {
				return nil, providers.Classify(provider.Name(), "refresh", err)
			}
			backoff *= 2
		}

		start := c.nowFn()
		tokens, err := provider.Refresh(ctx, refreshSecret)
		c.cfg.Metrics.RecordProviderAPICall(ctx, provider.Name(), "refresh",
			float64(c.nowFn().Sub(start).Milliseconds()), err)
		if err == nil {
			return tokens, nil
		}
		if !providers.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// persist writes the refreshed tokens via compare-and-update. A version
// conflict means another writer landed first; the write is dropped unless the
// fresh record still carries the exact secrets this refresh was minted from.
func (c *Coordinator) persist(ctx context.Context, rec *storage.Integration, tokens *providers.TokenSet) (*storage.Integration, error) {
	sealedAccess, err := c.vault.Seal(tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal access secret: %w", err)
	}
	sealedRefresh := rec.RefreshSecret
	if tokens.RefreshToken != "" {
		sealedRefresh, err = c.vault.Seal(tokens.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to seal refresh secret: %w", err)
		}
	}

	var expiresAt *time.Time
	if !tokens.ExpiresAt.IsZero() {
		t := tokens.ExpiresAt
		expiresAt = &t
	}

	mutate := func(i *storage.Integration) {
		i.AccessSecret = sealedAccess
		i.RefreshSecret = sealedRefresh
		i.ExpiresAt = expiresAt
		i.LastSyncAt = c.nowFn()
	}

	updated, err := c.creds.CompareAndUpdate(ctx, rec.ID, rec.Version, mutate)
	if !errors.Is(err, storage.ErrVersionConflict) {
		return updated, err
	}

	fresh, err := c.creds.Get(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if fresh.Status != storage.StatusActive {
		// A revocation won the race; do not resurrect the secrets.
		return fresh, nil
	}
	if fresh.AccessSecret != rec.AccessSecret || fresh.RefreshSecret != rec.RefreshSecret {
		// A fresher writer replaced the secrets these tokens were minted
		// from (re-consent or another refresher); its tokens win.
		return fresh, nil
	}
	return c.creds.CompareAndUpdate(ctx, fresh.ID, fresh.Version, mutate)
}

// markExpired moves the integration to the terminal expired state and drops
// its refresh path. The verdict is bound to the refresh secret it was issued
// against; when a conflicting write replaced that secret the expiry is
// abandoned rather than applied to credentials it never covered.
func (c *Coordinator) markExpired(ctx context.Context, rec *storage.Integration, reason string) (*storage.Integration, error) {
	mutate := func(i *storage.Integration) {
		i.Status = storage.StatusExpired
		i.RefreshSecret = ""
	}

	updated, err := c.creds.CompareAndUpdate(ctx, rec.ID, rec.Version, mutate)
	if errors.Is(err, storage.ErrVersionConflict) {
		fresh, ferr := c.creds.Get(ctx, rec.ID)
		if ferr != nil {
			return nil, ferr
		}
		if fresh.Status != storage.StatusActive {
			return fresh, nil
		}
		if fresh.RefreshSecret != rec.RefreshSecret {
			return fresh, nil
		}
		updated, err = c.creds.CompareAndUpdate(ctx, fresh.ID, fresh.Version, mutate)
	}
	if err != nil {
		return nil, err
	}

	c.cfg.Logger.Info("integration expired",
		slog.String("integration_id", rec.ID),
		slog.String("provider", rec.Provider),
		slog.String("reason", reason))
	return updated, nil
}

func (c *Coordinator) releaseLease(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.leases.ReleaseLease(ctx, key, owner); err != nil {
		c.cfg.Logger.Warn("failed to release refresh lease",
			slog.String("lease_key", key),
			slog.String("error", err.Error()))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
