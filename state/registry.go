// Package state implements the single-use state registry for OAuth
// handshakes. A state token binds the browser redirect back to the user,
// provider, and scopes recorded at initiation, and is consumable exactly
// once.
package state

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaymind/connect/security"
	"github.com/relaymind/connect/storage"
)

const (
	// stateTokenBytes is the entropy of a state token. 32 bytes gives 256
	// bits, well above the guessing-resistance floor.
	stateTokenBytes = 32

	// DefaultAttemptTTL bounds how long a handshake may stay in flight.
	DefaultAttemptTTL = 10 * time.Minute

	// DefaultSweepInterval is how often expired attempts are swept.
	DefaultSweepInterval = time.Minute
)

// ErrAttemptExpired is returned when a state token is consumed after its
// attempt expired. Callers treat it the same as an unknown token.
var ErrAttemptExpired = errors.New("authorization attempt expired")

// Registry issues and consumes single-use state tokens over an AttemptStore.
type Registry struct {
	store      storage.AttemptStore
	ttl        time.Duration
	sweepEvery time.Duration
	logger     *slog.Logger
	nowFn      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides the attempt lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithSweepInterval overrides how often Run sweeps expired attempts.
func WithSweepInterval(interval time.Duration) Option {
	return func(r *Registry) {
		if interval > 0 {
			r.sweepEvery = interval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// withClock overrides the clock in tests.
func withClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.nowFn = now
	}
}

// New creates a registry over the given attempt store.
func New(store storage.AttemptStore, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		ttl:        DefaultAttemptTTL,
		sweepEvery: DefaultSweepInterval,
		logger:     slog.Default(),
		nowFn:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Issue records a new authorization attempt and returns its state token.
func (r *Registry) Issue(ctx context.Context, userID, provider string, scopes []string, redirectURI string) (string, error) {
	token, err := generateStateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}

	now := r.nowFn()
	attempt := &storage.Attempt{
		State:       token,
		UserID:      userID,
		Provider:    provider,
		Scopes:      scopes,
		RedirectURI: redirectURI,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.ttl),
	}
	if err := r.store.SaveAttempt(ctx, attempt); err != nil {
		return "", fmt.Errorf("failed to save authorization attempt: %w", err)
	}
	return token, nil
}

// Consume atomically retrieves and invalidates the attempt for a state
// token. Expired attempts are rejected with ErrAttemptExpired even when the
// backing store has not swept them yet.
func (r *Registry) Consume(ctx context.Context, stateToken string) (*storage.Attempt, error) {
	attempt, err := r.store.ConsumeAttempt(ctx, stateToken)
	if err != nil {
		return nil, err
	}
	if security.IsExpiredAt(attempt.ExpiresAt, r.nowFn()) {
		return nil, ErrAttemptExpired
	}
	return attempt, nil
}

// Run sweeps expired attempts until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := r.store.DeleteExpiredAttempts(ctx)
			if err != nil {
				r.logger.Warn("attempt sweep failed", slog.String("error", err.Error()))
				continue
			}
			if removed > 0 {
				r.logger.Debug("swept expired authorization attempts",
					slog.Int("count", removed))
			}
		}
	}
}

func generateStateToken() (string, error) {
	buf := make([]byte, stateTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
