// Package memory provides an in-memory implementation of the storage
// interfaces. All data is lost on restart; use it for tests and
// single-instance deployments where durability is handled elsewhere.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymind/connect/storage"
)

// Compile-time checks that Store implements the storage interfaces.
var (
	_ storage.CredentialStore = (*Store)(nil)
	_ storage.AttemptStore    = (*Store)(nil)
	_ storage.LeaseStore      = (*Store)(nil)
)

// DefaultCleanupInterval is how often the background cleanup loop runs.
const DefaultCleanupInterval = 5 * time.Minute

type lease struct {
	owner     string
	expiresAt time.Time
}

// Store is an in-memory implementation of CredentialStore, AttemptStore, and
// LeaseStore. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	integrations map[string]*storage.Integration // keyed by ID
	byPair       map[string]string               // userID+"\x00"+provider -> ID
	attempts     map[string]*storage.Attempt     // keyed by state token
	leases       map[string]lease

	logger *slog.Logger
	nowFn  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the cleanup loop.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// withClock overrides the clock in tests.
func withClock(now func() time.Time) Option {
	return func(s *Store) {
		s.nowFn = now
	}
}

// New creates a new in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		integrations: make(map[string]*storage.Integration),
		byPair:       make(map[string]string),
		attempts:     make(map[string]*storage.Attempt),
		leases:       make(map[string]lease),
		logger:       slog.Default(),
		nowFn:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func pairKey(userID, provider string) string {
	return userID + "\x00" + provider
}

// UpsertActive stores in as the single active integration for its
// (UserID, Provider) pair.
func (s *Store) UpsertActive(ctx context.Context, in *storage.Integration) (*storage.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	rec := in.Clone()
	rec.Status = storage.StatusActive
	rec.RevokedReason = ""
	rec.UpdatedAt = now
	rec.LastSyncAt = now

	key := pairKey(in.UserID, in.Provider)
	if existingID, ok := s.byPair[key]; ok {
		existing := s.integrations[existingID]
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		rec.Version = existing.Version + 1
	} else {
		rec.ID = uuid.NewString()
		rec.CreatedAt = now
		rec.Version = 1
	}

	s.integrations[rec.ID] = rec
	s.byPair[key] = rec.ID
	return rec.Clone(), nil
}

// Get returns the integration by ID.
func (s *Store) Get(ctx context.Context, id string) (*storage.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.integrations[id]
	if !ok {
		return nil, storage.ErrIntegrationNotFound
	}
	return rec.Clone(), nil
}

// ListForUser returns the user's integrations, newest first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*storage.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Integration
	for _, rec := range s.integrations {
		if rec.UserID == userID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListExpiring returns active integrations expiring before cutoff.
func (s *Store) ListExpiring(ctx context.Context, cutoff time.Time) ([]*storage.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Integration
	for _, rec := range s.integrations {
		if rec.Status != storage.StatusActive || rec.ExpiresAt == nil {
			continue
		}
		if rec.ExpiresAt.Before(cutoff) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
	})
	return out, nil
}

// CompareAndUpdate applies mutate if the stored version matches.
func (s *Store) CompareAndUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*storage.Integration)) (*storage.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.integrations[id]
	if !ok {
		return nil, storage.ErrIntegrationNotFound
	}
	if rec.Version != expectedVersion {
		return nil, storage.ErrVersionConflict
	}

	updated := rec.Clone()
	mutate(updated)
	updated.ID = rec.ID
	updated.Version = rec.Version + 1
	updated.UpdatedAt = s.nowFn()

	s.integrations[id] = updated
	return updated.Clone(), nil
}

// MarkRevoked revokes the integration and zeroes its secret blobs.
func (s *Store) MarkRevoked(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.integrations[id]
	if !ok {
		return storage.ErrIntegrationNotFound
	}
	if rec.Status == storage.StatusRevoked {
		return nil
	}

	updated := rec.Clone()
	updated.Status = storage.StatusRevoked
	updated.RevokedReason = reason
	updated.AccessSecret = ""
	updated.RefreshSecret = ""
	updated.ExpiresAt = nil
	updated.Version = rec.Version + 1
	updated.UpdatedAt = s.nowFn()

	s.integrations[id] = updated
	return nil
}

// PurgeRevoked removes revoked integrations older than cutoff.
func (s *Store) PurgeRevoked(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.integrations {
		if rec.Status == storage.StatusRevoked && rec.UpdatedAt.Before(cutoff) {
			delete(s.integrations, id)
			if s.byPair[pairKey(rec.UserID, rec.Provider)] == id {
				delete(s.byPair, pairKey(rec.UserID, rec.Provider))
			}
			removed++
		}
	}
	return removed, nil
}

// SaveAttempt stores an authorization attempt.
func (s *Store) SaveAttempt(ctx context.Context, attempt *storage.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *attempt
	cp.Scopes = append([]string(nil), attempt.Scopes...)
	s.attempts[attempt.State] = &cp
	return nil
}

// ConsumeAttempt atomically retrieves and deletes an attempt. Expired
// attempts are deleted and reported as not found.
func (s *Store) ConsumeAttempt(ctx context.Context, state string) (*storage.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[state]
	if !ok {
		return nil, storage.ErrAttemptNotFound
	}
	delete(s.attempts, state)

	if s.nowFn().After(attempt.ExpiresAt) {
		return nil, storage.ErrAttemptNotFound
	}

	cp := *attempt
	cp.Scopes = append([]string(nil), attempt.Scopes...)
	return &cp, nil
}

// DeleteExpiredAttempts removes expired attempts.
func (s *Store) DeleteExpiredAttempts(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	removed := 0
	for state, attempt := range s.attempts {
		if now.After(attempt.ExpiresAt) {
			delete(s.attempts, state)
			removed++
		}
	}
	return removed, nil
}

// AcquireLease takes or extends the lease for key.
func (s *Store) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if l, ok := s.leases[key]; ok && l.owner != owner && now.Before(l.expiresAt) {
		return false, nil
	}
	s.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLease releases the lease if owner holds it.
func (s *Store) ReleaseLease(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[key]; ok && l.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

// Counts reports current record counts, used for storage size gauges.
func (s *Store) Counts() (integrations, attempts int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.integrations)), int64(len(s.attempts))
}

// StartCleanupRoutine runs periodic cleanup of expired attempts and stale
// leases until ctx is cancelled.
func (s *Store) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, _ := s.DeleteExpiredAttempts(ctx)
				s.expireLeases()
				if removed > 0 {
					s.logger.Debug("cleaned up expired authorization attempts",
						slog.Int("count", removed))
				}
			}
		}
	}()
}

func (s *Store) expireLeases() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	for key, l := range s.leases {
		if now.After(l.expiresAt) {
			delete(s.leases, key)
		}
	}
}
