package storage

import (
	"context"
	"errors"
	"time"
)

// Common storage errors.
var (
	// ErrIntegrationNotFound is returned when an integration does not exist.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrAttemptNotFound is returned when an authorization attempt does not
	// exist or has already been consumed.
	ErrAttemptNotFound = errors.New("authorization attempt not found")

	// ErrVersionConflict is returned by CompareAndUpdate when the stored
	// version no longer matches the expected one.
	ErrVersionConflict = errors.New("integration version conflict")

	// ErrLeaseHeld is returned when a lease is held by another owner.
	ErrLeaseHeld = errors.New("lease held by another owner")
)

// Integration lifecycle states. There is no persisted pending state; an
// integration only exists once a code exchange has succeeded.
const (
	// StatusActive marks an integration whose credentials are usable.
	StatusActive = "active"

	// StatusExpired marks an integration whose refresh path was rejected by
	// the provider. Recovery requires a fresh user consent.
	StatusExpired = "expired"

	// StatusRevoked marks an integration revoked by the user or operator.
	// Secret blobs are zeroed on revocation.
	StatusRevoked = "revoked"
)

// Integration is a stored provider connection for one user. Secret fields
// hold sealed envelope blobs, never plaintext tokens.
type Integration struct {
	// ID is the integration identifier (UUID).
	ID string

	// UserID is the owning user.
	UserID string

	// Provider is the provider name ("google", "notion", "zoom").
	Provider string

	// Scopes are the granted scopes, deduplicated and sorted.
	Scopes []string

	// Status is one of StatusActive, StatusExpired, StatusRevoked.
	Status string

	// AccessSecret is the sealed access token blob.
	AccessSecret string

	// RefreshSecret is the sealed refresh token blob, empty when the
	// provider issued none.
	RefreshSecret string

	// ExpiresAt is the access token expiry. Nil means the token does not
	// expire and the integration is never swept for refresh.
	ExpiresAt *time.Time

	// ExternalAccountID is the provider-side account identifier, when known.
	ExternalAccountID string

	// DisplayName is a human-readable label for the connected account.
	DisplayName string

	// RevokedReason records why the integration was revoked, if it was.
	RevokedReason string

	// Version increases on every write and backs optimistic concurrency.
	Version int64

	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastSyncAt time.Time
}

// Expiring reports whether the integration carries an expiry at all.
func (i *Integration) Expiring() bool {
	return i.ExpiresAt != nil
}

// Clone returns a deep copy of the integration.
func (i *Integration) Clone() *Integration {
	out := *i
	if i.ExpiresAt != nil {
		t := *i.ExpiresAt
		out.ExpiresAt = &t
	}
	if i.Scopes != nil {
		out.Scopes = append([]string(nil), i.Scopes...)
	}
	return &out
}

// Attempt is an in-flight authorization attempt, keyed by its single-use
// state token.
type Attempt struct {
	// State is the opaque state token carried through the provider redirect.
	State string

	// UserID is the user who initiated the attempt.
	UserID string

	// Provider is the target provider name.
	Provider string

	// Scopes are the scopes requested for this attempt.
	Scopes []string

	// RedirectURI is the callback URI recorded at initiation, reused verbatim
	// at code exchange.
	RedirectURI string

	CreatedAt time.Time

	// ExpiresAt bounds the attempt lifetime. Expired attempts are rejected on
	// consume and swept periodically.
	ExpiresAt time.Time
}

// CredentialStore persists integrations.
type CredentialStore interface {
	// UpsertActive stores in as the single active integration for its
	// (UserID, Provider) pair. An existing row for the pair is overwritten in
	// place: its ID and CreatedAt are retained, its version bumped. The
	// returned record is the stored state.
	UpsertActive(ctx context.Context, in *Integration) (*Integration, error)

	// Get returns the integration by ID, or ErrIntegrationNotFound.
	Get(ctx context.Context, id string) (*Integration, error)

	// ListForUser returns the user's integrations ordered by creation time
	// descending.
	ListForUser(ctx context.Context, userID string) ([]*Integration, error)

	// ListExpiring returns active integrations whose expiry falls before
	// the given cutoff. Non-expiring integrations are never returned.
	ListExpiring(ctx context.Context, cutoff time.Time) ([]*Integration, error)

	// CompareAndUpdate applies mutate to the integration if its stored
	// version equals expectedVersion, bumping the version on success.
	// Returns ErrVersionConflict when the version moved.
	CompareAndUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*Integration)) (*Integration, error)

	// MarkRevoked moves the integration to StatusRevoked, zeroes its secret
	// blobs, and records the reason. Revoking an already-revoked integration
	// is a no-op.
	MarkRevoked(ctx context.Context, id, reason string) error

	// PurgeRevoked removes revoked integrations older than cutoff and
	// returns how many were removed.
	PurgeRevoked(ctx context.Context, cutoff time.Time) (int, error)
}

// AttemptStore persists in-flight authorization attempts.
type AttemptStore interface {
	// SaveAttempt stores an attempt keyed by its state token.
	SaveAttempt(ctx context.Context, attempt *Attempt) error

	// ConsumeAttempt atomically retrieves and deletes the attempt for the
	// state token. A second consume of the same token returns
	// ErrAttemptNotFound regardless of interleaving.
	ConsumeAttempt(ctx context.Context, state string) (*Attempt, error)

	// DeleteExpiredAttempts removes expired attempts and returns how many
	// were removed.
	DeleteExpiredAttempts(ctx context.Context) (int, error)
}

// LeaseStore hands out short-lived exclusive leases, used to serialize
// refresh calls for a single integration across coordinator instances.
type LeaseStore interface {
	// AcquireLease takes the lease for key on behalf of owner. It returns
	// false when another owner holds an unexpired lease. Re-acquiring an
	// already-held lease extends it.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease releases the lease if owner still holds it. Releasing a
	// lease held by someone else is a no-op.
	ReleaseLease(ctx context.Context, key, owner string) error
}
